package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/watchllm/gateway/internal/auth"
	"github.com/watchllm/gateway/internal/cache"
	"github.com/watchllm/gateway/internal/embedding"
	"github.com/watchllm/gateway/internal/metrics"
	"github.com/watchllm/gateway/internal/pricing"
	"github.com/watchllm/gateway/internal/providers"
	anthropicprov "github.com/watchllm/gateway/internal/providers/anthropic"
	"github.com/watchllm/gateway/internal/providers/openaicompat"
	"github.com/watchllm/gateway/internal/proxy"
	"github.com/watchllm/gateway/internal/router"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/telemetry"
	"github.com/watchllm/gateway/internal/vault"
	"github.com/watchllm/gateway/internal/vectorindex"
)

// initInfra establishes the store, vector index, and optional external
// connections. Redis and ClickHouse are optional; without them the gateway
// runs with limits unenforced and analytics disabled.
func (a *App) initInfra(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "postgres":
		a.log.Info("connecting to store", slog.String("mode", "postgres"))
		pg, db, err := store.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.st = pg
		a.db = db
		a.index = vectorindex.NewPGIndex(db)

	case "memory":
		a.log.Info("store backend: memory (single instance)")
		a.st = store.NewMemory()
		a.index = vectorindex.NewMemoryIndex()
	}

	if a.cfg.Redis.URL != "" {
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	} else {
		a.log.Warn("REDIS_URL not set — rate limits and quotas are not enforced")
	}

	if a.cfg.Analytics.Addr != "" {
		ch, err := telemetry.OpenClickHouse(ctx,
			a.cfg.Analytics.Addr, a.cfg.Analytics.Database,
			a.cfg.Analytics.Username, a.cfg.Analytics.Password)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.analytics = ch
		a.log.Info("analytics store connected")
	} else {
		a.log.Warn("CLICKHOUSE_ADDR not set — telemetry sink and read APIs disabled")
	}

	return nil
}

// initProviders builds the provider adapter map. Adapters are keyless:
// every call carries a customer key decrypted by the router. In self-hosted
// mode ALLOWED_OUTBOUND_HOSTS restricts which upstreams are reachable at all.
func (a *App) initProviders(_ context.Context) error {
	candidates := []struct {
		name    string
		baseURL string
		build   func() providers.Provider
	}{
		{providers.NameOpenAI, openaicompat.OpenAIBaseURL,
			func() providers.Provider { return openaicompat.New(providers.NameOpenAI, openaicompat.OpenAIBaseURL) }},
		{providers.NameAnthropic, "https://api.anthropic.com/v1",
			func() providers.Provider { return anthropicprov.New() }},
		{providers.NameGroq, openaicompat.GroqBaseURL,
			func() providers.Provider { return openaicompat.New(providers.NameGroq, openaicompat.GroqBaseURL) }},
		{providers.NameOpenRouter, openaicompat.OpenRouterBaseURL,
			func() providers.Provider { return openaicompat.New(providers.NameOpenRouter, openaicompat.OpenRouterBaseURL) }},
	}

	a.provs = make(map[string]providers.Provider, len(candidates))
	for _, c := range candidates {
		if !hostAllowed(c.baseURL, a.cfg.AllowedOutboundHosts) {
			a.log.Warn("provider disabled by outbound host policy", slog.String("provider", c.name))
			continue
		}
		a.provs[c.name] = c.build()
	}
	if len(a.provs) == 0 {
		return fmt.Errorf("outbound host policy disables every provider")
	}
	return nil
}

// hostAllowed checks a provider base URL against the outbound allowlist.
// An empty allowlist permits everything.
func hostAllowed(baseURL string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	for _, h := range allowed {
		if strings.EqualFold(h, u.Hostname()) {
			return true
		}
	}
	return false
}

// initServices creates the vault, embedder, cache engine, telemetry
// pipeline, and metrics registry.
func (a *App) initServices(ctx context.Context) error {
	v, err := vault.New(a.cfg.MasterSecret)
	if err != nil {
		return err
	}
	a.vault = v

	// Embedder — optional. Without a key the cache is exact-only.
	var embedder embedding.Embedder
	if a.cfg.Embedding.APIKey != "" {
		switch a.cfg.Embedding.Provider {
		case "gemini":
			g, err := embedding.NewGemini(ctx, a.cfg.Embedding.APIKey, a.cfg.Embedding.Dimension)
			if err != nil {
				return fmt.Errorf("embedder: %w", err)
			}
			embedder = g
		default:
			var opts []embedding.OpenAIOption
			if a.cfg.Embedding.Model != "" {
				opts = append(opts, embedding.WithModel(a.cfg.Embedding.Model))
			}
			embedder = embedding.NewOpenAI(a.cfg.Embedding.APIKey, a.cfg.Embedding.Dimension, opts...)
		}
		a.log.Info("embedder configured",
			slog.String("provider", a.cfg.Embedding.Provider),
			slog.Int("dimension", a.cfg.Embedding.Dimension),
		)
	} else {
		a.log.Warn("EMBEDDING_API_KEY not set — semantic cache degraded to exact matching")
	}

	bypass, err := cache.NewBypassList(a.cfg.Cache.BypassExact, a.cfg.Cache.BypassPatterns)
	if err != nil {
		return err
	}
	if bypass.Len() > 0 {
		a.log.Info("cache bypass rules loaded", slog.Int("rules", bypass.Len()))
	}

	a.engine = cache.NewEngine(a.index, embedder, bypass, a.log)

	if a.analytics != nil {
		a.events = telemetry.NewPipeline(a.baseCtx, a.analytics, a.log)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the auth gate, key router, pricing catalog, and the
// Gateway itself.
func (a *App) initGateway(_ context.Context) error {
	a.gate = auth.NewGate(a.st, a.rdb, a.log)
	a.rt = router.New(a.st, a.vault, a.provs, a.log)

	gw := proxy.NewGateway(a.baseCtx, a.gate, a.engine, a.rt,
		pricing.New(pricing.Seed()), a.st, a.index,
		proxy.GatewayOptions{
			Logger:             a.log,
			Metrics:            a.prom,
			Telemetry:          a.events,
			ReplayDelay:        a.cfg.Stream.ReplayDelay,
			Env:                a.cfg.Env,
			MaxInlineBodyBytes: a.cfg.Cache.MaxInlineBodyBytes,
			CronSecret:         a.cfg.CronSecret,
			AppBaseURL:         a.cfg.AppBaseURL,
		})

	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	if a.analytics != nil {
		gw.SetAnalytics(a.analytics)
	}

	probes := map[string]func() bool{}
	if a.rdb != nil {
		probes["redis"] = redisPinger(a.baseCtx, a.rdb)
	}
	if a.db != nil {
		db := a.db
		baseCtx := a.baseCtx
		probes["store"] = func() bool {
			ctx, cancel := context.WithTimeout(baseCtx, time.Second)
			defer cancel()
			return db.PingContext(ctx) == nil
		}
	}
	if a.analytics != nil {
		ch := a.analytics
		baseCtx := a.baseCtx
		probes["analytics"] = func() bool {
			ctx, cancel := context.WithTimeout(baseCtx, time.Second)
			defer cancel()
			return ch.Ping(ctx) == nil
		}
	}
	gw.SetReadinessProbes(probes)

	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	a.gw = gw

	return nil
}

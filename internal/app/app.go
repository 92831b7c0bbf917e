// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — store, vector index, Redis, ClickHouse connections
//  2. initProviders — LLM provider adapters
//  3. initServices  — vault, embedder, cache engine, telemetry, metrics
//  4. initGateway   — auth gate, key router, pricing, proxy + management routes
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/watchllm/gateway/internal/auth"
	"github.com/watchllm/gateway/internal/cache"
	"github.com/watchllm/gateway/internal/config"
	"github.com/watchllm/gateway/internal/metrics"
	"github.com/watchllm/gateway/internal/providers"
	"github.com/watchllm/gateway/internal/proxy"
	"github.com/watchllm/gateway/internal/router"
	"github.com/watchllm/gateway/internal/store"
	"github.com/watchllm/gateway/internal/telemetry"
	"github.com/watchllm/gateway/internal/vault"
	"github.com/watchllm/gateway/internal/vectorindex"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// External connections — nil when not configured.
	db        *sql.DB
	rdb       *redis.Client
	analytics *telemetry.ClickHouse

	st     store.Store
	index  vectorindex.Index
	vault  *vault.Vault
	engine *cache.Engine
	events *telemetry.Pipeline

	prom  *metrics.Registry
	provs map[string]providers.Provider

	gate *auth.Gate
	rt   *router.Router
	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Bool("limits_enforced", a.rdb != nil),
		slog.Bool("analytics", a.analytics != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Error("telemetry close error", slog.String("error", err.Error()))
		}
		a.events = nil
	}
	if a.analytics != nil {
		if err := a.analytics.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
		a.analytics = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe for the readiness endpoint.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

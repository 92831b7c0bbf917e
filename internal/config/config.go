// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The master encryption secret and a store backend are required in every
// deployment; Redis, ClickHouse, and the embedder are optional and the
// gateway degrades feature-by-feature without them (no limits enforcement,
// no analytics, exact-only caching respectively).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Env tags telemetry events: production, staging, or development.
	Env string

	// MasterSecret encrypts customer provider keys at rest. Required.
	MasterSecret string

	// CronSecret authenticates the scheduled-trigger endpoints. Required in
	// production so a stray request cannot fire the alert sweep.
	CronSecret string

	// AppBaseURL is used to construct absolute URLs (e.g. dashboard links in
	// deploy responses).
	AppBaseURL string

	// Store holds the relational + vector store settings.
	Store StoreConfig

	// Redis holds the connection URL for rate and quota counters.
	Redis RedisConfig

	// Analytics holds the ClickHouse connection for the telemetry sink.
	Analytics AnalyticsConfig

	// Embedding configures the semantic-cache embedder.
	Embedding EmbeddingConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// Stream controls SSE replay pacing.
	Stream StreamConfig

	// CORSOrigins is the list of allowed CORS origins.
	CORSOrigins []string

	// AllowedOutboundHosts restricts upstream calls in self-hosted mode.
	// Empty means unrestricted.
	AllowedOutboundHosts []string

	// PaymentMode selects the billing integration handled outside the core:
	// "stripe" or "whop".
	PaymentMode string

	// LicenseBlob is the enterprise self-host license. Optional.
	LicenseBlob string
}

// StoreConfig selects the control-plane store backend.
type StoreConfig struct {
	// Mode selects the backend:
	//   "postgres" — shared Postgres + pgvector database. Production.
	//   "memory"   — in-process store and index. Single instance only.
	// Default: "postgres" when DSN is set, else "memory".
	Mode string

	// DSN is the Postgres connection string. Required when Mode is postgres.
	DSN string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables limit enforcement.
	URL string
}

// AnalyticsConfig holds the ClickHouse sink settings.
type AnalyticsConfig struct {
	// Addr is host:port of the ClickHouse native interface.
	// Empty disables the telemetry sink.
	Addr     string
	Database string
	Username string
	Password string
}

// EmbeddingConfig configures the semantic-cache embedder.
type EmbeddingConfig struct {
	// Provider selects the backend: "openai" (default) or "gemini".
	// Empty APIKey disables semantic lookups entirely (exact-only cache).
	Provider string
	APIKey   string
	Model    string
	// Dimension must match the vector column width. Default: 1536.
	Dimension int
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// BypassExact lists model names that must never be cached.
	BypassExact []string

	// BypassPatterns lists Go regular expressions matched against model
	// names. Requests whose model matches any pattern skip the cache.
	BypassPatterns []string

	// MaxInlineBodyBytes caps the completion size stored inline.
	// Default: 64 KiB.
	MaxInlineBodyBytes int
}

// StreamConfig controls SSE replay pacing.
type StreamConfig struct {
	// ReplayDelay is the pause between synthetic chunks on a streaming cache
	// hit, so replayed hits look like live token streams. Default: 15ms.
	ReplayDelay time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("EMBEDDING_PROVIDER", "openai")
	v.SetDefault("EMBEDDING_DIMENSION", 1536)

	v.SetDefault("CACHE_MAX_INLINE_BODY_BYTES", 64*1024)
	v.SetDefault("STREAM_REPLAY_DELAY", "15ms")

	v.SetDefault("PAYMENT_MODE", "stripe")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Env:      strings.ToLower(v.GetString("ENV")),

		MasterSecret: v.GetString("MASTER_SECRET"),
		CronSecret:   v.GetString("CRON_SECRET"),
		AppBaseURL:   v.GetString("APP_BASE_URL"),

		Store: StoreConfig{
			Mode: strings.ToLower(v.GetString("STORE_MODE")),
			DSN:  v.GetString("DATABASE_URL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Analytics: AnalyticsConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Embedding: EmbeddingConfig{
			Provider:  strings.ToLower(v.GetString("EMBEDDING_PROVIDER")),
			APIKey:    v.GetString("EMBEDDING_API_KEY"),
			Model:     v.GetString("EMBEDDING_MODEL"),
			Dimension: v.GetInt("EMBEDDING_DIMENSION"),
		},

		Cache: CacheConfig{
			BypassExact:        v.GetStringSlice("CACHE_BYPASS_EXACT"),
			BypassPatterns:     v.GetStringSlice("CACHE_BYPASS_PATTERNS"),
			MaxInlineBodyBytes: v.GetInt("CACHE_MAX_INLINE_BODY_BYTES"),
		},

		Stream: StreamConfig{
			ReplayDelay: v.GetDuration("STREAM_REPLAY_DELAY"),
		},

		CORSOrigins:          v.GetStringSlice("CORS_ORIGINS"),
		AllowedOutboundHosts: v.GetStringSlice("ALLOWED_OUTBOUND_HOSTS"),
		PaymentMode:          strings.ToLower(v.GetString("PAYMENT_MODE")),
		LicenseBlob:          v.GetString("LICENSE_BLOB"),
	}

	// Store mode default depends on whether a DSN is present.
	if cfg.Store.Mode == "" {
		if cfg.Store.DSN != "" {
			cfg.Store.Mode = "postgres"
		} else {
			cfg.Store.Mode = "memory"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("config: MASTER_SECRET is required — provider keys cannot be decrypted without it")
	}

	switch c.Store.Mode {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE_MODE=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: postgres, memory", c.Store.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Env {
	case "production", "staging", "development":
	default:
		return fmt.Errorf("config: invalid ENV %q; must be one of: production, staging, development", c.Env)
	}

	if c.Env == "production" && c.CronSecret == "" {
		return fmt.Errorf("config: CRON_SECRET is required in production")
	}

	switch c.Embedding.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("config: invalid EMBEDDING_PROVIDER %q; must be openai or gemini", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIMENSION must be positive, got %d", c.Embedding.Dimension)
	}

	switch c.PaymentMode {
	case "stripe", "whop":
	default:
		return fmt.Errorf("config: invalid PAYMENT_MODE %q; must be stripe or whop", c.PaymentMode)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

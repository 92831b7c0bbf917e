package config

import (
	"strings"
	"testing"
)

// setRequired sets the minimum environment for Load to succeed.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MASTER_SECRET", "test-master")
	t.Setenv("STORE_MODE", "memory")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Env != "development" {
		t.Errorf("Env = %q, want development", cfg.Env)
	}
	if cfg.Embedding.Provider != "openai" || cfg.Embedding.Dimension != 1536 {
		t.Errorf("Embedding defaults wrong: %+v", cfg.Embedding)
	}
	if cfg.Cache.MaxInlineBodyBytes != 64*1024 {
		t.Errorf("MaxInlineBodyBytes = %d, want 65536", cfg.Cache.MaxInlineBodyBytes)
	}
}

func TestLoadRequiresMasterSecret(t *testing.T) {
	t.Setenv("MASTER_SECRET", "")
	t.Setenv("STORE_MODE", "memory")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "MASTER_SECRET") {
		t.Fatalf("expected MASTER_SECRET error, got %v", err)
	}
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	t.Setenv("MASTER_SECRET", "m")
	t.Setenv("STORE_MODE", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestLoadStoreModeDefaultsFromDSN(t *testing.T) {
	t.Setenv("MASTER_SECRET", "m")
	t.Setenv("STORE_MODE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/watchllm")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Mode != "postgres" {
		t.Fatalf("Store.Mode = %q, want postgres when DSN is set", cfg.Store.Mode)
	}
}

func TestLoadProductionRequiresCronSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("CRON_SECRET", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "CRON_SECRET") {
		t.Fatalf("expected CRON_SECRET error, got %v", err)
	}
}

func TestLoadRejectsBadEnums(t *testing.T) {
	cases := []struct {
		key, val string
	}{
		{"LOG_LEVEL", "verbose"},
		{"ENV", "prod"},
		{"EMBEDDING_PROVIDER", "cohere"},
		{"PAYMENT_MODE", "paypal"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected validation error for %s=%s", tc.key, tc.val)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "data/ojtrack.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Scraper.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Scraper.MaxAttempts)
	}
	if cfg.Sync.FailureThreshold != 10 {
		t.Errorf("FailureThreshold = %d, want 10", cfg.Sync.FailureThreshold)
	}
	if cfg.AI.MonthlyBudget != 5.0 {
		t.Errorf("MonthlyBudget = %v, want 5.0", cfg.AI.MonthlyBudget)
	}
}

func TestMinInterval(t *testing.T) {
	path := writeConfig(t, `
scraper:
  rate_limit: 1.5
  platform_limit:
    luogu: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		platform string
		want     time.Duration
	}{
		{"luogu", 3 * time.Second},
		{"bbcoj", 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			if got := cfg.Scraper.MinInterval(tt.platform); got != tt.want {
				t.Errorf("MinInterval(%q) = %v, want %v", tt.platform, got, tt.want)
			}
		})
	}
}

func TestEnvOverridesProviderKey(t *testing.T) {
	t.Setenv("ZHIPU_API_KEY", "from-env")
	t.Setenv("OJTRACK_JWT_SECRET", "env-secret")
	path := writeConfig(t, `
auth:
  jwt:
    secret: file-secret
ai:
  providers:
    zhipu:
      api_key: from-file
      base_url: https://example.invalid
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.AI.Providers["zhipu"]; got.APIKey != "from-env" || got.BaseURL != "https://example.invalid" {
		t.Errorf("zhipu provider = %+v", got)
	}
	if cfg.Auth.JWT.Secret != "env-secret" {
		t.Errorf("JWT secret = %q", cfg.Auth.JWT.Secret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

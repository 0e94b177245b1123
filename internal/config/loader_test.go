package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	def := Defaults()
	if cfg.Server.Port != def.Server.Port {
		t.Fatalf("Port = %q, want default %q", cfg.Server.Port, def.Server.Port)
	}
	if cfg.Dispatcher.PollInterval != 5*time.Second {
		t.Fatalf("PollInterval = %v, want 5s", cfg.Dispatcher.PollInterval)
	}
	if cfg.Dispatcher.MaxAttempts != 10 {
		t.Fatalf("MaxAttempts = %d, want 10", cfg.Dispatcher.MaxAttempts)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.yaml")
	yaml := `
server:
  port: "9090"
dispatcher:
  poll_interval: 2s
  batch_limit: 25
telegram:
  token: yaml-token
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("Port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Dispatcher.PollInterval != 2*time.Second {
		t.Fatalf("PollInterval = %v, want 2s", cfg.Dispatcher.PollInterval)
	}
	if cfg.Dispatcher.BatchLimit != 25 {
		t.Fatalf("BatchLimit = %d, want 25", cfg.Dispatcher.BatchLimit)
	}
	if cfg.Telegram.Token != "yaml-token" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	// Untouched sections keep their defaults.
	if cfg.Postgres.MaxConns != 10 {
		t.Fatalf("MaxConns = %d, want default 10", cfg.Postgres.MaxConns)
	}
}

func TestLoadFromEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.yaml")
	if err := os.WriteFile(path, []byte("telegram:\n  token: yaml-token\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("TASKRELAY_POLL_INTERVAL", "500ms")
	t.Setenv("TASKRELAY_RETRY_MAX_ATTEMPTS", "4")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("Token = %q, want env-token", cfg.Telegram.Token)
	}
	if cfg.Dispatcher.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval = %v, want 500ms", cfg.Dispatcher.PollInterval)
	}
	if cfg.Dispatcher.MaxAttempts != 4 {
		t.Fatalf("MaxAttempts = %d, want 4", cfg.Dispatcher.MaxAttempts)
	}
}

func TestLoadFromInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.yaml")
	if err := os.WriteFile(path, []byte("server: [broken"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"zero batch limit", func(c *Config) { c.Dispatcher.BatchLimit = 0 }},
		{"zero max attempts", func(c *Config) { c.Dispatcher.MaxAttempts = 0 }},
		{"max delay below base", func(c *Config) { c.Dispatcher.MaxDelay = time.Millisecond }},
		{"zero breaker failures", func(c *Config) { c.Breaker.MaxFailures = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Defaults()
			c.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "taskrelay.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TASKRELAY_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TASKRELAY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TASKRELAY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TASKRELAY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TASKRELAY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TASKRELAY_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	setString(&cfg.Telegram.APIURL, "TELEGRAM_API_URL")
	setDuration(&cfg.Telegram.SendTimeout, "TASKRELAY_TG_SEND_TIMEOUT")
	setString(&cfg.Logging.Level, "TASKRELAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TASKRELAY_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "TASKRELAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TASKRELAY_BREAKER_TIMEOUT")
	setDuration(&cfg.Dispatcher.PollInterval, "TASKRELAY_POLL_INTERVAL")
	setInt(&cfg.Dispatcher.BatchLimit, "TASKRELAY_BATCH_LIMIT")
	setDuration(&cfg.Dispatcher.ClaimTTL, "TASKRELAY_CLAIM_TTL")
	setDuration(&cfg.Dispatcher.BaseDelay, "TASKRELAY_RETRY_BASE_DELAY")
	setDuration(&cfg.Dispatcher.MaxDelay, "TASKRELAY_RETRY_MAX_DELAY")
	setInt(&cfg.Dispatcher.MaxAttempts, "TASKRELAY_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Dispatcher.RetryWindow, "TASKRELAY_RETRY_WINDOW")
	setInt64(&cfg.Cache.MaxSizeMB, "TASKRELAY_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.RecipientTTL, "TASKRELAY_CACHE_RECIPIENT_TTL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Dispatcher.BatchLimit < 1 {
		return errors.New("dispatcher.batch_limit must be >= 1")
	}
	if cfg.Dispatcher.MaxAttempts < 1 {
		return errors.New("dispatcher.max_attempts must be >= 1")
	}
	if cfg.Dispatcher.BaseDelay <= 0 || cfg.Dispatcher.MaxDelay < cfg.Dispatcher.BaseDelay {
		return errors.New("dispatcher retry delays are inconsistent")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

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
const DefaultConfigFile = "makeitrain.yaml"

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
	setString(&cfg.Server.Port, "MAKEITRAIN_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MAKEITRAIN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MAKEITRAIN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MAKEITRAIN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MAKEITRAIN_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MAKEITRAIN_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SessionBucket, "MAKEITRAIN_SESSION_BUCKET")
	setString(&cfg.Logging.Level, "MAKEITRAIN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MAKEITRAIN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MAKEITRAIN_LOG_ASYNC")
	setFloat64(&cfg.Rate.RequestsPerSecond, "MAKEITRAIN_RATE_RPS")
	setInt(&cfg.Rate.Burst, "MAKEITRAIN_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "MAKEITRAIN_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "MAKEITRAIN_RATE_MAX_IDLE_TIME")
	setInt(&cfg.Breaker.MaxFailures, "MAKEITRAIN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MAKEITRAIN_BREAKER_TIMEOUT")

	// Resource pools
	setInt(&cfg.Accounts.FailureThreshold, "MAKEITRAIN_ACCOUNT_FAILURE_THRESHOLD")
	setDuration(&cfg.Accounts.FailureWindow, "MAKEITRAIN_ACCOUNT_FAILURE_WINDOW")
	setDuration(&cfg.Accounts.CooldownBase, "MAKEITRAIN_ACCOUNT_COOLDOWN_BASE")
	setDuration(&cfg.Accounts.CooldownCap, "MAKEITRAIN_ACCOUNT_COOLDOWN_CAP")
	setInt(&cfg.Proxies.FailureThreshold, "MAKEITRAIN_PROXY_FAILURE_THRESHOLD")
	setDuration(&cfg.Proxies.FailureWindow, "MAKEITRAIN_PROXY_FAILURE_WINDOW")
	setDuration(&cfg.Proxies.CooldownBase, "MAKEITRAIN_PROXY_COOLDOWN_BASE")
	setDuration(&cfg.Proxies.CooldownCap, "MAKEITRAIN_PROXY_COOLDOWN_CAP")

	// Scheduler
	setInt(&cfg.Scheduler.MaxConcurrent, "MAKEITRAIN_MAX_CONCURRENT")
	setInt(&cfg.Scheduler.MaxAttempts, "MAKEITRAIN_MAX_ATTEMPTS")
	setDuration(&cfg.Scheduler.RequeueBackoffBase, "MAKEITRAIN_REQUEUE_BACKOFF_BASE")
	setDuration(&cfg.Scheduler.RequeueBackoffCap, "MAKEITRAIN_REQUEUE_BACKOFF_CAP")
	setDuration(&cfg.Scheduler.AcquireBackoff, "MAKEITRAIN_ACQUIRE_BACKOFF")
	setDuration(&cfg.Scheduler.PollInterval, "MAKEITRAIN_POLL_INTERVAL")

	// Monitor mode
	setDuration(&cfg.Monitor.PollInterval, "MAKEITRAIN_MONITOR_POLL_INTERVAL")
	setDuration(&cfg.Monitor.Jitter, "MAKEITRAIN_MONITOR_JITTER")
	setDuration(&cfg.Monitor.MaxDuration, "MAKEITRAIN_MONITOR_MAX_DURATION")
	setDuration(&cfg.Monitor.StockTTL, "MAKEITRAIN_MONITOR_STOCK_TTL")

	// Stage timeouts
	setDuration(&cfg.Stage.LoginTimeout, "MAKEITRAIN_STAGE_LOGIN_TIMEOUT")
	setDuration(&cfg.Stage.StockTimeout, "MAKEITRAIN_STAGE_STOCK_TIMEOUT")
	setDuration(&cfg.Stage.CartTimeout, "MAKEITRAIN_STAGE_CART_TIMEOUT")
	setDuration(&cfg.Stage.CheckoutTimeout, "MAKEITRAIN_STAGE_CHECKOUT_TIMEOUT")

	// Browser
	setString(&cfg.Browser.Endpoint, "MAKEITRAIN_BROWSER_ENDPOINT")
	setDuration(&cfg.Browser.DialTimeout, "MAKEITRAIN_BROWSER_DIAL_TIMEOUT")
	setDuration(&cfg.Browser.MinDelay, "MAKEITRAIN_BROWSER_MIN_DELAY")
	setDuration(&cfg.Browser.MaxDelay, "MAKEITRAIN_BROWSER_MAX_DELAY")

	// Cache
	setInt64(&cfg.Cache.MaxSizeMB, "MAKEITRAIN_CACHE_SIZE_MB")

	// Notify
	setBool(&cfg.Notify.Verbose, "MAKEITRAIN_NOTIFY_VERBOSE")

	setString(&cfg.Secret, "MAKEITRAIN_SECRET")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		return errors.New("scheduler.max_concurrent must be >= 1")
	}
	if cfg.Scheduler.MaxAttempts < 1 {
		return errors.New("scheduler.max_attempts must be >= 1")
	}
	if cfg.Accounts.FailureThreshold < 1 || cfg.Proxies.FailureThreshold < 1 {
		return errors.New("pool failure_threshold must be >= 1")
	}
	if cfg.Monitor.PollInterval <= 0 {
		return errors.New("monitor.poll_interval must be > 0")
	}
	if cfg.Browser.MaxDelay < cfg.Browser.MinDelay {
		return errors.New("browser.max_delay must be >= browser.min_delay")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
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

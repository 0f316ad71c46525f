// Package config loads the orchestrator configuration from the environment.
// Variables use the ORCHESTRATOR_ prefix with "__" as the section separator,
// e.g. ORCHESTRATOR_DATABASE__HOST. A local .env file is picked up
// automatically.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
)

type Config struct {
	Primary      Primary            `koanf:"primary"`
	Database     DatabaseConfig     `koanf:"database"`
	Provider     ProviderConfig     `koanf:"provider"`
	Locks        LockConfig         `koanf:"locks"`
	Idempotency  IdempotencyConfig  `koanf:"idempotency"`
	Retry        RetryConfig        `koanf:"retry"`
	Recovery     RecoveryConfig     `koanf:"recovery"`
	Compensation CompensationConfig `koanf:"compensation"`
	Janitor      JanitorConfig      `koanf:"janitor"`
	Logger       LoggerConfig       `koanf:"logger"`
}

type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

type DatabaseConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"required"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password" validate:"required"`
	Name            string        `koanf:"name" validate:"required"`
	SSLMode         string        `koanf:"ssl_mode" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"required"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"required"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"required"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"required"`
}

type ProviderConfig struct {
	// Mode selects the adapter: "simulator" is the only built-in one.
	Mode            string        `koanf:"mode"`
	WebhookSecret   string        `koanf:"webhook_secret"`
	MaxRetries      int           `koanf:"max_retries"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

type LockConfig struct {
	Expiration         time.Duration `koanf:"expiration"`
	RenewalInterval    time.Duration `koanf:"renewal_interval"`
	CleanupInterval    time.Duration `koanf:"cleanup_interval"`
	DefaultWaitTimeout time.Duration `koanf:"default_wait_timeout"`
}

type IdempotencyConfig struct {
	LockTTL             time.Duration `koanf:"lock_ttl"`
	RecordExpiration    time.Duration `koanf:"record_expiration"`
	StaleRequestTimeout time.Duration `koanf:"stale_request_timeout"`
	SweepInterval       time.Duration `koanf:"sweep_interval"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	Backoff      string        `koanf:"backoff"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	JitterFactor float64       `koanf:"jitter_factor"`
}

type RecoveryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	TimeoutProbeDelay time.Duration `koanf:"timeout_probe_delay"`
	TimeoutMaxWait    time.Duration `koanf:"timeout_max_wait"`
}

type CompensationConfig struct {
	DefaultMaxRetries int           `koanf:"default_max_retries"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
}

type JanitorConfig struct {
	SweepSpec string        `koanf:"sweep_spec"`
	StuckSpec string        `koanf:"stuck_spec"`
	StatsSpec string        `koanf:"stats_spec"`
	StuckAge  time.Duration `koanf:"stuck_age"`
}

type LoggerConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NewLogger builds the process logger from the config.
func (c LoggerConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// defaults are overlaid by the environment; database settings carry no
// defaults and must come from the environment.
func defaults() map[string]any {
	return map[string]any{
		"primary.env": "development",

		"provider.mode":             "simulator",
		"provider.max_retries":      2,
		"provider.initial_interval": "200ms",
		"provider.max_interval":     "2s",

		"locks.expiration":           "30s",
		"locks.renewal_interval":     "10s",
		"locks.cleanup_interval":     "60s",
		"locks.default_wait_timeout": "5s",

		"idempotency.lock_ttl":              "5m",
		"idempotency.record_expiration":     "24h",
		"idempotency.stale_request_timeout": "1h",
		"idempotency.sweep_interval":        "1h",

		"retry.max_attempts":  3,
		"retry.backoff":       "exponential",
		"retry.initial_delay": "1s",
		"retry.max_delay":     "60s",
		"retry.jitter_factor": 0.1,

		"recovery.max_attempts":        3,
		"recovery.timeout_probe_delay": "3s",
		"recovery.timeout_max_wait":    "60s",

		"compensation.default_max_retries": 3,
		"compensation.initial_backoff":     "100ms",
		"compensation.max_backoff":         "5s",

		"janitor.sweep_spec": "@every 1h",
		"janitor.stuck_spec": "@every 5m",
		"janitor.stats_spec": "@every 1m",
		"janitor.stuck_age":  "15m",

		"logger.level":  "info",
		"logger.format": "json",
	}
}

func LoadConfig() (*Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		logger.Error("failed to load defaults", "error", err)
		return nil, err
	}

	err := k.Load(env.Provider("ORCHESTRATOR_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "ORCHESTRATOR_")),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		logger.Error("failed to load environment variables", "error", err)
		return nil, err
	}

	mainConfig := &Config{}
	if err := k.Unmarshal("", mainConfig); err != nil {
		logger.Error("could not unmarshal main config", "error", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(mainConfig); err != nil {
		logger.Error("config validation failed", "error", err)
		return nil, err
	}

	return mainConfig, nil
}

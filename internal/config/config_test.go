package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/config"
)

func setDatabaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ORCHESTRATOR_DATABASE__HOST", "localhost")
	t.Setenv("ORCHESTRATOR_DATABASE__PORT", "5432")
	t.Setenv("ORCHESTRATOR_DATABASE__USER", "orchestrator")
	t.Setenv("ORCHESTRATOR_DATABASE__PASSWORD", "secret")
	t.Setenv("ORCHESTRATOR_DATABASE__NAME", "orchestrator")
	t.Setenv("ORCHESTRATOR_DATABASE__SSL_MODE", "disable")
	t.Setenv("ORCHESTRATOR_DATABASE__MAX_OPEN_CONNS", "10")
	t.Setenv("ORCHESTRATOR_DATABASE__MAX_IDLE_CONNS", "5")
	t.Setenv("ORCHESTRATOR_DATABASE__CONN_MAX_LIFETIME", "30m")
	t.Setenv("ORCHESTRATOR_DATABASE__CONN_MAX_IDLE_TIME", "5m")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setDatabaseEnv(t)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Primary.Env)
	assert.Equal(t, "simulator", cfg.Provider.Mode)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Retry.Backoff)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Locks.Expiration)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.RecordExpiration)
	assert.Equal(t, "@every 5m", cfg.Janitor.StuckSpec)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	setDatabaseEnv(t)
	t.Setenv("ORCHESTRATOR_PRIMARY__ENV", "production")
	t.Setenv("ORCHESTRATOR_RETRY__MAX_ATTEMPTS", "5")
	t.Setenv("ORCHESTRATOR_RETRY__INITIAL_DELAY", "250ms")
	t.Setenv("ORCHESTRATOR_LOGGER__LEVEL", "debug")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Primary.Env)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "localhost", cfg.Database.Host)
}

func TestLoadConfig_MissingDatabaseFails(t *testing.T) {
	// Only part of the required database section is present.
	t.Setenv("ORCHESTRATOR_DATABASE__HOST", "localhost")

	_, err := config.LoadConfig()
	assert.Error(t, err)
}

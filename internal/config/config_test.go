package config

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := LoadConfig()
	assert.EqualError(t, err, "DATABASE_URL is required")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pqbus")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, 30*time.Second, cfg.ClaimTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10, cfg.DBMaxConns)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pqbus")
	t.Setenv("PORT", "9090")
	t.Setenv("NAMESPACE", "app")
	t.Setenv("CLAIM_TIMEOUT", "90")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "app", cfg.Namespace)
	assert.Equal(t, 90*time.Second, cfg.ClaimTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.Logger().Enabled(context.Background(), slog.LevelDebug))
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pqbus")

	t.Run("Port", func(t *testing.T) {
		t.Setenv("PORT", "70000")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("LogLevel", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "loud")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("MaxConns", func(t *testing.T) {
		t.Setenv("DB_MAX_CONNS", "0")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

package config

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"AMQP_URL":       "amqp://u:p@rabbit:5672/vh",
		"RPC_TIMEOUT":    "2500",
		"PREFETCH_COUNT": "4",
		"STORE":          "Postgres",
		"DB_HOST":        "db",
		"DB_PORT":        "5433",
		"DB_USER":        "app",
		"DB_PASS":        "s3cret",
		"DB_NAME":        "users",
		"LOG_LEVEL":      "debug",
		"LOG_FORMAT":     "JSON",
	}))
	require.NoError(t, err)

	assert.Equal(t, "amqp://u:p@rabbit:5672/vh", cfg.AMQPURL)
	assert.Equal(t, 2500*time.Millisecond, cfg.RPCTimeout)
	assert.Equal(t, 4, cfg.Prefetch)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres://app:s3cret@db:5433/users?sslmode=disable", cfg.Database.URL())
}

func TestLoadDurationTimeout(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"RPC_TIMEOUT": "3s"}))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.RPCTimeout)
}

func TestLoadReportsBadValues(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{
		"PREFETCH_COUNT": "many",
		"RPC_TIMEOUT":    "soon",
		"LOG_LEVEL":      "loud",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREFETCH_COUNT")
	assert.Contains(t, err.Error(), "RPC_TIMEOUT")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoadUsesProcessEnvironment(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://env:5672/")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "amqp://env:5672/", cfg.AMQPURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty url", func(c *Config) { c.AMQPURL = "" }, "AMQP_URL is required"},
		{"http url", func(c *Config) { c.AMQPURL = "http://localhost" }, "amqp://"},
		{"zero timeout", func(c *Config) { c.RPCTimeout = 0 }, "RPC_TIMEOUT"},
		{"zero prefetch", func(c *Config) { c.Prefetch = 0 }, "PREFETCH_COUNT"},
		{"unknown store", func(c *Config) { c.Store = "redis" }, "STORE"},
		{"postgres without credentials", func(c *Config) { c.Store = StorePostgres }, "DB_USER"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = slog.LevelWarn
	logger := cfg.NewLogger()
	assert.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

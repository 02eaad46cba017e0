package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TASKHUB_CONFIG_FILE", "testdata/nonexistent.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, ":8080", cfg.API.ListenAddress)
	assert.Equal(t, 100, cfg.Auth.RateLimitPerMinute)
	assert.Equal(t, 20, cfg.Auth.RateLimitBurst)
	assert.Equal(t, 1000, cfg.Auth.RateLimitPerHour)
	assert.Equal(t, 300, cfg.Auth.TokenCacheTTLSeconds)
	assert.True(t, cfg.Auth.Required)
	assert.False(t, cfg.Auth.DefaultUserIDAllowed)
	assert.Equal(t, 1, cfg.ContextCache.TTLHours)
	assert.Equal(t, 500, cfg.ContextCache.PressureThreshold)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKHUB_CONFIG_FILE", "testdata/nonexistent.yaml")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "50")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("CONTEXT_CACHE_TTL_HOURS", "2")
	t.Setenv("TOKEN_CACHE_TTL_SECONDS", "60")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Auth.RateLimitPerMinute)
	assert.Equal(t, 10, cfg.Auth.RateLimitBurst)
	assert.Equal(t, 2, cfg.ContextCache.TTLHours)
	assert.Equal(t, 60*time.Second, cfg.Auth.TokenCacheTTL())
	assert.Equal(t, 2*time.Hour, cfg.ContextCache.TTL())
}

func TestLoad_ProductionRequiresAuth(t *testing.T) {
	t.Setenv("TASKHUB_CONFIG_FILE", "testdata/nonexistent.yaml")
	t.Setenv("TASKHUB_ENVIRONMENT", "production")
	t.Setenv("AUTH_REQUIRED", "false")

	_, err := Load()
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TH_TEST_HOST", "db.internal")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain value", "localhost", "localhost"},
		{"set variable", "${TH_TEST_HOST}", "db.internal"},
		{"unset with default", "${TH_TEST_UNSET:-fallback}", "fallback"},
		{"set ignores default", "${TH_TEST_HOST:-fallback}", "db.internal"},
		{"embedded", "host=${TH_TEST_HOST} port=5432", "host=db.internal port=5432"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.input))
		})
	}
}

func TestDatabaseConfig_BuildDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "localhost", Port: 5432, Username: "taskhub",
		Password: "secret", Database: "taskhub", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=taskhub password=secret dbname=taskhub sslmode=disable",
		cfg.BuildDSN())

	cfg.DSN = "postgres://u:p@h/db"
	assert.Equal(t, "postgres://u:p@h/db", cfg.BuildDSN())
}

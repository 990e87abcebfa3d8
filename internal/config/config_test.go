package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONFIG_FILE", "PORT", "DB_DRIVER", "POSTGRES_DSN", "SQLITE_PATH", "MAX_BODY_BYTES",
	"RATE_LIMIT_PER_HOUR", "RATE_LIMIT_WINDOW_SECONDS", "BATCH_MAX_SIZE", "CLOCK_SKEW_SECONDS",
	"API_KEY_PREFIX", "API_KEY_CACHE_TTL_SECONDS", "API_KEY_CACHE_SIZE", "LOG_LEVEL",
	"LOG_FORMAT", "SHUTDOWN_TIMEOUT_SECONDS",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.EqualValues(t, 1000, cfg.RateLimit)
	assert.Equal(t, time.Hour, cfg.RateLimitWindow)
	assert.Equal(t, "klyne_", cfg.APIKeyPrefix)
	assert.Zero(t, cfg.APIKeyCacheTTL, "revoked keys must stop authorizing immediately by default")
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("RATE_LIMIT_PER_HOUR", "50")
	t.Setenv("CLOCK_SKEW_SECONDS", "0")
	t.Setenv("API_KEY_CACHE_TTL_SECONDS", "5")
	t.Setenv("BATCH_MAX_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)
	assert.EqualValues(t, 50, cfg.RateLimit)
	assert.Zero(t, cfg.ClockSkew)
	assert.Equal(t, 5*time.Second, cfg.APIKeyCacheTTL)
	assert.Equal(t, 100, cfg.BatchMaxSize)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
db_driver: sqlite
sqlite_path: from-file.db
rate_limit_per_hour: 10
api_key_cache_ttl: 1m
log_format: console
`), 0o600))
	clearEnv(t)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7001", cfg.Port)
	assert.Equal(t, "from-file.db", cfg.SQLitePath)
	assert.EqualValues(t, 10, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.APIKeyCacheTTL)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, time.Hour, cfg.RateLimitWindow)
}

func TestLoad_BadFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [oops"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"no dsn", func(c *Config) { c.PostgresDSN = "" }},
		{"zero limit", func(c *Config) { c.RateLimit = 0 }},
		{"fractional window", func(c *Config) { c.RateLimitWindow = 1500 * time.Millisecond }},
		{"batch too large", func(c *Config) { c.BatchMaxSize = 101 }},
		{"negative skew", func(c *Config) { c.ClockSkew = -time.Second }},
		{"no prefix", func(c *Config) { c.APIKeyPrefix = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

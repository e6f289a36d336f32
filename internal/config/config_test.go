package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, 256, cfg.Ingest.QueueSize)
	assert.Equal(t, 64, cfg.Realtime.ClientBuffer)
	assert.Equal(t, 10*time.Minute, cfg.Watchdog.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Watchdog.Retention)
	assert.Equal(t, 70.0, cfg.Watchdog.DiskThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TokenTTL)
	assert.Equal(t, "v19.0", cfg.Facebook.APIVersion)
	assert.False(t, cfg.DB.Enabled())
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("APP_ENV", "development")
	t.Setenv("FB_VERIFY_TOKEN", "verify-me")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("WATCHDOG_INTERVAL", "30s")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("INGEST_QUEUE_SIZE", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.App.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "verify-me", cfg.Facebook.VerifyToken)
	assert.True(t, cfg.DB.Enabled())
	assert.Equal(t, "root:@tcp(db.internal:3306)/sellbridge?parseTime=true", cfg.DB.GetDSN())
	assert.Equal(t, 30*time.Second, cfg.Watchdog.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Realtime.AllowedOrigins)
	assert.Equal(t, 256, cfg.Ingest.QueueSize, "empty env keeps the default")
}

func TestLoadConfig_TOMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[app]
port = 7000

[facebook]
verify_token = "from-file"
rate_per_second = 5.0

[redis]
addr = "localhost:6379"
token_ttl = "1h"
`), 0o600))
	t.Setenv("FB_VERIFY_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.App.Port)
	assert.Equal(t, "from-env", cfg.Facebook.VerifyToken)
	assert.Equal(t, 5.0, cfg.Facebook.RatePerSecond)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, time.Hour, cfg.Redis.TokenTTL)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("FB_VERIFY_TOKEN", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FB_VERIFY_TOKEN")

	cfg.Facebook.VerifyToken = "x"
	assert.NoError(t, cfg.Validate())

	cfg.App.Port = 70000
	cfg.Watchdog.DiskThreshold = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid app port")
	assert.Contains(t, err.Error(), "disk threshold")

	cfg.App.Port = 8080
	cfg.Watchdog.Enabled = false
	assert.NoError(t, cfg.Validate())
}

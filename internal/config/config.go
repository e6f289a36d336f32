// Package config loads configuration from defaults, an optional TOML file and
// environment variables, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DBConfig holds database connection parameters. An empty Host disables MariaDB.
type DBConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string        `koanf:"addr"` // Format: host:port
	Password string        `koanf:"password"`
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Port     int    `koanf:"port"`
	Env      string `koanf:"env"`
	LogLevel string `koanf:"log_level"`
}

// FacebookConfig holds webhook and Graph API configuration
type FacebookConfig struct {
	VerifyToken   string  `koanf:"verify_token"` // For webhook verification handshake
	GraphURL      string  `koanf:"graph_url"`
	APIVersion    string  `koanf:"api_version"`
	RatePerSecond float64 `koanf:"rate_per_second"`
}

// AuthConfig holds REST authentication settings.
// An empty JWTSecret leaves the REST API unmounted.
type AuthConfig struct {
	JWTSecret     string `koanf:"jwt_secret"`
	EncryptionKey string `koanf:"encryption_key"` // key of stored user Facebook tokens
}

// RealtimeConfig holds websocket settings
type RealtimeConfig struct {
	ClientBuffer   int      `koanf:"client_buffer"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// IngestConfig holds webhook queue settings
type IngestConfig struct {
	QueueSize int `koanf:"queue_size"`
}

// WatchdogConfig holds audit log auto-purge settings
type WatchdogConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Interval      time.Duration `koanf:"interval"`
	Retention     time.Duration `koanf:"retention"`
	DiskThreshold float64       `koanf:"disk_threshold"`
	BatchSize     int           `koanf:"batch_size"`
	Path          string        `koanf:"path"`
}

// Config aggregates all configuration sections
type Config struct {
	App      AppConfig      `koanf:"app"`
	DB       DBConfig       `koanf:"db"`
	Redis    RedisConfig    `koanf:"redis"`
	Facebook FacebookConfig `koanf:"facebook"`
	Auth     AuthConfig     `koanf:"auth"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Watchdog WatchdogConfig `koanf:"watchdog"`
}

var defaults = map[string]interface{}{
	"app.port":                 8080,
	"app.env":                  "production",
	"app.log_level":            "info",
	"db.port":                  3306,
	"db.user":                  "root",
	"db.database":              "sellbridge",
	"redis.token_ttl":          "24h",
	"facebook.graph_url":       "https://graph.facebook.com",
	"facebook.api_version":     "v19.0",
	"facebook.rate_per_second": 20.0,
	"realtime.client_buffer":   64,
	"ingest.queue_size":        256,
	"watchdog.enabled":         true,
	"watchdog.interval":        "10m",
	"watchdog.retention":       "72h",
	"watchdog.disk_threshold":  70.0,
	"watchdog.batch_size":      1000,
	"watchdog.path":            "/",
}

// envKeys maps environment variables onto config keys
var envKeys = map[string]string{
	"APP_PORT":                "app.port",
	"APP_ENV":                 "app.env",
	"LOG_LEVEL":               "app.log_level",
	"DB_HOST":                 "db.host",
	"DB_PORT":                 "db.port",
	"DB_USER":                 "db.user",
	"DB_PASS":                 "db.password",
	"DB_NAME":                 "db.database",
	"REDIS_ADDR":              "redis.addr",
	"REDIS_PASSWORD":          "redis.password",
	"REDIS_TOKEN_TTL":         "redis.token_ttl",
	"FB_VERIFY_TOKEN":         "facebook.verify_token",
	"FB_GRAPH_URL":            "facebook.graph_url",
	"FB_API_VERSION":          "facebook.api_version",
	"FB_RATE_PER_SECOND":      "facebook.rate_per_second",
	"JWT_SECRET":              "auth.jwt_secret",
	"ENCRYPTION_KEY":          "auth.encryption_key",
	"WS_CLIENT_BUFFER":        "realtime.client_buffer",
	"WS_ALLOWED_ORIGINS":      "realtime.allowed_origins",
	"INGEST_QUEUE_SIZE":       "ingest.queue_size",
	"WATCHDOG_ENABLED":        "watchdog.enabled",
	"WATCHDOG_INTERVAL":       "watchdog.interval",
	"WATCHDOG_RETENTION":      "watchdog.retention",
	"WATCHDOG_DISK_THRESHOLD": "watchdog.disk_threshold",
	"WATCHDOG_BATCH_SIZE":     "watchdog.batch_size",
	"WATCHDOG_PATH":           "watchdog.path",
}

// LoadConfig reads defaults, then configPath (if set), then the environment
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	err := k.Load(env.Provider("", ".", func(s string) string {
		if os.Getenv(s) == "" {
			return ""
		}
		return envKeys[s]
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.Realtime.AllowedOrigins = splitList(cfg.Realtime.AllowedOrigins)

	return &cfg, nil
}

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	var errs []error
	if c.Facebook.VerifyToken == "" {
		errs = append(errs, errors.New("FB_VERIFY_TOKEN is required"))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid app port %d", c.App.Port))
	}
	if c.Watchdog.Enabled && (c.Watchdog.DiskThreshold <= 0 || c.Watchdog.DiskThreshold > 100) {
		errs = append(errs, fmt.Errorf("watchdog disk threshold must be in (0, 100], got %v", c.Watchdog.DiskThreshold))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether internal error details may be exposed
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.App.Env, "development")
}

// Enabled reports whether MariaDB is configured
func (c *DBConfig) Enabled() bool { return c.Host != "" }

// GetDSN returns MariaDB connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// Enabled reports whether Redis is configured
func (c *RedisConfig) Enabled() bool { return c.Addr != "" }

// splitList flattens comma separated entries and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

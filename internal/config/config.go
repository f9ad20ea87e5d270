// Package config defines the engine's configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by POLYAMM_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig tunes pricing, trade limits and forecast confidence.
// Decimal values may be written as TOML strings or numbers; strings keep
// every digit.
type EngineConfig struct {
	Scale                int             `toml:"scale"`
	MinimumReserve       decimal.Decimal `toml:"minimum_reserve"`
	MaxTradeUSD          decimal.Decimal `toml:"max_trade_usd"`
	LargeTradeUSD        decimal.Decimal `toml:"large_trade_usd"`
	LockTimeout          duration        `toml:"lock_timeout"`
	VolumeWindow         duration        `toml:"volume_window"`
	ConfidenceFloor      decimal.Decimal `toml:"confidence_floor"`
	ConfidenceDepthW     decimal.Decimal `toml:"confidence_depth_weight"`
	ConfidenceVolumeW    decimal.Decimal `toml:"confidence_volume_weight"`
	ConfidenceDepthHalf  decimal.Decimal `toml:"confidence_depth_half"`
	ConfidenceVolumeHalf decimal.Decimal `toml:"confidence_volume_half"`
}

// StorageConfig picks the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; with
// Enabled false the engine runs with in-process locks, bus and limiter.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	CacheTTL     duration `toml:"cache_ttl"`
	LockTTL      duration `toml:"lock_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PipelineConfig holds the background job settings.
type PipelineConfig struct {
	Enabled          bool     `toml:"enabled"`
	SweepInterval    duration `toml:"sweep_interval"`
	SweepBatch       int      `toml:"sweep_batch"`
	ArchiveAfterDays int      `toml:"archive_after_days"`
	ArchiveCron      string   `toml:"archive_cron"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	// IdempotencyTTL is how long a buy's Idempotency-Key is remembered.
	// Zero disables the check.
	IdempotencyTTL duration `toml:"idempotency_ttl"`
}

// AuthConfig holds API authentication settings. Requests carry either a
// HS256 bearer token whose subject is the actor, or the operator API key.
type AuthConfig struct {
	Enabled bool `toml:"enabled"`
	// JWTSecret signs bearer tokens; JWTSecretFile holds it sealed with
	// JWTSecretPassword instead.
	JWTSecret         string   `toml:"jwt_secret"`
	JWTSecretFile     string   `toml:"jwt_secret_file"`
	JWTSecretPassword string   `toml:"jwt_secret_password"`
	Issuer            string   `toml:"issuer"`
	APIKey            string   `toml:"api_key"`
	AdminSubjects     []string `toml:"admin_subjects"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Scale:                6,
			MinimumReserve:       decimal.RequireFromString("0.01"),
			MaxTradeUSD:          decimal.NewFromInt(100_000),
			LargeTradeUSD:        decimal.NewFromInt(10_000),
			LockTimeout:          duration{5 * time.Second},
			VolumeWindow:         duration{24 * time.Hour},
			ConfidenceFloor:      decimal.RequireFromString("0.05"),
			ConfidenceDepthW:     decimal.RequireFromString("0.25"),
			ConfidenceVolumeW:    decimal.RequireFromString("0.70"),
			ConfidenceDepthHalf:  decimal.NewFromInt(10_000),
			ConfidenceVolumeHalf: decimal.NewFromInt(50_000),
		},
		Storage: StorageConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "polyamm",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "amm",
			CacheTTL:     duration{10 * time.Minute},
			LockTTL:      duration{30 * time.Second},
			StreamMaxLen: 100_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyamm-archive",
			ForcePathStyle: true,
		},
		Pipeline: PipelineConfig{
			Enabled:          true,
			SweepInterval:    duration{30 * time.Second},
			SweepBatch:       100,
			ArchiveAfterDays: 30,
			ArchiveCron:      "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
			ShutdownTimeout: duration{10 * time.Second},
			IdempotencyTTL:  duration{10 * time.Minute},
		},
		Auth: AuthConfig{
			Enabled: true,
			Issuer:  "polyamm",
		},
		Notify: NotifyConfig{
			Events: []string{"market_created", "market_closed", "market_resolved", "large_trade"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"api":    true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// Validate checks the configuration and returns one error describing every
// problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: api, worker, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Engine. Params.Validate repeats the arithmetic checks; these give
	// config-shaped messages.
	e := c.Engine
	if e.Scale < 0 || e.Scale > 18 {
		add("engine: scale must be 0-18, got %d", e.Scale)
	}
	if !e.MinimumReserve.IsPositive() {
		add("engine: minimum_reserve must be > 0")
	}
	if !e.MaxTradeUSD.IsPositive() {
		add("engine: max_trade_usd must be > 0")
	}
	if e.LargeTradeUSD.IsNegative() {
		add("engine: large_trade_usd must be >= 0")
	}
	if e.LockTimeout.Duration <= 0 {
		add("engine: lock_timeout must be > 0")
	}
	if e.VolumeWindow.Duration <= 0 {
		add("engine: volume_window must be > 0")
	}
	if sum := e.ConfidenceFloor.Add(e.ConfidenceDepthW).Add(e.ConfidenceVolumeW); !sum.Equal(decimal.NewFromInt(1)) {
		add("engine: confidence_floor + confidence_depth_weight + confidence_volume_weight must equal 1, got %s", sum)
	}
	if !e.ConfidenceDepthHalf.IsPositive() || !e.ConfidenceVolumeHalf.IsPositive() {
		add("engine: confidence half-saturation points must be > 0")
	}

	if !validBackends[strings.ToLower(c.Storage.Backend)] {
		add("storage: unknown backend %q (valid: memory, postgres)", c.Storage.Backend)
	}
	if strings.EqualFold(c.Storage.Backend, "postgres") {
		p := c.Postgres
		if strings.TrimSpace(p.DSN) == "" {
			if p.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if p.Port <= 0 || p.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", p.Port)
			}
			if p.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if p.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}
	if strings.EqualFold(c.Storage.Backend, "memory") && strings.EqualFold(c.Mode, "worker") {
		add("storage: worker mode needs a shared backend; the memory store is private to one process")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration <= c.Engine.LockTimeout.Duration {
			add("redis: lock_ttl must exceed engine.lock_timeout")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	if c.Pipeline.Enabled {
		if c.Pipeline.SweepInterval.Duration <= 0 {
			add("pipeline: sweep_interval must be > 0")
		}
		if c.Pipeline.SweepBatch < 1 {
			add("pipeline: sweep_batch must be >= 1")
		}
		if c.S3.Enabled && c.Pipeline.ArchiveAfterDays < 0 {
			add("pipeline: archive_after_days must be >= 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.IdempotencyTTL.Duration < 0 {
			add("server: idempotency_ttl must be >= 0")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" && c.Auth.JWTSecretFile == "" && c.Auth.APIKey == "" {
			add("auth: set jwt_secret, jwt_secret_file or api_key, or disable auth")
		}
		if c.Auth.JWTSecretFile != "" && c.Auth.JWTSecretPassword == "" {
			add("auth: jwt_secret_password is required when jwt_secret_file is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

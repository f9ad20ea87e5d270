package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load decodes the TOML file at path over Defaults, loads .env if present
// and applies POLYAMM_* overrides. An empty path skips the file. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose POLYAMM_* variable is set.
// Malformed values are reported rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	env := envReader{}

	env.integer(&cfg.Engine.Scale, "POLYAMM_ENGINE_SCALE")
	env.dec(&cfg.Engine.MinimumReserve, "POLYAMM_ENGINE_MINIMUM_RESERVE")
	env.dec(&cfg.Engine.MaxTradeUSD, "POLYAMM_ENGINE_MAX_TRADE_USD")
	env.dec(&cfg.Engine.LargeTradeUSD, "POLYAMM_ENGINE_LARGE_TRADE_USD")
	env.dur(&cfg.Engine.LockTimeout, "POLYAMM_ENGINE_LOCK_TIMEOUT")
	env.dur(&cfg.Engine.VolumeWindow, "POLYAMM_ENGINE_VOLUME_WINDOW")

	env.str(&cfg.Storage.Backend, "POLYAMM_STORAGE_BACKEND")

	env.str(&cfg.Postgres.DSN, "DATABASE_URL")
	env.str(&cfg.Postgres.DSN, "POLYAMM_POSTGRES_DSN")
	env.str(&cfg.Postgres.Host, "POLYAMM_POSTGRES_HOST")
	env.integer(&cfg.Postgres.Port, "POLYAMM_POSTGRES_PORT")
	env.str(&cfg.Postgres.Database, "POLYAMM_POSTGRES_DATABASE")
	env.str(&cfg.Postgres.User, "POLYAMM_POSTGRES_USER")
	env.str(&cfg.Postgres.Password, "POLYAMM_POSTGRES_PASSWORD")
	env.str(&cfg.Postgres.SSLMode, "POLYAMM_POSTGRES_SSL_MODE")
	env.integer(&cfg.Postgres.PoolMaxConns, "POLYAMM_POSTGRES_POOL_MAX_CONNS")
	env.integer(&cfg.Postgres.PoolMinConns, "POLYAMM_POSTGRES_POOL_MIN_CONNS")
	env.boolean(&cfg.Postgres.RunMigrations, "POLYAMM_POSTGRES_RUN_MIGRATIONS")

	env.boolean(&cfg.Redis.Enabled, "POLYAMM_REDIS_ENABLED")
	env.str(&cfg.Redis.Addr, "POLYAMM_REDIS_ADDR")
	env.str(&cfg.Redis.Password, "POLYAMM_REDIS_PASSWORD")
	env.integer(&cfg.Redis.DB, "POLYAMM_REDIS_DB")
	env.integer(&cfg.Redis.PoolSize, "POLYAMM_REDIS_POOL_SIZE")
	env.boolean(&cfg.Redis.TLSEnabled, "POLYAMM_REDIS_TLS_ENABLED")
	env.str(&cfg.Redis.KeyPrefix, "POLYAMM_REDIS_KEY_PREFIX")

	env.boolean(&cfg.S3.Enabled, "POLYAMM_S3_ENABLED")
	env.str(&cfg.S3.Endpoint, "POLYAMM_S3_ENDPOINT")
	env.str(&cfg.S3.Region, "POLYAMM_S3_REGION")
	env.str(&cfg.S3.Bucket, "POLYAMM_S3_BUCKET")
	env.str(&cfg.S3.Prefix, "POLYAMM_S3_PREFIX")
	env.str(&cfg.S3.AccessKey, "POLYAMM_S3_ACCESS_KEY")
	env.str(&cfg.S3.SecretKey, "POLYAMM_S3_SECRET_KEY")
	env.boolean(&cfg.S3.UseSSL, "POLYAMM_S3_USE_SSL")
	env.boolean(&cfg.S3.ForcePathStyle, "POLYAMM_S3_FORCE_PATH_STYLE")

	env.boolean(&cfg.Pipeline.Enabled, "POLYAMM_PIPELINE_ENABLED")
	env.dur(&cfg.Pipeline.SweepInterval, "POLYAMM_PIPELINE_SWEEP_INTERVAL")
	env.integer(&cfg.Pipeline.ArchiveAfterDays, "POLYAMM_PIPELINE_ARCHIVE_AFTER_DAYS")
	env.str(&cfg.Pipeline.ArchiveCron, "POLYAMM_PIPELINE_ARCHIVE_CRON")

	env.boolean(&cfg.Server.Enabled, "POLYAMM_SERVER_ENABLED")
	env.integer(&cfg.Server.Port, "POLYAMM_SERVER_PORT")
	env.list(&cfg.Server.CORSOrigins, "POLYAMM_SERVER_CORS_ORIGINS")
	env.integer(&cfg.Server.RateLimit, "POLYAMM_SERVER_RATE_LIMIT")
	env.dur(&cfg.Server.IdempotencyTTL, "POLYAMM_SERVER_IDEMPOTENCY_TTL")

	env.boolean(&cfg.Auth.Enabled, "POLYAMM_AUTH_ENABLED")
	env.str(&cfg.Auth.JWTSecret, "POLYAMM_AUTH_JWT_SECRET")
	env.str(&cfg.Auth.JWTSecretFile, "POLYAMM_AUTH_JWT_SECRET_FILE")
	env.str(&cfg.Auth.JWTSecretPassword, "POLYAMM_AUTH_JWT_SECRET_PASSWORD")
	env.str(&cfg.Auth.APIKey, "POLYAMM_AUTH_API_KEY")
	env.list(&cfg.Auth.AdminSubjects, "POLYAMM_AUTH_ADMIN_SUBJECTS")

	env.str(&cfg.Notify.TelegramToken, "POLYAMM_NOTIFY_TELEGRAM_TOKEN")
	env.str(&cfg.Notify.TelegramChatID, "POLYAMM_NOTIFY_TELEGRAM_CHAT_ID")
	env.str(&cfg.Notify.DiscordWebhookURL, "POLYAMM_NOTIFY_DISCORD_WEBHOOK_URL")
	env.list(&cfg.Notify.Events, "POLYAMM_NOTIFY_EVENTS")

	env.str(&cfg.Mode, "POLYAMM_MODE")
	env.str(&cfg.LogLevel, "POLYAMM_LOG_LEVEL")

	return env.err()
}

// envReader applies typed overrides and collects parse failures.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) boolean(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) dur(dst *duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		dst.Duration = d
	}
}

func (e *envReader) dec(dst *decimal.Decimal, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) list(dst *[]string, key string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: environment overrides: %w", errors.Join(e.errs...))
}

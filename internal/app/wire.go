package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polyamm/internal/amm"
	s3blob "github.com/alanyoungcy/polyamm/internal/blob/s3"
	"github.com/alanyoungcy/polyamm/internal/cache/redis"
	"github.com/alanyoungcy/polyamm/internal/config"
	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/notify"
	"github.com/alanyoungcy/polyamm/internal/server/handler"
	"github.com/alanyoungcy/polyamm/internal/service"
	"github.com/alanyoungcy/polyamm/internal/store/memory"
	"github.com/alanyoungcy/polyamm/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	MarketStore domain.MarketStore
	TradeStore  domain.TradeStore
	AuditStore  domain.AuditStore

	// Caches and coordination. MarketCache and LockManager are nil without
	// Redis; the others fall back to in-process versions.
	MarketCache domain.MarketCache
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Archiver is nil unless S3 is enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// Checks are the dependency checks reported by /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Stores ---
	switch strings.ToLower(cfg.Storage.Backend) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	default:
		db := memory.NewDB()
		deps.MarketStore = memory.NewMarketStore(db)
		deps.TradeStore = memory.NewTradeStore(db)
		deps.AuditStore = memory.NewAuditStore(db)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.PriceCache = memory.NewPriceCache()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.SignalBus = memory.NewBus(int(cfg.Redis.StreamMaxLen))
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.MarketStore,
			deps.TradeStore,
			deps.AuditStore,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
		logger.InfoContext(ctx, "s3 archive enabled", slog.String("bucket", s3Client.Bucket()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	closers = append(closers, deps.Notifier.Wait)

	return deps, cleanup, nil
}

// EngineParams converts the engine section into amm.Params.
func EngineParams(e config.EngineConfig) amm.Params {
	return amm.Params{
		Scale:            int32(e.Scale),
		MinimumReserve:   e.MinimumReserve,
		MaxTradeNotional: e.MaxTradeUSD,
		Confidence: amm.ConfidenceParams{
			Floor:        e.ConfidenceFloor,
			DepthWeight:  e.ConfidenceDepthW,
			VolumeWeight: e.ConfidenceVolumeW,
			DepthHalf:    e.ConfidenceDepthHalf,
			VolumeHalf:   e.ConfidenceVolumeHalf,
		},
	}
}

// newMarketService builds the engine and the service around deps.
func newMarketService(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*service.MarketService, error) {
	engine, err := amm.New(EngineParams(cfg.Engine))
	if err != nil {
		return nil, err
	}
	return service.NewMarketService(service.Deps{
		Engine:   engine,
		Markets:  deps.MarketStore,
		Trades:   deps.TradeStore,
		Audit:    deps.AuditStore,
		Cache:    deps.MarketCache,
		Prices:   deps.PriceCache,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
		Locks:    service.NewMarketLocks(cfg.Engine.LockTimeout.Duration, deps.LockManager, cfg.Redis.LockTTL.Duration),
		Logger:   logger,
		Config: service.Config{
			LargeTradeUSD: cfg.Engine.LargeTradeUSD,
			VolumeWindow:  cfg.Engine.VolumeWindow.Duration,
		},
	}), nil
}

func newS3Client(ctx context.Context, cfg config.S3Config) (*s3blob.Client, error) {
	return s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.Endpoint,
		Region:         cfg.Region,
		Bucket:         cfg.Bucket,
		Prefix:         cfg.Prefix,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		UseSSL:         cfg.UseSSL,
		ForcePathStyle: cfg.ForcePathStyle,
	})
}

// OpenArchive returns a reader over the market archive for offline
// inspection. S3 must be enabled.
func OpenArchive(ctx context.Context, cfg config.S3Config) (domain.BlobReader, error) {
	if !cfg.Enabled {
		return nil, errors.New("app: s3 is not enabled")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: s3: %w", err)
	}
	return s3blob.NewReader(client), nil
}

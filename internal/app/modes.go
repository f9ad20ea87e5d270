package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyamm/internal/clock"
	"github.com/alanyoungcy/polyamm/internal/config"
	"github.com/alanyoungcy/polyamm/internal/crypto"
	"github.com/alanyoungcy/polyamm/internal/pipeline"
	"github.com/alanyoungcy/polyamm/internal/server"
	"github.com/alanyoungcy/polyamm/internal/server/handler"
	"github.com/alanyoungcy/polyamm/internal/server/middleware"
	"github.com/alanyoungcy/polyamm/internal/server/ws"
	"github.com/alanyoungcy/polyamm/internal/service"
)

// APIMode serves the HTTP API and the websocket hub.
func (a *App) APIMode(ctx context.Context, deps *Dependencies, svc *service.MarketService) error {
	a.logger.InfoContext(ctx, "starting api mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
		return err
	}
	return g.Wait()
}

// WorkerMode runs the expiry sweeper and, with S3 configured, the archive
// job. It serves no HTTP.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, svc *service.MarketService) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startPipeline(ctx, g, deps, svc); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode runs the API and the background jobs in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *service.MarketService) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
		return err
	}
	if err := a.startPipeline(ctx, g, deps, svc); err != nil {
		return err
	}
	return g.Wait()
}

// startHTTPServer registers the server, hub and shutdown goroutines on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.MarketService) error {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return nil
	}

	auth, err := newAuthenticator(a.cfg.Auth)
	if err != nil {
		return err
	}
	if auth == nil {
		a.logger.WarnContext(ctx, "authentication disabled; every caller acts as admin")
	}

	var dedup *handler.Dedup
	if ttl := a.cfg.Server.IdempotencyTTL.Duration; ttl > 0 {
		dedup = handler.NewDedup(ttl)
		g.Go(func() error {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					dedup.Cleanup()
				}
			}
		})
	}

	hub := ws.NewHub(deps.SignalBus, deps.PriceCache, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(svc, deps.Checks, a.logger),
		Markets: handler.NewMarketHandler(svc, a.logger),
		Trades:  handler.NewTradeHandler(svc, dedup, a.logger),
	}, server.Options{
		Auth:    auth,
		Limiter: deps.RateLimiter,
		Hub:     hub,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// newAuthenticator returns nil when auth is disabled.
func newAuthenticator(cfg config.AuthConfig) (*middleware.Authenticator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var secret []byte
	if cfg.JWTSecret != "" || cfg.JWTSecretFile != "" {
		var err error
		secret, err = crypto.LoadSecret(crypto.SecretConfig{
			Raw:        cfg.JWTSecret,
			SealedPath: cfg.JWTSecretFile,
			Password:   cfg.JWTSecretPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: jwt secret: %w", err)
		}
	}
	return middleware.NewAuthenticator(middleware.AuthConfig{
		Secret:        secret,
		Issuer:        cfg.Issuer,
		APIKey:        cfg.APIKey,
		AdminSubjects: cfg.AdminSubjects,
	}), nil
}

// IssueToken signs a bearer token with the configured secret.
func IssueToken(cfg config.AuthConfig, subject, role string, ttl time.Duration) (string, error) {
	cfg.Enabled = true
	auth, err := newAuthenticator(cfg)
	if err != nil {
		return "", err
	}
	return auth.Issue(subject, role, ttl)
}

// startPipeline registers the sweeper and archive job on g.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.MarketService) error {
	pc := a.cfg.Pipeline
	if !pc.Enabled {
		a.logger.InfoContext(ctx, "pipeline disabled")
		return nil
	}

	sweeper := pipeline.NewSweeper(svc, pc.SweepBatch, a.logger)

	var archive *pipeline.ArchiveJob
	if deps.Archiver != nil {
		if err := pipeline.ValidateCron(pc.ArchiveCron); err != nil {
			return fmt.Errorf("app: pipeline.archive_cron: %w", err)
		}
		archive = pipeline.NewArchiveJob(deps.Archiver, pc.ArchiveAfterDays, clock.Real(), a.logger)
	} else {
		a.logger.InfoContext(ctx, "archive job disabled (s3 not enabled)")
	}

	orch := pipeline.NewOrchestrator(sweeper, archive, pc.SweepInterval.Duration, pc.ArchiveCron, a.logger)
	g.Go(func() error {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pipeline: %w", err)
		}
		a.logger.Info("pipeline stopped", slog.String("reason", "context done"))
		return nil
	})
	return nil
}

// Package pipeline runs the engine's background jobs: the expiry sweeper
// and the cold-storage archiver.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs every configured background job until one fails or
// the context ends.
type Orchestrator struct {
	sweeper       *Sweeper
	archive       *ArchiveJob
	sweepInterval time.Duration
	archiveCron   string
	logger        *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archive may be nil when no
// object store is configured.
func NewOrchestrator(
	sweeper *Sweeper,
	archive *ArchiveJob,
	sweepInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sweeper:       sweeper,
		archive:       archive,
		sweepInterval: sweepInterval,
		archiveCron:   archiveCron,
		logger:        logger,
	}
}

// Run starts the jobs under an errgroup. A job returning because ctx was
// cancelled counts as a clean stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline orchestrator starting",
		slog.Duration("sweep_interval", o.sweepInterval),
		slog.String("archive_cron", o.archiveCron),
		slog.Bool("archive_enabled", o.archive != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.sweeper.RunLoop(ctx, o.sweepInterval)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("expiry sweeper: %w", err)
	})

	if o.archive != nil {
		g.Go(func() error {
			err := o.archive.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.InfoContext(ctx, "pipeline orchestrator stopped cleanly")
	return nil
}

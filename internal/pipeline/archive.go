package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyamm/internal/clock"
	"github.com/alanyoungcy/polyamm/internal/domain"
)

// ArchiveJob copies markets resolved more than afterDays ago to cold
// storage on a cron schedule.
type ArchiveJob struct {
	archiver  domain.Archiver
	afterDays int
	clock     clock.Clock
	logger    *slog.Logger
}

// NewArchiveJob creates an ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, afterDays int, clk clock.Clock, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:  archiver,
		afterDays: afterDays,
		clock:     clk,
		logger:    logger,
	}
}

// Run executes one archive pass.
func (a *ArchiveJob) Run(ctx context.Context) (int64, error) {
	cutoff := a.clock.Now().Add(-time.Duration(a.afterDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("after_days", a.afterDays),
	)

	n, err := a.archiver.ArchiveResolved(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archiving markets resolved before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("markets_archived", n))
	return n, nil
}

// RunCron runs the job on expr until ctx is cancelled. Failed runs are
// logged and the schedule continues.
func (a *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	sched, err := parseSchedule(expr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", expr))

	for {
		now := a.clock.Now()
		next, err := sched.next(now)
		if err != nil {
			return fmt.Errorf("cron %q: %w", expr, err)
		}
		wait := next.Sub(now)
		a.logger.DebugContext(ctx, "archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

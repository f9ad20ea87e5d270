package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryCloser closes OPEN markets past their expiry.
type ExpiryCloser interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// Sweeper persists automatic closes so stored status catches up with the
// clock. Reads already treat expired markets as CLOSED; the sweep makes
// that durable and fires the close notifications.
type Sweeper struct {
	closer ExpiryCloser
	batch  int
	logger *slog.Logger
}

// NewSweeper creates a Sweeper closing at most batch markets per pass.
func NewSweeper(closer ExpiryCloser, batch int, logger *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{closer: closer, batch: batch, logger: logger}
}

// Run performs passes until fewer than a full batch is closed.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.closer.SweepExpired(ctx, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "expired markets closed", slog.Int("count", total))
	}
	return total, nil
}

// RunLoop sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	s.pass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "expiry sweep failed", slog.String("error", err.Error()))
	}
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyamm/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestScheduleNext(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 7, 30, 0, time.UTC) // Saturday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 14, 10, 8, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)},
		{"30 2 1 * *", time.Date(2026, 4, 1, 2, 30, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
		{"0,30 10 14 3 *", time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := parseSchedule(tt.expr)
			require.NoError(t, err)
			got, err := s.next(base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 4 * * 0"))
	for _, bad := range []string{"", "* * * *", "60 * * * *", "* 24 * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *", "0 0 31 2 *"} {
		assert.Error(t, ValidateCron(bad), bad)
	}
}

type fakeCloser struct {
	mu      sync.Mutex
	pending int
	calls   int
	err     error
}

func (f *fakeCloser) SweepExpired(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	n := min(limit, f.pending)
	f.pending -= n
	return n, nil
}

func TestSweeperDrainsBacklog(t *testing.T) {
	fc := &fakeCloser{pending: 25}
	s := NewSweeper(fc, 10, discard())

	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 3, fc.calls)
}

func TestSweeperError(t *testing.T) {
	fc := &fakeCloser{err: errors.New("db down")}
	_, err := NewSweeper(fc, 10, discard()).Run(context.Background())
	assert.EqualError(t, err, "db down")
}

type fakeArchiver struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakeArchiver) ArchiveResolved(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return 2, nil
}

func TestArchiveJobCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	fa := &fakeArchiver{}
	job := NewArchiveJob(fa, 30, clock.NewFake(now), discard())

	n, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, fa.cutoffs, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), fa.cutoffs[0])
}

func TestArchiveJobRejectsBadCron(t *testing.T) {
	job := NewArchiveJob(&fakeArchiver{}, 30, clock.Real(), discard())
	err := job.RunCron(context.Background(), "not a cron")
	assert.Error(t, err)
}

func TestOrchestratorStopsCleanly(t *testing.T) {
	fc := &fakeCloser{pending: 3}
	o := NewOrchestrator(
		NewSweeper(fc, 10, discard()),
		NewArchiveJob(&fakeArchiver{}, 30, clock.Real(), discard()),
		10*time.Millisecond,
		"0 3 * * *",
		discard(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.pending == 0 && fc.calls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"golang.org/x/sync/semaphore"
)

// distPollInterval is how often a waiter retries a held distributed lock.
const distPollInterval = 25 * time.Millisecond

// MarketLocks hands out one write token per market. Waiters queue FIFO on
// a weighted semaphore; unrelated markets never contend. When a
// domain.LockManager is configured the token is also taken across replicas.
type MarketLocks struct {
	timeout time.Duration
	dist    domain.LockManager
	distTTL time.Duration

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// NewMarketLocks creates a MarketLocks that waits at most timeout for a
// token. dist may be nil for a single-process deployment.
func NewMarketLocks(timeout time.Duration, dist domain.LockManager, distTTL time.Duration) *MarketLocks {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if distTTL <= 0 {
		distTTL = 30 * time.Second
	}
	return &MarketLocks{
		timeout: timeout,
		dist:    dist,
		distTTL: distTTL,
		slots:   make(map[string]*semaphore.Weighted),
	}
}

func (l *MarketLocks) slot(marketID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[marketID]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.slots[marketID] = s
	}
	return s
}

// Acquire blocks until the caller holds the write token for marketID or the
// wait times out, in which case the error matches domain.ErrLockTimeout.
// The returned release is safe to call more than once.
func (l *MarketLocks) Acquire(ctx context.Context, marketID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	s := l.slot(marketID)
	if err := s.Acquire(waitCtx, 1); err != nil {
		return nil, l.waitErr(ctx, marketID, err)
	}

	unlockDist := func() {}
	if l.dist != nil {
		unlock, err := l.acquireDist(waitCtx, marketID)
		if err != nil {
			s.Release(1)
			return nil, l.waitErr(ctx, marketID, err)
		}
		unlockDist = unlock
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockDist()
			s.Release(1)
		})
	}, nil
}

func (l *MarketLocks) acquireDist(ctx context.Context, marketID string) (func(), error) {
	key := "market:" + marketID
	ticker := time.NewTicker(distPollInterval)
	defer ticker.Stop()

	for {
		unlock, err := l.dist.Acquire(ctx, key, l.distTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitErr separates a lock-wait timeout from the caller giving up.
func (l *MarketLocks) waitErr(parent context.Context, marketID string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waited %s for market %s", domain.ErrLockTimeout, l.timeout, marketID)
	}
	return fmt.Errorf("market lock %s: %w", marketID, err)
}

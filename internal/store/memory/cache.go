package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"golang.org/x/time/rate"
)

var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
)

type priceEntry struct {
	prices domain.Prices
	ts     time.Time
}

// PriceCache keeps the latest prices per market in process.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]priceEntry
}

// NewPriceCache returns an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[string]priceEntry)}
}

// SetPrices stores p unless a newer entry is already present.
func (c *PriceCache) SetPrices(_ context.Context, marketID string, p domain.Prices, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[marketID]; ok && cur.ts.After(ts) {
		return nil
	}
	c.entries[marketID] = priceEntry{prices: p, ts: ts}
	return nil
}

// GetPrices returns the cached prices or domain.ErrNotFound.
func (c *PriceCache) GetPrices(_ context.Context, marketID string) (domain.Prices, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[marketID]
	if !ok {
		return domain.Prices{}, time.Time{}, domain.ErrNotFound
	}
	return e.prices, e.ts, nil
}

// RateLimiter is a per-key token bucket. A key may burst up to limit
// requests and refills at limit per window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

// idleBuckets are dropped after this long without a request.
const idleBuckets = 10 * time.Minute

// NewRateLimiter returns an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*bucket), now: time.Now}
}

// Allow reports whether another request for key fits the budget.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.limiters[key]
	if !ok || b.limit != limit || b.window != window {
		every := rate.Every(window / time.Duration(limit))
		b = &bucket{lim: rate.NewLimiter(every, limit), limit: limit, window: window}
		rl.limiters[key] = b
		rl.evict(now)
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}

func (rl *RateLimiter) evict(now time.Time) {
	for k, b := range rl.limiters {
		if now.Sub(b.lastSeen) > idleBuckets && !b.lastSeen.IsZero() {
			delete(rl.limiters, k)
		}
	}
}

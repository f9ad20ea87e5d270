package domain

import (
	"context"
	"time"
)

// PriceCache holds the latest implied prices per market.
type PriceCache interface {
	SetPrices(ctx context.Context, marketID string, p Prices, ts time.Time) error
	GetPrices(ctx context.Context, marketID string) (Prices, time.Time, error)
}

// MarketCache holds committed market snapshots. Each entry is one
// serialized Market, so a reader never sees half of an update.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channels and streams used by the engine.
const (
	ChannelTrades  = "amm:trades"
	ChannelMarkets = "amm:markets"
	StreamTrades   = "amm:trades:log"
)

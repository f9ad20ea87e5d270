package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// setPricesIfNewerLua writes the prices only when ts is not older than the
// cached ts. Timestamps are compared as decimal strings since Unix
// nanoseconds exceed the precision of Lua numbers.
//
// KEYS[1] hash key; ARGV[1] ts; ARGV[2] yes; ARGV[3] no.
const setPricesIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and (#cur > #ARGV[1] or (#cur == #ARGV[1] and cur > ARGV[1])) then
    return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'yes', ARGV[2], 'no', ARGV[3])
return 1
`

// PriceCache implements domain.PriceCache. Prices for a market live in the
// hash {prefix}:price:{marketID} with fields "yes", "no" (decimal strings)
// and "ts" (Unix nanoseconds).
type PriceCache struct {
	client *Client
	setSc  *redis.Script
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{client: c, setSc: redis.NewScript(setPricesIfNewerLua)}
}

func (pc *PriceCache) key(marketID string) string { return pc.client.Key("price", marketID) }

// SetPrices stores p unless prices with a later ts are already cached.
func (pc *PriceCache) SetPrices(ctx context.Context, marketID string, p domain.Prices, ts time.Time) error {
	err := pc.setSc.Run(ctx, pc.client.rdb, []string{pc.key(marketID)},
		strconv.FormatInt(ts.UnixNano(), 10), p.Yes.String(), p.No.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set prices %s: %w", marketID, err)
	}
	return nil
}

// GetPrices returns the cached prices and when they were written, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrices(ctx context.Context, marketID string) (domain.Prices, time.Time, error) {
	vals, err := pc.client.rdb.HGetAll(ctx, pc.key(marketID)).Result()
	if err != nil {
		return domain.Prices{}, time.Time{}, fmt.Errorf("redis: get prices %s: %w", marketID, err)
	}
	return decodePrices(marketID, vals)
}

func decodePrices(marketID string, vals map[string]string) (domain.Prices, time.Time, error) {
	yesStr, okYes := vals["yes"]
	noStr, okNo := vals["no"]
	tsStr, okTS := vals["ts"]
	if !okYes || !okNo || !okTS {
		return domain.Prices{}, time.Time{}, domain.ErrNotFound
	}

	yes, err := decimal.NewFromString(yesStr)
	if err != nil {
		return domain.Prices{}, time.Time{}, fmt.Errorf("redis: parse yes price %s: %w", marketID, err)
	}
	no, err := decimal.NewFromString(noStr)
	if err != nil {
		return domain.Prices{}, time.Time{}, fmt.Errorf("redis: parse no price %s: %w", marketID, err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Prices{}, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", marketID, err)
	}
	return domain.Prices{Yes: yes, No: no}, time.Unix(0, tsNano).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)

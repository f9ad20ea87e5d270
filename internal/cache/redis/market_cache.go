package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/redis/go-redis/v9"
)

// setIfNewerLua writes the snapshot only when its version is at least the
// cached one, so a slow writer cannot roll the cache back.
//
// KEYS[1] hash key; ARGV[1] version; ARGV[2] JSON; ARGV[3] ttl ms.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// MarketCache implements domain.MarketCache. Each market is one hash
//
//	{prefix}:market:{id}  version=<n>  data=<json>
//
// so readers always get a whole committed snapshot.
type MarketCache struct {
	client *Client
	ttl    time.Duration
	setSc  *redis.Script
}

// NewMarketCache creates a MarketCache with the given entry TTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MarketCache{client: c, ttl: ttl, setSc: redis.NewScript(setIfNewerLua)}
}

func (mc *MarketCache) key(id string) string { return mc.client.Key("market", id) }

// Set stores the market snapshot unless a newer version is already cached.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}

	err = mc.setSc.Run(ctx, mc.client.rdb, []string{mc.key(market.ID)},
		strconv.FormatInt(market.Version, 10), data, mc.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns the cached market or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.client.rdb.HGet(ctx, mc.key(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

// Invalidate drops a cached market.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.client.rdb.Del(ctx, mc.key(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)

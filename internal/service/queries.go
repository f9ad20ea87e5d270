package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyamm/internal/amm"
	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/shopspring/decimal"
)

// GetMarket returns one market snapshot, preferring the cache. An OPEN
// market past its expiry is reported as CLOSED.
func (s *MarketService) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := s.snapshot(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	return present(m, s.clock.Now()), nil
}

// snapshot loads the committed market without adjusting its status.
// Concurrent misses for the same market share one store read.
func (s *MarketService) snapshot(ctx context.Context, marketID string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, marketID); err == nil {
			return m, nil
		}
	}

	v, err, _ := s.reads.Do(marketID, func() (any, error) {
		m, err := s.markets.GetByID(ctx, marketID)
		if err != nil {
			return domain.Market{}, err
		}
		if s.cache != nil {
			if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
				s.logger.WarnContext(ctx, "market_service: cache set failed",
					slog.String("market_id", marketID),
					slog.String("error", cacheErr.Error()),
				)
			}
		}
		return m, nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", marketID, err)
	}
	return v.(domain.Market), nil
}

// present applies the read-time view of expiry.
func present(m domain.Market, now time.Time) domain.Market {
	if amm.EffectiveStatus(m, now) != m.Status {
		closedAt := m.ExpiresAt
		m.Status = domain.MarketStatusClosed
		m.ClosedAt = &closedAt
	}
	return m
}

// MarketPrice is the current quote of a market.
type MarketPrice struct {
	MarketID    string              `json:"market_id"`
	Yes         decimal.Decimal     `json:"yes_price"`
	No          decimal.Decimal     `json:"no_price"`
	Volume24h   decimal.Decimal     `json:"volume_24h"`
	VolumeTotal decimal.Decimal     `json:"volume_total"`
	Status      domain.MarketStatus `json:"status"`
	AsOf        time.Time           `json:"as_of"`
}

// GetMarketPrice returns implied prices from one snapshot plus the volume
// traded in the trailing window.
func (s *MarketService) GetMarketPrice(ctx context.Context, marketID string) (MarketPrice, error) {
	m, err := s.GetMarket(ctx, marketID)
	if err != nil {
		return MarketPrice{}, err
	}
	now := s.clock.Now()
	vol, err := s.trades.SumVolumeSince(ctx, marketID, now.Add(-s.cfg.VolumeWindow))
	if err != nil {
		return MarketPrice{}, fmt.Errorf("market_service: volume %s: %w", marketID, err)
	}
	p := s.engine.Price(m.Reserves)
	return MarketPrice{
		MarketID:    m.ID,
		Yes:         p.Yes,
		No:          p.No,
		Volume24h:   vol,
		VolumeTotal: m.VolumeTotal,
		Status:      m.Status,
		AsOf:        now,
	}, nil
}

// GetForecast returns the market's probability with a confidence score.
func (s *MarketService) GetForecast(ctx context.Context, marketID string) (amm.Forecast, error) {
	m, err := s.snapshot(ctx, marketID)
	if err != nil {
		return amm.Forecast{}, err
	}
	return s.engine.Forecast(m, s.clock.Now()), nil
}

// GetPriceHistory returns the YES probability after each of the most recent
// limit trades, oldest first, starting from the opening price.
func (s *MarketService) GetPriceHistory(ctx context.Context, marketID string, limit int) ([]amm.HistoryPoint, error) {
	m, err := s.snapshot(ctx, marketID)
	if err != nil {
		return nil, err
	}
	trades, err := s.trades.ListByMarket(ctx, marketID, domain.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("market_service: history %s: %w", marketID, err)
	}
	return s.engine.History(m, trades), nil
}

// ListMarkets lists markets, newest first. Status filtering uses the
// read-time status, applied by the store before paging: OPEN excludes
// markets past their expiry and CLOSED includes them.
func (s *MarketService) ListMarkets(ctx context.Context, status *domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	now := s.clock.Now()
	stored, err := s.markets.List(ctx, domain.MarketFilter{Status: status, Now: now, ListOpts: opts})
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	for i := range stored {
		stored[i] = present(stored[i], now)
	}
	return stored, nil
}

// ListTrades returns a market's trades, newest first.
func (s *MarketService) ListTrades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	if _, err := s.snapshot(ctx, marketID); err != nil {
		return nil, err
	}
	trades, err := s.trades.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list trades %s: %w", marketID, err)
	}
	return trades, nil
}

// GetPosition totals actor's shares in the market and, once resolved, the
// amount those shares redeem for.
func (s *MarketService) GetPosition(ctx context.Context, marketID, actor string) (domain.Position, error) {
	m, err := s.snapshot(ctx, marketID)
	if err != nil {
		return domain.Position{}, err
	}
	trades, err := s.trades.ListByActor(ctx, marketID, actor)
	if err != nil {
		return domain.Position{}, fmt.Errorf("market_service: position %s/%s: %w", marketID, actor, err)
	}
	return amm.BuildPosition(m, actor, trades), nil
}

// Counts returns the number of stored markets per status.
func (s *MarketService) Counts(ctx context.Context) (map[domain.MarketStatus]int64, error) {
	out := make(map[domain.MarketStatus]int64, 3)
	for _, st := range []domain.MarketStatus{domain.MarketStatusOpen, domain.MarketStatusClosed, domain.MarketStatusResolved} {
		n, err := s.markets.Count(ctx, &st)
		if err != nil {
			return nil, fmt.Errorf("market_service: count %s: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}

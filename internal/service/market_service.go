// Package service runs engine operations against the stores. It owns the
// per-market write token, so every mutation of a market is serialized.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyamm/internal/amm"
	"github.com/alanyoungcy/polyamm/internal/clock"
	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/notify"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Config tunes the service.
type Config struct {
	// LargeTradeUSD triggers a large_trade notification. Zero disables it.
	LargeTradeUSD decimal.Decimal
	// VolumeWindow is the trailing window reported as Volume24h.
	VolumeWindow time.Duration
}

// Deps are the collaborators of a MarketService. Cache, Prices, Bus and
// Notifier are optional.
type Deps struct {
	Engine   *amm.Engine
	Markets  domain.MarketStore
	Trades   domain.TradeStore
	Audit    domain.AuditStore
	Cache    domain.MarketCache
	Prices   domain.PriceCache
	Bus      domain.SignalBus
	Notifier *notify.Notifier
	Locks    *MarketLocks
	Clock    clock.Clock
	Logger   *slog.Logger
	Config   Config
}

// MarketService exposes create, trade, close, resolve and the read
// operations over markets.
type MarketService struct {
	engine   *amm.Engine
	markets  domain.MarketStore
	trades   domain.TradeStore
	audit    domain.AuditStore
	cache    domain.MarketCache
	prices   domain.PriceCache
	bus      domain.SignalBus
	notifier *notify.Notifier
	locks    *MarketLocks
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config

	reads singleflight.Group
}

// NewMarketService creates a MarketService. Missing clock, locks and logger
// fall back to the real clock, a 5s local lock and slog.Default.
func NewMarketService(d Deps) *MarketService {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Locks == nil {
		d.Locks = NewMarketLocks(5*time.Second, nil, 0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config.VolumeWindow <= 0 {
		d.Config.VolumeWindow = 24 * time.Hour
	}
	return &MarketService{
		engine:   d.Engine,
		markets:  d.Markets,
		trades:   d.Trades,
		audit:    d.Audit,
		cache:    d.Cache,
		prices:   d.Prices,
		bus:      d.Bus,
		notifier: d.Notifier,
		locks:    d.Locks,
		clock:    d.Clock,
		logger:   d.Logger.With(slog.String("component", "market_service")),
		cfg:      d.Config,
	}
}

// Engine returns the pricing engine the service trades with.
func (s *MarketService) Engine() *amm.Engine { return s.engine }

// CreateMarket validates req, seeds the pool and stores the new market.
func (s *MarketService) CreateMarket(ctx context.Context, req amm.NewMarketRequest) (domain.Market, error) {
	now := s.clock.Now()
	m, err := s.engine.NewMarket(req, now)
	if err != nil {
		return domain.Market{}, err
	}
	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create %s: %w", m.ID, err)
	}

	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.String("liquidity", m.InitialLiquidity.String()),
		slog.Time("expires_at", m.ExpiresAt),
	)
	s.storeSnapshot(ctx, m, now)
	s.publish(ctx, domain.ChannelMarkets, Event{
		Type: EventMarketCreated, MarketID: m.ID, Market: &m, Timestamp: now,
	})
	s.auditLog(ctx, EventMarketCreated, map[string]any{
		"market_id": m.ID,
		"actor":     m.CreatedBy,
		"question":  m.Question,
		"liquidity": m.InitialLiquidity.String(),
		"expires":   m.ExpiresAt.Format(time.RFC3339),
	})
	s.notifier.Go(ctx, notify.Event{
		Type:    notify.EventMarketCreated,
		Title:   "Market created",
		Message: fmt.Sprintf("%s\nliquidity %s, closes %s", m.Question, m.InitialLiquidity, m.ExpiresAt.Format(time.RFC3339)),
	})
	return m, nil
}

// BuyResult is a committed trade with the market state it produced.
type BuyResult struct {
	Trade  domain.Trade  `json:"trade"`
	Market domain.Market `json:"market"`
	Prices domain.Prices `json:"prices"`
}

// BuyShares executes req against the market while holding its write token.
// A buy on an OPEN market past its expiry fails with ErrMarketExpired and
// the close is persisted before the token is released.
func (s *MarketService) BuyShares(ctx context.Context, marketID string, req amm.TradeRequest) (BuyResult, error) {
	if err := s.engine.ValidateTrade(marketID, req); err != nil {
		return BuyResult{}, err
	}

	next, trade, closed, err := s.buyLocked(ctx, marketID, req)
	if closed != nil {
		s.afterClose(ctx, *closed, "")
	}
	if err != nil {
		return BuyResult{}, err
	}

	prices := s.engine.Price(next.Reserves)
	s.logger.InfoContext(ctx, "market_service: trade executed",
		slog.String("market_id", marketID),
		slog.String("trade_id", trade.ID),
		slog.String("outcome", string(trade.Outcome)),
		slog.String("amount", trade.USDAmount.String()),
		slog.String("shares", trade.SharesReceived.String()),
		slog.String("p_yes", prices.Yes.String()),
	)
	s.storeSnapshot(ctx, next, trade.Timestamp)
	s.publish(ctx, domain.ChannelTrades, Event{
		Type:      EventTradeExecuted,
		MarketID:  marketID,
		Trade:     &trade,
		Prices:    &prices,
		Timestamp: trade.Timestamp,
	})
	s.auditLog(ctx, EventTradeExecuted, map[string]any{
		"market_id": marketID,
		"trade_id":  trade.ID,
		"actor":     trade.Actor,
		"outcome":   string(trade.Outcome),
		"amount":    trade.USDAmount.String(),
		"shares":    trade.SharesReceived.String(),
	})
	if s.cfg.LargeTradeUSD.IsPositive() && trade.USDAmount.GreaterThanOrEqual(s.cfg.LargeTradeUSD) {
		s.notifier.Go(ctx, notify.Event{
			Type:  notify.EventLargeTrade,
			Title: "Large trade",
			Message: fmt.Sprintf("%s bought %s %s shares for %s in %q\nYES now %s",
				trade.Actor, trade.SharesReceived, trade.Outcome, trade.USDAmount, next.Question, prices.Yes),
		})
	}

	return BuyResult{Trade: trade, Market: next, Prices: prices}, nil
}

func (s *MarketService) buyLocked(ctx context.Context, marketID string, req amm.TradeRequest) (next domain.Market, trade domain.Trade, closed *domain.Market, err error) {
	const op = "buy"

	release, err := s.acquire(ctx, op, marketID)
	if err != nil {
		return domain.Market{}, domain.Trade{}, nil, err
	}
	defer release()

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, domain.Trade{}, nil, fmt.Errorf("market_service: buy %s: %w", marketID, err)
	}

	now := s.clock.Now()
	next, trade, err = s.engine.Execute(m, req, now)
	if err != nil {
		if errors.Is(err, domain.ErrMarketExpired) {
			if c, cerr := s.persistClose(ctx, m, now); cerr == nil {
				closed = &c
			} else {
				s.logger.WarnContext(ctx, "market_service: auto-close failed",
					slog.String("market_id", marketID),
					slog.String("error", cerr.Error()),
				)
			}
		}
		return domain.Market{}, domain.Trade{}, closed, err
	}

	if err := s.markets.CommitTrade(ctx, next, m.Version, trade); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Market{}, domain.Trade{}, nil, domain.NewMarketError(op, marketID, m.Status, err)
		}
		return domain.Market{}, domain.Trade{}, nil, fmt.Errorf("market_service: commit trade %s: %w", marketID, err)
	}
	return next, trade, nil, nil
}

// Quote previews a buy against the current snapshot without committing.
func (s *MarketService) Quote(ctx context.Context, marketID string, outcome domain.Outcome, amount decimal.Decimal) (amm.QuoteResult, error) {
	m, err := s.snapshot(ctx, marketID)
	if err != nil {
		return amm.QuoteResult{}, err
	}
	return s.engine.Quote(m, outcome, amount, s.clock.Now())
}

// CloseMarket ends trading on an OPEN market ahead of its expiry.
func (s *MarketService) CloseMarket(ctx context.Context, marketID, actor string) (domain.Market, error) {
	next, err := s.withMarket(ctx, "close", marketID, func(m domain.Market, now time.Time) (domain.Market, error) {
		return amm.Close(m, now)
	})
	if err != nil {
		return domain.Market{}, err
	}
	s.afterClose(ctx, next, actor)
	return next, nil
}

// CloseExpired persists the automatic close of an OPEN market past its
// expiry. It reports false when the market needed no transition.
func (s *MarketService) CloseExpired(ctx context.Context, marketID string) (bool, error) {
	release, err := s.acquire(ctx, "close", marketID)
	if err != nil {
		return false, err
	}

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		release()
		return false, fmt.Errorf("market_service: close expired %s: %w", marketID, err)
	}
	now := s.clock.Now()
	if m.Status != domain.MarketStatusOpen || !m.Expired(now) {
		release()
		return false, nil
	}
	next, err := s.persistClose(ctx, m, now)
	release()
	if err != nil {
		return false, err
	}

	s.afterClose(ctx, next, "")
	return true, nil
}

// SweepExpired closes up to limit OPEN markets whose expiry has passed and
// returns how many it closed. A failure on one market does not stop the
// sweep; the failures are returned together.
func (s *MarketService) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.markets.ListExpiredOpen(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("market_service: list expired: %w", err)
	}

	var (
		closed int
		errs   []error
	)
	for _, m := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := s.CloseExpired(ctx, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, errors.Join(errs...)
}

// ResolveMarket fixes the winning outcome. Resolution is terminal.
func (s *MarketService) ResolveMarket(ctx context.Context, marketID string, outcome domain.Outcome, actor string) (domain.Market, error) {
	const op = "resolve"
	if !outcome.Valid() {
		return domain.Market{}, domain.NewMarketError(op, marketID, "",
			fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, outcome))
	}

	next, err := s.withMarket(ctx, op, marketID, func(m domain.Market, now time.Time) (domain.Market, error) {
		return amm.Resolve(m, outcome, actor, now)
	})
	if err != nil {
		return domain.Market{}, err
	}

	s.logger.InfoContext(ctx, "market_service: market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.String("actor", actor),
	)
	s.storeSnapshot(ctx, next, *next.ResolvedAt)
	s.publish(ctx, domain.ChannelMarkets, Event{
		Type: EventMarketResolved, MarketID: marketID, Market: &next, Timestamp: *next.ResolvedAt,
	})

	// next is RESOLVED here, so Settle cannot fail.
	settlement, _ := amm.Settle(next)
	s.auditLog(ctx, EventMarketResolved, map[string]any{
		"market_id":       marketID,
		"actor":           actor,
		"outcome":         string(outcome),
		"winning_reserve": settlement.WinningReserve.String(),
		"losing_reserve":  settlement.LosingReserve.String(),
	})
	s.notifier.Go(ctx, notify.Event{
		Type:  notify.EventMarketResolved,
		Title: "Market resolved",
		Message: fmt.Sprintf("%s\nresolved %s\npool %s %s / %s %s", next.Question, outcome,
			outcome, settlement.WinningReserve, outcome.Opposite(), settlement.LosingReserve),
	})
	return next, nil
}

// withMarket runs a lifecycle transition under the market's write token and
// stores the result with a version check.
func (s *MarketService) withMarket(ctx context.Context, op, marketID string, apply func(domain.Market, time.Time) (domain.Market, error)) (domain.Market, error) {
	release, err := s.acquire(ctx, op, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	defer release()

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: %s %s: %w", op, marketID, err)
	}
	next, err := apply(m, s.clock.Now())
	if err != nil {
		return domain.Market{}, err
	}
	if err := s.markets.Update(ctx, next, m.Version); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Market{}, domain.NewMarketError(op, marketID, m.Status, err)
		}
		return domain.Market{}, fmt.Errorf("market_service: %s %s: %w", op, marketID, err)
	}
	return next, nil
}

// persistClose stores the OPEN -> CLOSED transition. The caller holds the
// write token.
func (s *MarketService) persistClose(ctx context.Context, m domain.Market, now time.Time) (domain.Market, error) {
	next, err := amm.Close(m, now)
	if err != nil {
		return domain.Market{}, err
	}
	if err := s.markets.Update(ctx, next, m.Version); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Market{}, domain.NewMarketError("close", m.ID, m.Status, err)
		}
		return domain.Market{}, fmt.Errorf("market_service: close %s: %w", m.ID, err)
	}
	return next, nil
}

func (s *MarketService) afterClose(ctx context.Context, m domain.Market, actor string) {
	ts := s.clock.Now()
	if m.ClosedAt != nil {
		ts = *m.ClosedAt
	}
	s.logger.InfoContext(ctx, "market_service: market closed",
		slog.String("market_id", m.ID),
		slog.Bool("expired", actor == ""),
	)
	s.storeSnapshot(ctx, m, ts)
	s.publish(ctx, domain.ChannelMarkets, Event{
		Type: EventMarketClosed, MarketID: m.ID, Market: &m, Timestamp: ts,
	})
	detail := map[string]any{"market_id": m.ID}
	if actor != "" {
		detail["actor"] = actor
	} else {
		detail["reason"] = "expired"
	}
	s.auditLog(ctx, EventMarketClosed, detail)
	s.notifier.Go(ctx, notify.Event{
		Type:    notify.EventMarketClosed,
		Title:   "Market closed",
		Message: m.Question,
	})
}

// acquire takes the write token, reporting a wait timeout as a retryable
// MarketError.
func (s *MarketService) acquire(ctx context.Context, op, marketID string) (func(), error) {
	release, err := s.locks.Acquire(ctx, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrLockTimeout) {
			s.logger.WarnContext(ctx, "market_service: lock wait timed out",
				slog.String("market_id", marketID),
				slog.String("op", op),
			)
			return nil, domain.NewMarketError(op, marketID, "", err)
		}
		return nil, fmt.Errorf("market_service: %s %s: %w", op, marketID, err)
	}
	return release, nil
}

// storeSnapshot refreshes the cached market and prices. Failures are logged;
// the store stays authoritative.
func (s *MarketService) storeSnapshot(ctx context.Context, m domain.Market, ts time.Time) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache set failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.prices != nil {
		if err := s.prices.SetPrices(ctx, m.ID, s.engine.Price(m.Reserves), ts); err != nil {
			s.logger.WarnContext(ctx, "market_service: price cache set failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *MarketService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "market_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

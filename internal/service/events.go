package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
)

// Bus event types.
const (
	EventMarketCreated  = "market_created"
	EventMarketClosed   = "market_closed"
	EventMarketResolved = "market_resolved"
	EventTradeExecuted  = "trade_executed"
)

// Event is the JSON envelope published on the signal bus and pushed to
// websocket clients.
type Event struct {
	Type      string         `json:"type"`
	MarketID  string         `json:"market_id"`
	Market    *domain.Market `json:"market,omitempty"`
	Trade     *domain.Trade  `json:"trade,omitempty"`
	Prices    *domain.Prices `json:"prices,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// publish sends ev on channel. Trades are also appended to the durable
// trade stream so late consumers can replay them.
func (s *MarketService) publish(ctx context.Context, channel string, ev Event) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "market_service: marshal event failed",
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "market_service: publish failed",
			slog.String("channel", channel),
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
	if ev.Type != EventTradeExecuted {
		return
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamTrades, payload); err != nil {
		s.logger.WarnContext(ctx, "market_service: stream append failed",
			slog.String("stream", domain.StreamTrades),
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an executed buy against a market's pool. Trades are append-only.
type Trade struct {
	ID               string          `json:"id"`
	MarketID         string          `json:"market_id"`
	Outcome          Outcome         `json:"outcome"`
	Actor            string          `json:"actor"`
	USDAmount        decimal.Decimal `json:"usd_amount"`
	SharesReceived   decimal.Decimal `json:"shares_received"`
	PriceAtExecution decimal.Decimal `json:"price_at_execution"`
	ProbabilityAfter decimal.Decimal `json:"probability_after"`
	ReservesAfter    Reserves        `json:"reserves_after"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Prices is the implied probability of each outcome. Yes + No == 1.
type Prices struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Of returns the price of the given outcome.
func (p Prices) Of(o Outcome) decimal.Decimal {
	if o == OutcomeNo {
		return p.No
	}
	return p.Yes
}

// Position aggregates an actor's holdings in one market.
type Position struct {
	MarketID  string          `json:"market_id"`
	Actor     string          `json:"actor"`
	YesShares decimal.Decimal `json:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	// Payout is set once the market is resolved.
	Payout *decimal.Decimal `json:"payout,omitempty"`
}

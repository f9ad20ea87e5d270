package amm

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/shopspring/decimal"
)

// TradeRequest is a buy instruction from an already-authorized actor.
type TradeRequest struct {
	Outcome domain.Outcome
	Amount  decimal.Decimal
	// MinSharesOut rejects the trade when fewer shares would be minted.
	// Zero disables the check.
	MinSharesOut decimal.Decimal
	Actor        string
}

// ValidateTrade checks req without looking at any market state, so bad
// input is rejected before a caller takes the market's write token.
func (e *Engine) ValidateTrade(marketID string, req TradeRequest) error {
	if err := e.validateRequest(req); err != nil {
		return domain.NewMarketError("buy", marketID, "", err)
	}
	return nil
}

func (e *Engine) validateRequest(req TradeRequest) error {
	if !req.Outcome.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, req.Outcome)
	}
	if err := e.validateAmount(req.Amount); err != nil {
		return err
	}
	if req.MinSharesOut.IsNegative() {
		return fmt.Errorf("%w: min_shares_out must not be negative", domain.ErrInvalidAmount)
	}
	return nil
}

// Execute applies req to m and returns the next market value together with
// the trade record. m is not modified; on error nothing is returned that the
// caller could commit.
func (e *Engine) Execute(m domain.Market, req TradeRequest, now time.Time) (domain.Market, domain.Trade, error) {
	const op = "buy"

	if err := e.validateRequest(req); err != nil {
		return domain.Market{}, domain.Trade{}, domain.NewMarketError(op, m.ID, m.Status, err)
	}
	q, err := e.quote(op, m, req.Outcome, req.Amount, now)
	if err != nil {
		return domain.Market{}, domain.Trade{}, err
	}
	if req.MinSharesOut.IsPositive() && q.SharesOut.LessThan(req.MinSharesOut) {
		return domain.Market{}, domain.Trade{}, domain.NewMarketError(op, m.ID, m.Status,
			fmt.Errorf("%w: would mint %s shares, minimum %s", domain.ErrSlippageExceeded, q.SharesOut, req.MinSharesOut))
	}

	next := m
	next.Reserves = q.NewReserves
	next.VolumeTotal = m.VolumeTotal.Add(req.Amount)
	next.TradeCount = m.TradeCount + 1
	next.Version = m.Version + 1

	trade := domain.Trade{
		ID:               e.newID(),
		MarketID:         m.ID,
		Outcome:          req.Outcome,
		Actor:            req.Actor,
		USDAmount:        req.Amount,
		SharesReceived:   q.SharesOut,
		PriceAtExecution: q.AveragePrice,
		ProbabilityAfter: q.PriceAfter.Yes,
		ReservesAfter:    q.NewReserves,
		Timestamp:        now,
	}
	return next, trade, nil
}

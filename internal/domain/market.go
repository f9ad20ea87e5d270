package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "OPEN"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
)

// Valid reports whether s is one of the declared statuses.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusOpen, MarketStatusClosed, MarketStatusResolved:
		return true
	default:
		return false
	}
}

// ParseMarketStatus parses a status string case-insensitively.
func ParseMarketStatus(s string) (MarketStatus, error) {
	st := MarketStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown market status %q", s)
	}
	return st, nil
}

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeYes, OutcomeNo:
		return true
	default:
		return false
	}
}

// Opposite returns the other side of the market.
func (o Outcome) Opposite() Outcome {
	switch o {
	case OutcomeYes:
		return OutcomeNo
	case OutcomeNo:
		return OutcomeYes
	default:
		return o
	}
}

// ParseOutcome parses an outcome string case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q", s)
	}
	return o, nil
}

// Reserves is the outcome-share pool of a single market.
type Reserves struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Of returns the reserve held for the given outcome.
func (r Reserves) Of(o Outcome) decimal.Decimal {
	if o == OutcomeNo {
		return r.No
	}
	return r.Yes
}

// With returns a copy of r with the reserve for o replaced.
func (r Reserves) With(o Outcome, v decimal.Decimal) Reserves {
	if o == OutcomeNo {
		r.No = v
	} else {
		r.Yes = v
	}
	return r
}

// Product returns Yes * No, exact.
func (r Reserves) Product() decimal.Decimal {
	return r.Yes.Mul(r.No)
}

// Depth returns Yes + No.
func (r Reserves) Depth() decimal.Decimal {
	return r.Yes.Add(r.No)
}

// Positive reports whether both reserves are strictly greater than zero.
func (r Reserves) Positive() bool {
	return r.Yes.IsPositive() && r.No.IsPositive()
}

// Market is a binary prediction market backed by a constant-product pool.
// K is the pool product fixed at creation; every trade solves against it.
type Market struct {
	ID               string          `json:"id"`
	Question         string          `json:"question"`
	Description      string          `json:"description,omitempty"`
	Reserves         Reserves        `json:"reserves"`
	K                decimal.Decimal `json:"k"`
	InitialLiquidity decimal.Decimal `json:"initial_liquidity"`
	Status           MarketStatus    `json:"status"`
	ExpiresAt        time.Time       `json:"expires_at"`
	ResolvedOutcome  *Outcome        `json:"resolved_outcome,omitempty"`
	VolumeTotal      decimal.Decimal `json:"volume_total"`
	TradeCount       int64           `json:"trade_count"`
	CreatedBy        string          `json:"created_by,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	// Version increments on every committed mutation and backs the
	// store's compare-and-swap.
	Version int64 `json:"version"`
}

// Expired reports whether now is at or past the market's expiry.
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

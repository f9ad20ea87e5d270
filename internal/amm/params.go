// Package amm implements the constant-product market maker that prices and
// settles binary prediction markets. Everything here is pure: functions take
// a domain.Market value and return the next one, leaving persistence and
// serialization to the caller.
package amm

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Params configures the engine's numeric contract and limits.
type Params struct {
	// Scale is the number of fractional digits kept in reserves, amounts
	// and prices.
	Scale int32
	// MinimumReserve is the floor a reserve must stay strictly above after
	// any trade.
	MinimumReserve decimal.Decimal
	// MaxTradeNotional caps a single trade's USD amount.
	MaxTradeNotional decimal.Decimal
	Confidence       ConfidenceParams
}

// ConfidenceParams shapes the forecast confidence curve:
//
//	Floor + DepthWeight*d/(d+DepthHalf) + VolumeWeight*v/(v+VolumeHalf)
//
// The three weights sum to one.
type ConfidenceParams struct {
	Floor        decimal.Decimal
	DepthWeight  decimal.Decimal
	VolumeWeight decimal.Decimal
	DepthHalf    decimal.Decimal
	VolumeHalf   decimal.Decimal
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		Scale:            6,
		MinimumReserve:   decimal.RequireFromString("0.01"),
		MaxTradeNotional: decimal.NewFromInt(100_000),
		Confidence: ConfidenceParams{
			Floor:        decimal.RequireFromString("0.05"),
			DepthWeight:  decimal.RequireFromString("0.25"),
			VolumeWeight: decimal.RequireFromString("0.70"),
			DepthHalf:    decimal.NewFromInt(10_000),
			VolumeHalf:   decimal.NewFromInt(50_000),
		},
	}
}

// Validate checks Params for values the engine cannot run with and returns
// a combined error describing every problem found.
func (p Params) Validate() error {
	var errs []string

	if p.Scale < 0 || p.Scale > 18 {
		errs = append(errs, fmt.Sprintf("scale must be 0-18, got %d", p.Scale))
	}
	if p.MinimumReserve.IsNegative() {
		errs = append(errs, "minimum_reserve must be >= 0")
	}
	if !p.MaxTradeNotional.IsPositive() {
		errs = append(errs, "max_trade_notional must be > 0")
	}

	c := p.Confidence
	for name, v := range map[string]decimal.Decimal{
		"floor":         c.Floor,
		"depth_weight":  c.DepthWeight,
		"volume_weight": c.VolumeWeight,
	} {
		if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Sprintf("confidence %s must be within [0, 1]", name))
		}
	}
	if !c.VolumeWeight.IsPositive() {
		errs = append(errs, "confidence volume_weight must be > 0")
	}
	if !c.Floor.Add(c.DepthWeight).Add(c.VolumeWeight).Equal(decimal.NewFromInt(1)) {
		errs = append(errs, "confidence floor + depth_weight + volume_weight must equal 1")
	}
	if !c.DepthHalf.IsPositive() || !c.VolumeHalf.IsPositive() {
		errs = append(errs, "confidence half-saturation points must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("amm: invalid params:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// unit is the smallest representable step at the given scale.
func unit(scale int32) decimal.Decimal {
	return decimal.New(1, -scale)
}

// floorDiv returns a/b truncated to scale fractional digits. a and b must
// be positive.
func floorDiv(a, b decimal.Decimal, scale int32) decimal.Decimal {
	q, _ := a.QuoRem(b, scale)
	return q
}

// ceilDiv returns a/b rounded up to scale fractional digits. a and b must
// be positive.
func ceilDiv(a, b decimal.Decimal, scale int32) decimal.Decimal {
	q, r := a.QuoRem(b, scale)
	if !r.IsZero() {
		q = q.Add(unit(scale))
	}
	return q
}

// fitsScale reports whether d has no more than scale fractional digits.
func fitsScale(d decimal.Decimal, scale int32) bool {
	return d.Equal(d.Truncate(scale))
}

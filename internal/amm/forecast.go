package amm

import (
	"sort"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/shopspring/decimal"
)

// Forecast is a market's current probability estimate.
type Forecast struct {
	MarketID    string              `json:"market_id"`
	Question    string              `json:"question"`
	Probability decimal.Decimal     `json:"probability"`
	Confidence  decimal.Decimal     `json:"confidence"`
	Volume      decimal.Decimal     `json:"volume"`
	Depth       decimal.Decimal     `json:"depth"`
	Status      domain.MarketStatus `json:"status"`
}

// Forecast reads the YES probability off the pool and scores how much it
// can be trusted. Status is the effective status at now.
func (e *Engine) Forecast(m domain.Market, now time.Time) Forecast {
	depth := m.Reserves.Depth()
	return Forecast{
		MarketID:    m.ID,
		Question:    m.Question,
		Probability: e.Price(m.Reserves).Yes,
		Confidence:  e.Confidence(m.VolumeTotal, depth),
		Volume:      m.VolumeTotal,
		Depth:       depth,
		Status:      EffectiveStatus(m, now),
	}
}

// Confidence scores a forecast from cumulative volume and pool depth. It is
// non-decreasing in both inputs, never reaches 1, and stays below
// Floor+DepthWeight while volume is zero.
func (e *Engine) Confidence(volume, depth decimal.Decimal) decimal.Decimal {
	c := e.params.Confidence
	scale := e.params.Scale

	score := c.Floor.
		Add(c.DepthWeight.Mul(saturation(depth, c.DepthHalf, scale))).
		Add(c.VolumeWeight.Mul(saturation(volume, c.VolumeHalf, scale)))
	return score.RoundDown(scale)
}

// saturation returns x/(x+half) rounded down, zero for non-positive x.
func saturation(x, half decimal.Decimal, scale int32) decimal.Decimal {
	if !x.IsPositive() {
		return decimal.Zero
	}
	return floorDiv(x, x.Add(half), scale)
}

// HistoryPoint is the YES probability right after a trade.
type HistoryPoint struct {
	Timestamp   time.Time       `json:"timestamp"`
	Probability decimal.Decimal `json:"probability"`
	TradeID     string          `json:"trade_id,omitempty"`
}

// History turns m's trades into a probability time series, starting with
// the opening price at creation. Trades from other markets are ignored.
func (e *Engine) History(m domain.Market, trades []domain.Trade) []HistoryPoint {
	half := floorDiv(m.InitialLiquidity, decimal.NewFromInt(2), e.params.Scale)
	opening := decimal.RequireFromString("0.5")
	if half.IsPositive() {
		opening = e.Price(domain.Reserves{Yes: half, No: half}).Yes
	}

	sorted := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.MarketID == m.ID {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	points := make([]HistoryPoint, 0, len(sorted)+1)
	points = append(points, HistoryPoint{Timestamp: m.CreatedAt, Probability: opening})
	for _, t := range sorted {
		points = append(points, HistoryPoint{
			Timestamp:   t.Timestamp,
			Probability: t.ProbabilityAfter,
			TradeID:     t.ID,
		})
	}
	return points
}

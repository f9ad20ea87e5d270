package amm

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/shopspring/decimal"
)

// MaxQuestionLength bounds a market question in characters.
const MaxQuestionLength = 500

// NewMarketRequest describes a market to create.
type NewMarketRequest struct {
	Question         string
	Description      string
	ExpiresAt        time.Time
	InitialLiquidity decimal.Decimal
	CreatedBy        string
}

// NewMarket seeds an OPEN market with the initial liquidity split evenly
// across both reserves, so it opens at 50/50.
func (e *Engine) NewMarket(req NewMarketRequest, now time.Time) (domain.Market, error) {
	const op = "create"
	fail := func(err error) (domain.Market, error) {
		return domain.Market{}, domain.NewMarketError(op, "", "", err)
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return fail(fmt.Errorf("%w: question is required", domain.ErrInvalidQuestion))
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return fail(fmt.Errorf("%w: longer than %d characters", domain.ErrInvalidQuestion, MaxQuestionLength))
	}
	if !req.ExpiresAt.After(now) {
		return fail(fmt.Errorf("%w: %s is not in the future", domain.ErrInvalidExpiry, req.ExpiresAt.Format(time.RFC3339)))
	}

	liq := req.InitialLiquidity
	if !liq.IsPositive() {
		return fail(fmt.Errorf("%w: must be greater than zero, got %s", domain.ErrInvalidLiquidity, liq))
	}
	if !fitsScale(liq, e.params.Scale) {
		return fail(fmt.Errorf("%w: more than %d decimal places", domain.ErrInvalidLiquidity, e.params.Scale))
	}
	half := floorDiv(liq, decimal.NewFromInt(2), e.params.Scale)
	if !half.GreaterThan(e.params.MinimumReserve) {
		return fail(fmt.Errorf("%w: each reserve would be %s, floor is %s", domain.ErrInvalidLiquidity, half, e.params.MinimumReserve))
	}

	return domain.Market{
		ID:               e.newID(),
		Question:         question,
		Description:      strings.TrimSpace(req.Description),
		Reserves:         domain.Reserves{Yes: half, No: half},
		K:                half.Mul(half),
		InitialLiquidity: liq,
		Status:           domain.MarketStatusOpen,
		ExpiresAt:        req.ExpiresAt.UTC(),
		VolumeTotal:      decimal.Zero,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		Version:          1,
	}, nil
}

// EffectiveStatus is the status m has at now: an OPEN market at or past
// its expiry reads as CLOSED even before the close is persisted.
func EffectiveStatus(m domain.Market, now time.Time) domain.MarketStatus {
	if m.Status == domain.MarketStatusOpen && m.Expired(now) {
		return domain.MarketStatusClosed
	}
	return m.Status
}

// Close moves an OPEN market to CLOSED.
func Close(m domain.Market, now time.Time) (domain.Market, error) {
	const op = "close"

	switch m.Status {
	case domain.MarketStatusOpen:
	case domain.MarketStatusClosed:
		return domain.Market{}, domain.NewMarketError(op, m.ID, m.Status, domain.ErrMarketNotOpen)
	case domain.MarketStatusResolved:
		return domain.Market{}, domain.NewMarketError(op, m.ID, m.Status, domain.ErrMarketResolved)
	default:
		return domain.Market{}, domain.NewMarketError(op, m.ID, m.Status,
			fmt.Errorf("%w: unknown status %q", domain.ErrMarketNotOpen, m.Status))
	}

	closedAt := now
	if m.Expired(now) {
		closedAt = m.ExpiresAt
	}
	next := m
	next.Status = domain.MarketStatusClosed
	next.ClosedAt = &closedAt
	next.Version = m.Version + 1
	return next, nil
}

// Resolve fixes the winning outcome of a closed market. An OPEN market past
// its expiry is closed and resolved in the same step. RESOLVED is terminal.
func Resolve(m domain.Market, outcome domain.Outcome, actor string, now time.Time) (domain.Market, error) {
	const op = "resolve"

	if !outcome.Valid() {
		return domain.Market{}, domain.NewMarketError(op, m.ID, m.Status,
			fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, outcome))
	}

	next := m
	switch EffectiveStatus(m, now) {
	case domain.MarketStatusClosed:
		if m.Status == domain.MarketStatusOpen {
			closed, err := Close(m, now)
			if err != nil {
				return domain.Market{}, err
			}
			next = closed
		}
	case domain.MarketStatusOpen:
		return domain.Market{}, domain.NewMarketError(op, m.ID, m.Status,
			fmt.Errorf("%w: trading ends %s", domain.ErrMarketNotClosed, m.ExpiresAt.Format(time.RFC3339)))
	case domain.MarketStatusResolved:
		return domain.Market{}, domain.NewMarketError(op, m.ID, m.Status, domain.ErrMarketResolved)
	default:
		return domain.Market{}, domain.NewMarketError(op, m.ID, m.Status,
			fmt.Errorf("%w: unknown status %q", domain.ErrMarketNotClosed, m.Status))
	}

	resolvedAt := now
	next.Status = domain.MarketStatusResolved
	next.ResolvedOutcome = &outcome
	next.ResolvedBy = actor
	next.ResolvedAt = &resolvedAt
	next.Version = m.Version + 1
	return next, nil
}

// PayoutPerShare returns what one share of outcome redeems for: 1 for the
// winning side, 0 for the losing side.
func PayoutPerShare(m domain.Market, outcome domain.Outcome) (decimal.Decimal, error) {
	const op = "payout"

	if !outcome.Valid() {
		return decimal.Zero, domain.NewMarketError(op, m.ID, m.Status,
			fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, outcome))
	}
	if m.Status != domain.MarketStatusResolved || m.ResolvedOutcome == nil {
		return decimal.Zero, domain.NewMarketError(op, m.ID, m.Status, domain.ErrMarketNotResolved)
	}
	if *m.ResolvedOutcome == outcome {
		return decimal.NewFromInt(1), nil
	}
	return decimal.Zero, nil
}

// Settlement describes a resolved market's pool split by result.
type Settlement struct {
	Outcome        domain.Outcome  `json:"outcome"`
	WinningReserve decimal.Decimal `json:"winning_reserve"`
	LosingReserve  decimal.Decimal `json:"losing_reserve"`
}

// Settle returns the settlement view of a resolved market.
func Settle(m domain.Market) (Settlement, error) {
	if m.Status != domain.MarketStatusResolved || m.ResolvedOutcome == nil {
		return Settlement{}, domain.NewMarketError("settle", m.ID, m.Status, domain.ErrMarketNotResolved)
	}
	win := *m.ResolvedOutcome
	return Settlement{
		Outcome:        win,
		WinningReserve: m.Reserves.Of(win),
		LosingReserve:  m.Reserves.Of(win.Opposite()),
	}, nil
}

// BuildPosition totals an actor's trades in m. Once m is resolved the
// claimable payout is filled in.
func BuildPosition(m domain.Market, actor string, trades []domain.Trade) domain.Position {
	pos := domain.Position{
		MarketID:  m.ID,
		Actor:     actor,
		YesShares: decimal.Zero,
		NoShares:  decimal.Zero,
		CostBasis: decimal.Zero,
	}
	for _, t := range trades {
		if t.MarketID != m.ID || t.Actor != actor {
			continue
		}
		switch t.Outcome {
		case domain.OutcomeYes:
			pos.YesShares = pos.YesShares.Add(t.SharesReceived)
		case domain.OutcomeNo:
			pos.NoShares = pos.NoShares.Add(t.SharesReceived)
		default:
			continue
		}
		pos.CostBasis = pos.CostBasis.Add(t.USDAmount)
	}

	yes, errYes := PayoutPerShare(m, domain.OutcomeYes)
	no, errNo := PayoutPerShare(m, domain.OutcomeNo)
	if errYes == nil && errNo == nil {
		payout := pos.YesShares.Mul(yes).Add(pos.NoShares.Mul(no))
		pos.Payout = &payout
	}
	return pos
}

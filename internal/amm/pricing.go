package amm

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine prices and applies trades against a market's pool. It holds no
// market state; the zero value is not usable, construct with New.
type Engine struct {
	params Params
	newID  func() string
}

// New returns an Engine for the given params.
func New(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: p, newID: uuid.NewString}, nil
}

// Params returns the engine's configuration.
func (e *Engine) Params() Params { return e.params }

// QuoteResult is the outcome of pricing a buy without applying it.
type QuoteResult struct {
	Outcome      domain.Outcome  `json:"outcome"`
	Amount       decimal.Decimal `json:"usd_amount"`
	SharesOut    decimal.Decimal `json:"shares_out"`
	NewReserves  domain.Reserves `json:"new_reserves"`
	AveragePrice decimal.Decimal `json:"average_price"`
	PriceBefore  domain.Prices   `json:"price_before"`
	PriceAfter   domain.Prices   `json:"price_after"`
}

// Price returns the implied probabilities for r. Yes is No/(Yes+No) rounded
// half-up at the engine scale and No is its complement, so the pair always
// sums to exactly one. Extreme ratios are held one unit inside (0, 1).
func (e *Engine) Price(r domain.Reserves) domain.Prices {
	one := decimal.NewFromInt(1)
	step := unit(e.params.Scale)

	yes := r.No.DivRound(r.Depth(), e.params.Scale)
	if yes.LessThan(step) {
		yes = step
	}
	if yes.GreaterThan(one.Sub(step)) {
		yes = one.Sub(step)
	}
	return domain.Prices{Yes: yes, No: one.Sub(yes)}
}

// Quote prices a buy of amount USD on outcome against m at time now.
func (e *Engine) Quote(m domain.Market, outcome domain.Outcome, amount decimal.Decimal, now time.Time) (QuoteResult, error) {
	return e.quote("quote", m, outcome, amount, now)
}

func (e *Engine) quote(op string, m domain.Market, outcome domain.Outcome, amount decimal.Decimal, now time.Time) (QuoteResult, error) {
	fail := func(err error) (QuoteResult, error) {
		return QuoteResult{}, domain.NewMarketError(op, m.ID, m.Status, err)
	}

	if !outcome.Valid() {
		return fail(fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, outcome))
	}
	if err := e.validateAmount(amount); err != nil {
		return fail(err)
	}
	if err := requireTradable(m, now); err != nil {
		return fail(err)
	}

	newReserves, shares, err := e.swap(m.Reserves, m.K, outcome, amount)
	if err != nil {
		return fail(err)
	}

	return QuoteResult{
		Outcome:      outcome,
		Amount:       amount,
		SharesOut:    shares,
		NewReserves:  newReserves,
		AveragePrice: ceilDiv(amount, shares, e.params.Scale),
		PriceBefore:  e.Price(m.Reserves),
		PriceAfter:   e.Price(newReserves),
	}, nil
}

func (e *Engine) validateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return fmt.Errorf("%w: must be greater than zero, got %s", domain.ErrInvalidAmount, amount)
	case !fitsScale(amount, e.params.Scale):
		return fmt.Errorf("%w: more than %d decimal places", domain.ErrInvalidAmount, e.params.Scale)
	case amount.GreaterThan(e.params.MaxTradeNotional):
		return fmt.Errorf("%w: exceeds maximum trade of %s", domain.ErrInvalidAmount, e.params.MaxTradeNotional)
	}
	return nil
}

// requireTradable checks the market accepts trades at now.
func requireTradable(m domain.Market, now time.Time) error {
	switch m.Status {
	case domain.MarketStatusOpen:
		if m.Expired(now) {
			return fmt.Errorf("%w: expired at %s", domain.ErrMarketExpired, m.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	case domain.MarketStatusClosed, domain.MarketStatusResolved:
		return domain.ErrMarketNotOpen
	default:
		return fmt.Errorf("%w: unknown status %q", domain.ErrMarketNotOpen, m.Status)
	}
}

// swap adds amount to both reserves, then solves the bought side back onto
// the product k. The remaining reserve is rounded up so the shares paid out
// are rounded down.
func (e *Engine) swap(r domain.Reserves, k decimal.Decimal, outcome domain.Outcome, amount decimal.Decimal) (domain.Reserves, decimal.Decimal, error) {
	scale := e.params.Scale

	if err := checkReserves(r, k); err != nil {
		return domain.Reserves{}, decimal.Zero, err
	}

	buy := r.Of(outcome)
	other := r.Of(outcome.Opposite()).Add(amount)
	buyNew := ceilDiv(k, other, scale)

	shares := buy.Add(amount).Sub(buyNew)
	if !shares.IsPositive() {
		return domain.Reserves{}, decimal.Zero, fmt.Errorf("%w: too small to mint a share", domain.ErrInvalidAmount)
	}
	if !buyNew.GreaterThan(e.params.MinimumReserve) {
		return domain.Reserves{}, decimal.Zero, fmt.Errorf("%w: %s reserve would fall to %s, floor is %s",
			domain.ErrPoolExhaustion, outcome, buyNew, e.params.MinimumReserve)
	}

	next := r.With(outcome, buyNew).With(outcome.Opposite(), other)

	// ceilDiv guarantees k <= product < k + other*ulp.
	product := next.Product()
	if product.LessThan(k) || !product.LessThan(k.Add(other.Mul(unit(scale)))) {
		return domain.Reserves{}, decimal.Zero, fmt.Errorf("%w: product %s outside [%s, %s + %s*ulp)",
			domain.ErrProductInvariant, product, k, k, other)
	}
	return next, shares, nil
}

// checkReserves verifies a stored pool before trading against it.
func checkReserves(r domain.Reserves, k decimal.Decimal) error {
	if !r.Positive() {
		return fmt.Errorf("%w: non-positive reserves yes=%s no=%s", domain.ErrProductInvariant, r.Yes, r.No)
	}
	if !k.IsPositive() {
		return fmt.Errorf("%w: non-positive k %s", domain.ErrProductInvariant, k)
	}
	if r.Product().LessThan(k) {
		return fmt.Errorf("%w: product %s below k %s", domain.ErrProductInvariant, r.Product(), k)
	}
	return nil
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrLockHeld      = errors.New("lock already held")
	// ErrConflict is returned by stores when a compare-and-swap finds a
	// newer version than the caller read.
	ErrConflict = errors.New("version conflict")
)

// Error classes. Every engine failure belongs to exactly one.
var (
	ErrValidation         = errors.New("validation error")
	ErrState              = errors.New("state error")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrConcurrencyTimeout = errors.New("concurrency timeout")
)

// Specific engine failures.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidOutcome    = errors.New("invalid outcome")
	ErrInvalidQuestion   = errors.New("invalid question")
	ErrInvalidExpiry     = errors.New("invalid expiry")
	ErrInvalidLiquidity  = errors.New("invalid initial liquidity")
	ErrMarketNotOpen     = errors.New("market not open")
	ErrMarketExpired     = errors.New("market expired")
	ErrMarketNotClosed   = errors.New("market not closed")
	ErrMarketResolved    = errors.New("market already resolved")
	ErrMarketNotResolved = errors.New("market not resolved")
	ErrSlippageExceeded  = errors.New("slippage exceeded")
	ErrPoolExhaustion    = errors.New("pool exhaustion")
	ErrProductInvariant  = errors.New("product invariant breached")
	ErrLockTimeout       = errors.New("market lock wait timed out")
)

// classOf maps a specific failure to its class.
func classOf(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidQuestion),
		errors.Is(err, ErrInvalidExpiry),
		errors.Is(err, ErrInvalidLiquidity),
		errors.Is(err, ErrSlippageExceeded):
		return ErrValidation
	case errors.Is(err, ErrMarketNotOpen),
		errors.Is(err, ErrMarketExpired),
		errors.Is(err, ErrMarketNotClosed),
		errors.Is(err, ErrMarketResolved),
		errors.Is(err, ErrMarketNotResolved):
		return ErrState
	case errors.Is(err, ErrPoolExhaustion),
		errors.Is(err, ErrProductInvariant):
		return ErrInvariantViolation
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrConflict):
		return ErrConcurrencyTimeout
	default:
		return nil
	}
}

// MarketError carries the context a caller needs to decide whether to
// retry: the market, the attempted operation and the status observed.
// errors.Is matches both the specific failure and its class.
type MarketError struct {
	Op       string
	MarketID string
	Status   MarketStatus
	Kind     error
	Err      error
}

// NewMarketError builds a MarketError, deriving the class from err.
func NewMarketError(op, marketID string, status MarketStatus, err error) *MarketError {
	return &MarketError{
		Op:       op,
		MarketID: marketID,
		Status:   status,
		Kind:     classOf(err),
		Err:      err,
	}
}

func (e *MarketError) Error() string {
	msg := fmt.Sprintf("%s market %s", e.Op, e.MarketID)
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	return msg + ": " + e.Err.Error()
}

func (e *MarketError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Kind}
}

// Retryable reports whether the failure is transient.
func (e *MarketError) Retryable() bool {
	return errors.Is(e.Kind, ErrConcurrencyTimeout)
}

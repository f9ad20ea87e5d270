package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketFilter narrows market listings. A nil Status lists every market.
// With Now set, Status matches the read-time status: an OPEN row at or past
// its expiry counts as CLOSED.
type MarketFilter struct {
	Status *MarketStatus
	Now    time.Time
	ListOpts
}

// MatchesStatus reports whether m passes the Status filter.
func (f MarketFilter) MatchesStatus(m Market) bool {
	if f.Status == nil {
		return true
	}
	st := m.Status
	if !f.Now.IsZero() && st == MarketStatusOpen && m.Expired(f.Now) {
		st = MarketStatusClosed
	}
	return st == *f.Status
}

// MarketStore persists markets. Update and CommitTrade are compare-and-swap
// operations keyed on the version the caller read; a mismatch returns
// ErrConflict and changes nothing.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, filter MarketFilter) ([]Market, error)
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]Market, error)
	ListResolvedBefore(ctx context.Context, before time.Time) ([]Market, error)
	Update(ctx context.Context, m Market, expectedVersion int64) error
	// CommitTrade stores the post-trade market and appends the trade in one
	// atomic unit.
	CommitTrade(ctx context.Context, m Market, expectedVersion int64, t Trade) error
	Count(ctx context.Context, status *MarketStatus) (int64, error)
}

// TradeStore reads the append-only trade log.
type TradeStore interface {
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
	ListByActor(ctx context.Context, marketID, actor string) ([]Trade, error)
	SumVolumeSince(ctx context.Context, marketID string, since time.Time) (decimal.Decimal, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Package memory implements the domain store interfaces in process memory.
// It backs single-node development and the service tests; data does not
// survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/shopspring/decimal"
)

// DB is the shared state behind the memory stores. A single lock covers
// markets and trades so CommitTrade is atomic across both.
type DB struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
	trades  []domain.Trade
	audit   []domain.AuditEntry
	now     func() time.Time
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{
		markets: make(map[string]domain.Market),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ domain.MarketStore = (*MarketStore)(nil)
	_ domain.TradeStore  = (*TradeStore)(nil)
	_ domain.AuditStore  = (*AuditStore)(nil)
)

// MarketStore implements domain.MarketStore in memory.
type MarketStore struct{ db *DB }

// NewMarketStore creates a MarketStore over db.
func NewMarketStore(db *DB) *MarketStore { return &MarketStore{db: db} }

// Create inserts a new market.
func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.markets[m.ID]; ok {
		return fmt.Errorf("memory: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	s.db.markets[m.ID] = cloneMarket(m)
	return nil
}

// GetByID returns a copy of the stored market.
func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	m, ok := s.db.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return cloneMarket(m), nil
}

// List returns markets newest first, optionally filtered by status.
func (s *MarketStore) List(_ context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	s.db.mu.RLock()
	out := make([]domain.Market, 0, len(s.db.markets))
	for _, m := range s.db.markets {
		if !filter.MatchesStatus(m) {
			continue
		}
		if filter.Since != nil && m.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && m.CreatedAt.After(*filter.Until) {
			continue
		}
		out = append(out, cloneMarket(m))
	}
	s.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.ListOpts), nil
}

// ListExpiredOpen returns OPEN markets whose expiry is at or before now,
// oldest expiry first.
func (s *MarketStore) ListExpiredOpen(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	s.db.mu.RLock()
	var out []domain.Market
	for _, m := range s.db.markets {
		if m.Status == domain.MarketStatusOpen && m.Expired(now) {
			out = append(out, cloneMarket(m))
		}
	}
	s.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListResolvedBefore returns markets resolved strictly before the cutoff.
func (s *MarketStore) ListResolvedBefore(_ context.Context, before time.Time) ([]domain.Market, error) {
	s.db.mu.RLock()
	var out []domain.Market
	for _, m := range s.db.markets {
		if m.Status == domain.MarketStatusResolved && m.ResolvedAt != nil && m.ResolvedAt.Before(before) {
			out = append(out, cloneMarket(m))
		}
	}
	s.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.Before(*out[j].ResolvedAt) })
	return out, nil
}

// Update replaces the market if the stored version equals expectedVersion.
func (s *MarketStore) Update(_ context.Context, m domain.Market, expectedVersion int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.checkVersion(m.ID, expectedVersion); err != nil {
		return fmt.Errorf("memory: update market %s: %w", m.ID, err)
	}
	s.db.markets[m.ID] = cloneMarket(m)
	return nil
}

// CommitTrade stores the post-trade market and appends the trade together.
func (s *MarketStore) CommitTrade(_ context.Context, m domain.Market, expectedVersion int64, t domain.Trade) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.checkVersion(m.ID, expectedVersion); err != nil {
		return fmt.Errorf("memory: commit trade %s: %w", t.ID, err)
	}
	for _, existing := range s.db.trades {
		if existing.ID == t.ID {
			return fmt.Errorf("memory: commit trade %s: %w", t.ID, domain.ErrAlreadyExists)
		}
	}
	s.db.markets[m.ID] = cloneMarket(m)
	s.db.trades = append(s.db.trades, t)
	return nil
}

// checkVersion must be called with the write lock held.
func (s *MarketStore) checkVersion(id string, expected int64) error {
	cur, ok := s.db.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: stored %d, expected %d", domain.ErrConflict, cur.Version, expected)
	}
	return nil
}

// Count returns the number of markets, optionally with the given status.
func (s *MarketStore) Count(_ context.Context, status *domain.MarketStatus) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var n int64
	for _, m := range s.db.markets {
		if status == nil || m.Status == *status {
			n++
		}
	}
	return n, nil
}

// TradeStore implements domain.TradeStore in memory.
type TradeStore struct{ db *DB }

// NewTradeStore creates a TradeStore over db.
func NewTradeStore(db *DB) *TradeStore { return &TradeStore{db: db} }

// ListByMarket returns a market's trades newest first.
func (s *TradeStore) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.db.mu.RLock()
	var out []domain.Trade
	for i := len(s.db.trades) - 1; i >= 0; i-- {
		t := s.db.trades[i]
		if t.MarketID != marketID {
			continue
		}
		if opts.Since != nil && t.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && t.Timestamp.After(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	s.db.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return paginate(out, opts), nil
}

// ListByActor returns every trade an actor made in a market, oldest first.
func (s *TradeStore) ListByActor(_ context.Context, marketID, actor string) ([]domain.Trade, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []domain.Trade
	for _, t := range s.db.trades {
		if t.MarketID == marketID && t.Actor == actor {
			out = append(out, t)
		}
	}
	return out, nil
}

// SumVolumeSince totals the USD traded in a market at or after since.
func (s *TradeStore) SumVolumeSince(_ context.Context, marketID string, since time.Time) (decimal.Decimal, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range s.db.trades {
		if t.MarketID == marketID && !t.Timestamp.Before(since) {
			sum = sum.Add(t.USDAmount)
		}
	}
	return sum, nil
}

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct{ db *DB }

// NewAuditStore creates an AuditStore over db.
func NewAuditStore(db *DB) *AuditStore { return &AuditStore{db: db} }

// Log appends an audit entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	d := make(map[string]any, len(detail))
	for k, v := range detail {
		d[k] = v
	}
	s.db.audit = append(s.db.audit, domain.AuditEntry{
		ID:        int64(len(s.db.audit) + 1),
		Event:     event,
		Detail:    d,
		CreatedAt: s.db.now(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.RLock()
	var out []domain.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		e := s.db.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	s.db.mu.RUnlock()
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// cloneMarket copies the pointer fields so callers never share state with
// the store.
func cloneMarket(m domain.Market) domain.Market {
	if m.ResolvedOutcome != nil {
		o := *m.ResolvedOutcome
		m.ResolvedOutcome = &o
	}
	if m.ClosedAt != nil {
		t := *m.ClosedAt
		m.ClosedAt = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		m.ResolvedAt = &t
	}
	return m
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func market(id string, status domain.MarketStatus, created time.Time) domain.Market {
	return domain.Market{
		ID:        id,
		Question:  "q " + id,
		Reserves:  domain.Reserves{Yes: decimal.NewFromInt(50), No: decimal.NewFromInt(50)},
		K:         decimal.NewFromInt(2500),
		Status:    status,
		ExpiresAt: created.Add(time.Hour),
		CreatedAt: created,
		Version:   1,
	}
}

func TestMarketStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore(NewDB())

	m := market("m1", domain.MarketStatusOpen, t0)
	require.NoError(t, s.Create(ctx, m))
	assert.ErrorIs(t, s.Create(ctx, m), domain.ErrAlreadyExists)

	got, err := s.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "q m1", got.Question)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got.Question = "changed"
	got.Version = 2
	require.NoError(t, s.Update(ctx, got, 1))

	err = s.Update(ctx, got, 1)
	assert.ErrorIs(t, err, domain.ErrConflict)

	again, err := s.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "changed", again.Question)
	assert.Equal(t, int64(2), again.Version)
}

func TestMarketStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore(NewDB())

	m := market("m1", domain.MarketStatusResolved, t0)
	yes := domain.OutcomeYes
	m.ResolvedOutcome = &yes
	require.NoError(t, s.Create(ctx, m))

	got, err := s.GetByID(ctx, "m1")
	require.NoError(t, err)
	*got.ResolvedOutcome = domain.OutcomeNo

	again, err := s.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, *again.ResolvedOutcome)
}

func TestMarketStoreListAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore(NewDB())

	require.NoError(t, s.Create(ctx, market("a", domain.MarketStatusOpen, t0)))
	require.NoError(t, s.Create(ctx, market("b", domain.MarketStatusClosed, t0.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, market("c", domain.MarketStatusOpen, t0.Add(2*time.Minute))))

	all, err := s.List(ctx, domain.MarketFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	open := domain.MarketStatusOpen
	opened, err := s.List(ctx, domain.MarketFilter{Status: &open})
	require.NoError(t, err)
	require.Len(t, opened, 2)

	page, err := s.List(ctx, domain.MarketFilter{ListOpts: domain.ListOpts{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = s.Count(ctx, &open)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMarketStoreListFiltersByReadTimeStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore(NewDB())

	require.NoError(t, s.Create(ctx, market("a", domain.MarketStatusOpen, t0)))
	require.NoError(t, s.Create(ctx, market("b", domain.MarketStatusClosed, t0.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, market("c", domain.MarketStatusOpen, t0.Add(2*time.Minute))))

	// "a" expired at t0+1h; "c" is live until t0+1h2m.
	now := t0.Add(61 * time.Minute)
	open := domain.MarketStatusOpen
	closed := domain.MarketStatusClosed

	opened, err := s.List(ctx, domain.MarketFilter{Status: &open, Now: now, ListOpts: domain.ListOpts{Limit: 1}})
	require.NoError(t, err)
	require.Len(t, opened, 1)
	assert.Equal(t, "c", opened[0].ID)

	rest, err := s.List(ctx, domain.MarketFilter{Status: &open, Now: now, ListOpts: domain.ListOpts{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	assert.Empty(t, rest)

	shut, err := s.List(ctx, domain.MarketFilter{Status: &closed, Now: now, ListOpts: domain.ListOpts{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, shut, 1)
	assert.Equal(t, "a", shut[0].ID)

	// Without Now the stored status is used.
	stored, err := s.List(ctx, domain.MarketFilter{Status: &open})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestListExpiredOpenAndResolvedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore(NewDB())

	require.NoError(t, s.Create(ctx, market("early", domain.MarketStatusOpen, t0)))
	require.NoError(t, s.Create(ctx, market("late", domain.MarketStatusOpen, t0.Add(3*time.Hour))))
	closed := market("closed", domain.MarketStatusClosed, t0)
	require.NoError(t, s.Create(ctx, closed))

	resolved := market("resolved", domain.MarketStatusResolved, t0)
	at := t0.Add(2 * time.Hour)
	resolved.ResolvedAt = &at
	require.NoError(t, s.Create(ctx, resolved))

	expired, err := s.ListExpiredOpen(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "early", expired[0].ID)

	old, err := s.ListResolvedBefore(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "resolved", old[0].ID)

	none, err := s.ListResolvedBefore(ctx, at)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCommitTradeAtomic(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	markets := NewMarketStore(db)
	trades := NewTradeStore(db)

	m := market("m1", domain.MarketStatusOpen, t0)
	require.NoError(t, markets.Create(ctx, m))

	next := m
	next.Version = 2
	next.VolumeTotal = decimal.NewFromInt(10)
	tr := domain.Trade{ID: "t1", MarketID: "m1", Actor: "alice", USDAmount: decimal.NewFromInt(10), Timestamp: t0}
	require.NoError(t, markets.CommitTrade(ctx, next, 1, tr))

	// A stale writer changes nothing.
	stale := next
	stale.VolumeTotal = decimal.NewFromInt(999)
	err := markets.CommitTrade(ctx, stale, 1, domain.Trade{ID: "t2", MarketID: "m1", Timestamp: t0})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.VolumeTotal.Equal(decimal.NewFromInt(10)))

	list, err := trades.ListByMarket(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)
}

func TestTradeStoreQueries(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	markets := NewMarketStore(db)
	trades := NewTradeStore(db)

	m := market("m1", domain.MarketStatusOpen, t0)
	require.NoError(t, markets.Create(ctx, m))

	for i, actor := range []string{"alice", "bob", "alice"} {
		next := m
		next.Version = m.Version + 1
		tr := domain.Trade{
			ID:        string(rune('a' + i)),
			MarketID:  "m1",
			Actor:     actor,
			USDAmount: decimal.NewFromInt(int64(10 * (i + 1))),
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, markets.CommitTrade(ctx, next, m.Version, tr))
		m = next
	}

	newest, err := trades.ListByMarket(ctx, "m1", domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "c", newest[0].ID)
	assert.Equal(t, "b", newest[1].ID)

	alice, err := trades.ListByActor(ctx, "m1", "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)

	sum, err := trades.SumVolumeSince(ctx, "m1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(50)), "got %s", sum)
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore(NewDB())

	require.NoError(t, s.Log(ctx, "market_created", map[string]any{"market_id": "m1"}))
	require.NoError(t, s.Log(ctx, "market_closed", map[string]any{"market_id": "m1"}))

	entries, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market_closed", entries[0].Event)
	assert.Equal(t, "m1", entries[1].Detail["market_id"])
}

package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyamm/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/amm?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "amm", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@db:6543/amm?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "amm", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

// testClient connects to POLYAMM_TEST_DSN and migrates it. Tests using it
// are skipped when the variable is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POLYAMM_TEST_DSN")
	if dsn == "" {
		t.Skip("POLYAMM_TEST_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	// Running twice is a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func seedMarket(t *testing.T, s *MarketStore) domain.Market {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	m := domain.Market{
		ID:               uuid.NewString(),
		Question:         "Will the integration test pass?",
		Reserves:         domain.Reserves{Yes: decimal.RequireFromString("500"), No: decimal.RequireFromString("500")},
		K:                decimal.RequireFromString("250000"),
		InitialLiquidity: decimal.RequireFromString("1000"),
		Status:           domain.MarketStatusOpen,
		ExpiresAt:        now.Add(time.Hour),
		VolumeTotal:      decimal.Zero,
		CreatedBy:        "admin",
		CreatedAt:        now,
		Version:          1,
	}
	require.NoError(t, s.Create(context.Background(), m))
	return m
}

func TestMarketStoreRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewMarketStore(c.Pool())

	m := seedMarket(t, s)
	assert.ErrorIs(t, s.Create(ctx, m), domain.ErrAlreadyExists)

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Question, got.Question)
	assert.True(t, got.K.Equal(m.K))
	assert.True(t, got.Reserves.Yes.Equal(m.Reserves.Yes))
	assert.Equal(t, domain.MarketStatusOpen, got.Status)

	_, err = s.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now().UTC()
	yes := domain.OutcomeYes
	next := got
	next.Status = domain.MarketStatusResolved
	next.ResolvedOutcome = &yes
	next.ResolvedAt = &now
	next.ClosedAt = &now
	next.Version = got.Version + 1
	require.NoError(t, s.Update(ctx, next, got.Version))
	assert.ErrorIs(t, s.Update(ctx, next, got.Version), domain.ErrConflict)

	resolved, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedOutcome)
	assert.Equal(t, domain.OutcomeYes, *resolved.ResolvedOutcome)
}

func TestCommitTradeConcurrentCAS(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	markets := NewMarketStore(c.Pool())
	trades := NewTradeStore(c.Pool())

	m := seedMarket(t, markets)

	// Two writers race from the same read; exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := m
			next.Version = m.Version + 1
			next.VolumeTotal = decimal.NewFromInt(10)
			next.Reserves = domain.Reserves{Yes: decimal.RequireFromString("495"), No: decimal.RequireFromString("510")}
			errs[i] = markets.CommitTrade(ctx, next, m.Version, domain.Trade{
				ID:               uuid.NewString(),
				MarketID:         m.ID,
				Outcome:          domain.OutcomeYes,
				Actor:            "racer",
				USDAmount:        decimal.NewFromInt(10),
				SharesReceived:   decimal.NewFromInt(15),
				PriceAtExecution: decimal.RequireFromString("0.666667"),
				ProbabilityAfter: decimal.RequireFromString("0.507463"),
				ReservesAfter:    next.Reserves,
				Timestamp:        time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
			conflict++
		default:
			t.Errorf("unexpected commit error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)

	list, err := trades.ListByMarket(ctx, m.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].PriceAtExecution.Equal(decimal.RequireFromString("0.666667")))

	sum, err := trades.SumVolumeSince(ctx, m.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(10)))

	byActor, err := trades.ListByActor(ctx, m.ID, "racer")
	require.NoError(t, err)
	assert.Len(t, byActor, 1)
}

func TestAuditStoreRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewAuditStore(c.Pool())

	since := time.Now().UTC().Add(-time.Second)
	require.NoError(t, s.Log(ctx, "market_created", map[string]any{"market_id": "x"}))

	entries, err := s.List(ctx, domain.ListOpts{Since: &since, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "market_created", entries[0].Event)
	assert.Equal(t, "x", entries[0].Detail["market_id"])
}

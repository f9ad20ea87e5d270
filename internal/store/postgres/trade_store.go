package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyamm/internal/domain"
)

var _ domain.TradeStore = (*TradeStore)(nil)

// TradeStore implements domain.TradeStore using PostgreSQL. Trades are only
// ever written through MarketStore.CommitTrade.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, market_id, outcome, actor,
	usd_amount::text, shares_received::text, price_at_execution::text, probability_after::text,
	yes_reserve_after::text, no_reserve_after::text, timestamp`

func scanTrade(row pgx.CollectableRow) (domain.Trade, error) {
	var (
		t                           domain.Trade
		outcome                     string
		amount, shares, price, prob string
		yesAfter, noAfter           string
	)
	if err := row.Scan(
		&t.ID, &t.MarketID, &outcome, &t.Actor,
		&amount, &shares, &price, &prob,
		&yesAfter, &noAfter, &t.Timestamp,
	); err != nil {
		return domain.Trade{}, err
	}

	o, err := domain.ParseOutcome(outcome)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade %s: %w", t.ID, err)
	}
	t.Outcome = o

	if err := parseNumerics(map[*decimal.Decimal]string{
		&t.USDAmount:         amount,
		&t.SharesReceived:    shares,
		&t.PriceAtExecution:  price,
		&t.ProbabilityAfter:  prob,
		&t.ReservesAfter.Yes: yesAfter,
		&t.ReservesAfter.No:  noAfter,
	}); err != nil {
		return domain.Trade{}, fmt.Errorf("trade %s: %w", t.ID, err)
	}
	return t, nil
}

func insertTrade(ctx context.Context, q querier, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, market_id, outcome, actor,
			usd_amount, shares_received, price_at_execution, probability_after,
			yes_reserve_after, no_reserve_after, timestamp
		) VALUES (
			$1, $2, $3, $4,
			$5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11
		)`

	_, err := q.Exec(ctx, query,
		t.ID, t.MarketID, string(t.Outcome), t.Actor,
		t.USDAmount.String(), t.SharesReceived.String(), t.PriceAtExecution.String(), t.ProbabilityAfter.String(),
		t.ReservesAfter.Yes.String(), t.ReservesAfter.No.String(), t.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert trade %s: %w", t.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByMarket returns trades for a market newest first, with pagination
// and optional time filtering.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by market: %w", err)
	}
	trades, err := pgx.CollectRows(rows, scanTrade)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by market: %w", err)
	}
	return trades, nil
}

// ListByActor returns every trade an actor made in a market, oldest first.
func (s *TradeStore) ListByActor(ctx context.Context, marketID, actor string) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE market_id = $1 AND actor = $2 ORDER BY timestamp ASC`,
		marketID, actor)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by actor: %w", err)
	}
	trades, err := pgx.CollectRows(rows, scanTrade)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by actor: %w", err)
	}
	return trades, nil
}

// SumVolumeSince totals the USD traded in a market at or after since.
func (s *TradeStore) SumVolumeSince(ctx context.Context, marketID string, since time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(usd_amount), 0)::text FROM trades WHERE market_id = $1 AND timestamp >= $2`,
		marketID, since).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum volume for %s: %w", marketID, err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse volume for %s: %w", marketID, err)
	}
	return d, nil
}

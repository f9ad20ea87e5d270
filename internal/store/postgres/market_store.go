package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyamm/internal/domain"
)

var _ domain.MarketStore = (*MarketStore)(nil)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, description,
	yes_reserve::text, no_reserve::text, k::text, initial_liquidity::text,
	status, expires_at, resolved_outcome, volume_total::text, trade_count,
	created_by, resolved_by, created_at, closed_at, resolved_at, version`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                    domain.Market
		yes, no, k, liq, vol string
		status               string
		resolvedOutcome      *string
	)
	if err := row.Scan(
		&m.ID, &m.Question, &m.Description,
		&yes, &no, &k, &liq,
		&status, &m.ExpiresAt, &resolvedOutcome, &vol, &m.TradeCount,
		&m.CreatedBy, &m.ResolvedBy, &m.CreatedAt, &m.ClosedAt, &m.ResolvedAt, &m.Version,
	); err != nil {
		return domain.Market{}, err
	}

	if err := parseNumerics(map[*decimal.Decimal]string{
		&m.Reserves.Yes:     yes,
		&m.Reserves.No:      no,
		&m.K:                k,
		&m.InitialLiquidity: liq,
		&m.VolumeTotal:      vol,
	}); err != nil {
		return domain.Market{}, fmt.Errorf("market %s: %w", m.ID, err)
	}

	st, err := domain.ParseMarketStatus(status)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market %s: %w", m.ID, err)
	}
	m.Status = st
	if resolvedOutcome != nil {
		o, err := domain.ParseOutcome(*resolvedOutcome)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market %s: %w", m.ID, err)
		}
		m.ResolvedOutcome = &o
	}
	return m, nil
}

func scanMarketRows(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func outcomeArg(o *domain.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, description,
			yes_reserve, no_reserve, k, initial_liquidity,
			status, expires_at, resolved_outcome, volume_total, trade_count,
			created_by, resolved_by, created_at, closed_at, resolved_at, version
		) VALUES (
			$1, $2, $3,
			$4::numeric, $5::numeric, $6::numeric, $7::numeric,
			$8, $9, $10, $11::numeric, $12,
			$13, $14, $15, $16, $17, $18
		)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.Description,
		m.Reserves.Yes.String(), m.Reserves.No.String(), m.K.String(), m.InitialLiquidity.String(),
		string(m.Status), m.ExpiresAt, outcomeArg(m.ResolvedOutcome), m.VolumeTotal.String(), m.TradeCount,
		m.CreatedBy, m.ResolvedBy, m.CreatedAt, m.ClosedAt, m.ResolvedAt, m.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first with optional status and time filters.
func (s *MarketStore) List(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	switch {
	case filter.Status == nil:
	case filter.Now.IsZero():
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*filter.Status))
		argIdx++
	case *filter.Status == domain.MarketStatusOpen:
		query += fmt.Sprintf(" AND status = 'OPEN' AND expires_at > $%d", argIdx)
		args = append(args, filter.Now)
		argIdx++
	case *filter.Status == domain.MarketStatusClosed:
		query += fmt.Sprintf(" AND (status = 'CLOSED' OR (status = 'OPEN' AND expires_at <= $%d))", argIdx)
		args = append(args, filter.Now)
		argIdx++
	default:
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*filter.Status))
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets: %w", err)
	}
	return markets, nil
}

// ListExpiredOpen returns OPEN markets whose expiry has passed, oldest
// expiry first.
func (s *MarketStore) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE status = 'OPEN' AND expires_at <= $1
		ORDER BY expires_at ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired markets: %w", err)
	}
	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired markets: %w", err)
	}
	return markets, nil
}

// ListResolvedBefore returns markets resolved strictly before the cutoff.
func (s *MarketStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketCols+` FROM markets
		WHERE status = 'RESOLVED' AND resolved_at < $1
		ORDER BY resolved_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved markets: %w", err)
	}
	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved markets: %w", err)
	}
	return markets, nil
}

// Update writes m if the stored version still equals expectedVersion.
func (s *MarketStore) Update(ctx context.Context, m domain.Market, expectedVersion int64) error {
	if err := updateMarket(ctx, s.pool, m, expectedVersion); err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	return nil
}

// CommitTrade applies the post-trade market and inserts the trade in one
// transaction. Either both land or neither does.
func (s *MarketStore) CommitTrade(ctx context.Context, m domain.Market, expectedVersion int64, t domain.Trade) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateMarket(ctx, tx, m, expectedVersion); err != nil {
			return err
		}
		return insertTrade(ctx, tx, t)
	})
	if err != nil {
		return fmt.Errorf("postgres: commit trade %s on market %s: %w", t.ID, m.ID, err)
	}
	return nil
}

func updateMarket(ctx context.Context, q querier, m domain.Market, expectedVersion int64) error {
	const query = `
		UPDATE markets SET
			question         = $2,
			description      = $3,
			yes_reserve      = $4::numeric,
			no_reserve       = $5::numeric,
			status           = $6,
			resolved_outcome = $7,
			volume_total     = $8::numeric,
			trade_count      = $9,
			resolved_by      = $10,
			closed_at        = $11,
			resolved_at      = $12,
			version          = $13,
			updated_at       = NOW()
		WHERE id = $1 AND version = $14`

	tag, err := q.Exec(ctx, query,
		m.ID, m.Question, m.Description,
		m.Reserves.Yes.String(), m.Reserves.No.String(),
		string(m.Status), outcomeArg(m.ResolvedOutcome),
		m.VolumeTotal.String(), m.TradeCount, m.ResolvedBy,
		m.ClosedAt, m.ResolvedAt, m.Version, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var stored int64
	err = q.QueryRow(ctx, `SELECT version FROM markets WHERE id = $1`, m.ID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: stored %d, expected %d", domain.ErrConflict, stored, expectedVersion)
}

// Count returns the number of markets, optionally with the given status.
func (s *MarketStore) Count(ctx context.Context, status *domain.MarketStatus) (int64, error) {
	var (
		count int64
		err   error
	)
	if status == nil {
		err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets WHERE status = $1", string(*status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PositionStore implements domain.PositionRepository using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionRepository = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, machine_id, symbol, side, interval, source, candle_time,
	investment, state, risk_mode, entry, hedge,
	stop_price, take_profit, min_profit, min_close, warning, partial_qty1, partial_qty2,
	realized_pnl, unrealized_pnl, commission, hedge_order_size, added_qty, add_count,
	last_add_at, close_price, close_reason, closed_at, version, created_at, updated_at,
	floor_base`

// positionArgs flattens p into the column order of positionSelectCols.
func positionArgs(p domain.Position) ([]any, error) {
	entry, err := json.Marshal(p.Entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry leg: %w", err)
	}
	var hedge []byte
	if p.Hedge != nil {
		if hedge, err = json.Marshal(p.Hedge); err != nil {
			return nil, fmt.Errorf("marshal hedge leg: %w", err)
		}
	}
	return []any{
		p.ID, p.MachineID, p.Symbol, string(p.Side), p.Interval, p.Source, p.CandleTime,
		p.Investment, p.State.String(), p.RiskMode.String(), entry, hedge,
		p.StopPrice, p.TakeProfit, p.MinProfit, p.MinClose, p.Warning, p.PartialQty1, p.PartialQty2,
		p.RealizedPnL, p.UnrealizedPnL, p.Commission, p.HedgeOrderSize, p.AddedQty, p.AddCount,
		nullTime(p.LastAddAt), p.ClosePrice, p.CloseReason, nullTime(p.ClosedAt), p.Version, p.CreatedAt, p.UpdatedAt,
		p.FloorBase,
	}, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                 domain.Position
		side, state, risk string
		entry, hedge      []byte
		lastAdd, closedAt *time.Time
	)
	err := row.Scan(
		&p.ID, &p.MachineID, &p.Symbol, &side, &p.Interval, &p.Source, &p.CandleTime,
		&p.Investment, &state, &risk, &entry, &hedge,
		&p.StopPrice, &p.TakeProfit, &p.MinProfit, &p.MinClose, &p.Warning, &p.PartialQty1, &p.PartialQty2,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.Commission, &p.HedgeOrderSize, &p.AddedQty, &p.AddCount,
		&lastAdd, &p.ClosePrice, &p.CloseReason, &closedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		&p.FloorBase,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	if p.State, err = domain.ParseTradeState(state); err != nil {
		return domain.Position{}, err
	}
	if p.RiskMode, err = domain.ParseRiskMode(risk); err != nil {
		return domain.Position{}, err
	}
	if err := json.Unmarshal(entry, &p.Entry); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal entry leg: %w", err)
	}
	if len(hedge) > 0 {
		p.Hedge = &domain.Leg{}
		if err := json.Unmarshal(hedge, p.Hedge); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal hedge leg: %w", err)
		}
	}
	if lastAdd != nil {
		p.LastAddAt = *lastAdd
	}
	if closedAt != nil {
		p.ClosedAt = *closedAt
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const insertPosition = `
	INSERT INTO positions (` + positionSelectCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32,
		$33)`

// Insert creates the row. A duplicate id or an occupied live slot maps to
// domain.ErrAlreadyExists.
func (s *PositionStore) Insert(ctx context.Context, p domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}
	if _, err := s.pool.Exec(ctx, insertPosition, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: insert position %s (%s): %w", p.ID, pgErr.ConstraintName, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}
	return nil
}

// UpsertPosition writes p keyed by id. A row already at a newer version is
// left untouched, so replays and out-of-order retries are harmless.
func (s *PositionStore) UpsertPosition(ctx context.Context, p domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	const query = insertPosition + `
	ON CONFLICT (id) DO UPDATE SET
		interval = EXCLUDED.interval,
		investment = EXCLUDED.investment,
		state = EXCLUDED.state,
		risk_mode = EXCLUDED.risk_mode,
		entry = EXCLUDED.entry,
		hedge = EXCLUDED.hedge,
		stop_price = EXCLUDED.stop_price,
		take_profit = EXCLUDED.take_profit,
		min_profit = EXCLUDED.min_profit,
		min_close = EXCLUDED.min_close,
		warning = EXCLUDED.warning,
		partial_qty1 = EXCLUDED.partial_qty1,
		partial_qty2 = EXCLUDED.partial_qty2,
		realized_pnl = EXCLUDED.realized_pnl,
		unrealized_pnl = EXCLUDED.unrealized_pnl,
		commission = EXCLUDED.commission,
		hedge_order_size = EXCLUDED.hedge_order_size,
		added_qty = EXCLUDED.added_qty,
		add_count = EXCLUDED.add_count,
		last_add_at = EXCLUDED.last_add_at,
		close_price = EXCLUDED.close_price,
		close_reason = EXCLUDED.close_reason,
		closed_at = EXCLUDED.closed_at,
		version = EXCLUDED.version,
		updated_at = EXCLUDED.updated_at,
		floor_base = EXCLUDED.floor_base
	WHERE positions.version <= EXCLUDED.version`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: upsert position %s (%s): %w", p.ID, pgErr.ConstraintName, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// LoadActivePositions returns the non-closed positions owned by machineID.
func (s *PositionStore) LoadActivePositions(ctx context.Context, machineID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE machine_id = $1 AND state <> 'CLOSE' ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, machineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load active positions: %w", err)
	}
	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return out, nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListClosedBefore returns unarchived positions closed before the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE state = 'CLOSE' AND closed_at < $1 AND archived_at IS NULL ORDER BY closed_at`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return out, nil
}

// MarkArchived stamps ids as copied to cold storage.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE positions SET archived_at = NOW() WHERE id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("postgres: mark %d positions archived: %w", len(ids), err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

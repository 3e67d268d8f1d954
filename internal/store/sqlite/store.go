// Package sqlite is the single-file position repository and audit log used
// in paper mode. It is pure Go (modernc.org/sqlite), so no cgo is needed.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id          TEXT PRIMARY KEY,
    machine_id  TEXT    NOT NULL,
    symbol      TEXT    NOT NULL,
    side        TEXT    NOT NULL,
    source      TEXT    NOT NULL,
    state       TEXT    NOT NULL,
    closed_at   INTEGER,
    archived_at INTEGER,
    version     INTEGER NOT NULL DEFAULT 0,
    data        TEXT    NOT NULL,
    updated_at  INTEGER NOT NULL
);

-- At most one live position per (symbol, side, source) slot.
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_live_slot
    ON positions(symbol, side, source) WHERE state <> 'CLOSE';
CREATE INDEX IF NOT EXISTS idx_positions_machine ON positions(machine_id, state);
CREATE INDEX IF NOT EXISTS idx_positions_closed  ON positions(closed_at) WHERE state = 'CLOSE';

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
`

// Store implements domain.PositionRepository and domain.AuditStore on one
// SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ domain.PositionRepository = (*Store)(nil)
	_ domain.AuditStore         = (*Store)(nil)
)

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// Insert creates the row. A duplicate id or an occupied live slot maps to
// domain.ErrAlreadyExists.
func (s *Store) Insert(ctx context.Context, p domain.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite: insert position %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, machine_id, symbol, side, source, state, closed_at, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MachineID, p.Symbol, string(p.Side), p.Source, p.State.String(),
		millis(p.ClosedAt), p.Version, string(data), s.now().UnixMilli(),
	)
	if isUnique(err) {
		return fmt.Errorf("sqlite: insert position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert position %s: %w", p.ID, err)
	}
	return nil
}

// UpsertPosition writes p keyed by id. Rows already at a newer version are
// left untouched.
func (s *Store) UpsertPosition(ctx context.Context, p domain.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite: upsert position %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, machine_id, symbol, side, source, state, closed_at, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state      = excluded.state,
			closed_at  = excluded.closed_at,
			version    = excluded.version,
			data       = excluded.data,
			updated_at = excluded.updated_at
		WHERE positions.version <= excluded.version`,
		p.ID, p.MachineID, p.Symbol, string(p.Side), p.Source, p.State.String(),
		millis(p.ClosedAt), p.Version, string(data), s.now().UnixMilli(),
	)
	if isUnique(err) {
		return fmt.Errorf("sqlite: upsert position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: upsert position %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p domain.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadActivePositions returns the non-closed positions owned by machineID.
func (s *Store) LoadActivePositions(ctx context.Context, machineID string) ([]domain.Position, error) {
	out, err := s.queryPositions(ctx,
		`SELECT data FROM positions WHERE machine_id = ? AND state <> 'CLOSE' ORDER BY rowid`, machineID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load active positions: %w", err)
	}
	return out, nil
}

// GetByID returns one position.
func (s *Store) GetByID(ctx context.Context, id string) (domain.Position, error) {
	out, err := s.queryPositions(ctx, `SELECT data FROM positions WHERE id = ?`, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	if len(out) == 0 {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, domain.ErrNotFound)
	}
	return out[0], nil
}

// ListClosedBefore returns unarchived positions closed before the cutoff.
func (s *Store) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	out, err := s.queryPositions(ctx, `
		SELECT data FROM positions
		WHERE state = 'CLOSE' AND closed_at < ? AND archived_at IS NULL
		ORDER BY closed_at`, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list closed positions: %w", err)
	}
	return out, nil
}

// MarkArchived stamps ids as copied to cold storage.
func (s *Store) MarkArchived(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: mark archived: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE positions SET archived_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sqlite: mark archived: prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixMilli()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("sqlite: mark %s archived: %w", id, err)
		}
	}
	return tx.Commit()
}

// Log appends an audit entry.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	var detailJSON sql.NullString
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("sqlite: marshal audit event %s: %w", event, err)
		}
		detailJSON = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, detailJSON, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries, newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, opts.Until.UnixMilli())
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail sql.NullString
			at     int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionRepository is the durable mirror of the position store.
type PositionRepository interface {
	// Insert creates the row; a duplicate id or live slot returns ErrAlreadyExists.
	Insert(ctx context.Context, p Position) error
	// UpsertPosition writes p keyed by id. Repeating the call is a no-op.
	UpsertPosition(ctx context.Context, p Position) error
	LoadActivePositions(ctx context.Context, machineID string) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
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

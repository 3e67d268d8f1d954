package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// Archives above this size go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
)

// ClosedPositionStore is what the archiver needs from the position database.
// Both the Postgres and SQLite stores satisfy it.
type ClosedPositionStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// PositionArchiver copies closed positions into object storage as JSONL and
// then flags the rows archived so later runs skip them. Rows are never
// deleted here.
type PositionArchiver struct {
	writer domain.BlobWriter
	store  ClosedPositionStore
	audit  domain.AuditStore
	now    func() time.Time
}

var _ domain.Archiver = (*PositionArchiver)(nil)

// NewArchiver creates a PositionArchiver.
func NewArchiver(writer domain.BlobWriter, store ClosedPositionStore, audit domain.AuditStore) *PositionArchiver {
	return &PositionArchiver{writer: writer, store: store, audit: audit, now: time.Now}
}

// ArchivePositions uploads every unarchived position closed before the
// cutoff and returns how many were archived.
func (a *PositionArchiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.store.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before, a.now())
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
	}
	if err := a.store.MarkArchived(ctx, ids); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions mark: %w", err)
	}

	count := int64(len(positions))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
		}
	}
	return count, nil
}

// Run archives positions older than age every interval until ctx ends.
func (a *PositionArchiver) Run(ctx context.Context, interval, age time.Duration, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "archiver"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.ArchivePositions(ctx, a.now().Add(-age))
			if err != nil {
				logger.Error("archive failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Info("positions archived", slog.Int64("count", n))
			}
		}
	}
}

// archivePath partitions archives by the cutoff month and stamps each run so
// repeated runs in one month never overwrite each other:
//
//	archive/positions/2026-03/20260401T000000Z.jsonl
func archivePath(kind string, before, runAt time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind, before.UTC().Format("2006-01"), runAt.UTC().Format("20060102T150405Z"))
}

// marshalJSONL encodes records one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

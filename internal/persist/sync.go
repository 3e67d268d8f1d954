// Package persist mirrors the live position store to the durable
// repository: idempotent upserts keyed by id, bounded retry, and a
// coalescing flush loop.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/position"
)

// Config tunes the sync loop.
type Config struct {
	FlushInterval  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UnhealthyAfter int
	// Parallel bounds concurrent upserts within one flush.
	Parallel int
	// RetireTimeout bounds the synchronous final write in Retire.
	RetireTimeout time.Duration
}

// Sync writes dirty positions to the repository. Memory stays
// authoritative: a write that exhausts its retries is re-marked dirty and
// tried again on the next flush.
type Sync struct {
	cfg    Config
	repo   domain.PositionRepository
	store  *position.Store
	logger *slog.Logger

	mu      sync.Mutex
	retired map[string]domain.Position

	failedFlushes atomic.Int64
	written       atomic.Int64
	lastErr       atomic.Value // string
}

// New creates a Sync.
func New(cfg Config, repo domain.PositionRepository, store *position.Store, logger *slog.Logger) *Sync {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 8
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RetireTimeout <= 0 {
		cfg.RetireTimeout = 10 * time.Second
	}
	return &Sync{
		cfg:     cfg,
		repo:    repo,
		store:   store,
		logger:  logger.With(slog.String("component", "persist")),
		retired: make(map[string]domain.Position),
	}
}

func (s *Sync) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
	}
	if s.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.cfg.MaxBackoff
	}
	return b
}

// retry runs op with bounded exponential backoff. Errors wrapped with
// backoff.Permanent and context cancellation stop immediately.
func retry[T any](ctx context.Context, s *Sync, what string, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(s.backOff()),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("retrying",
				slog.String("op", what),
				slog.Duration("in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// UpsertPosition writes p keyed by id with retry. Writing identical content
// twice leaves one row.
func (s *Sync) UpsertPosition(ctx context.Context, p domain.Position) error {
	_, err := retry(ctx, s, "upsert", func() (struct{}, error) {
		return struct{}{}, s.repo.UpsertPosition(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("persist: upsert %s: %w", p.ID, err)
	}
	s.written.Add(1)
	return nil
}

// Create inserts a new position. A duplicate id or live slot comes back as
// domain.ErrAlreadyExists without retrying.
func (s *Sync) Create(ctx context.Context, p domain.Position) error {
	_, err := retry(ctx, s, "insert", func() (struct{}, error) {
		err := s.repo.Insert(ctx, p)
		if errors.Is(err, domain.ErrAlreadyExists) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("persist: create %s: %w", p.ID, err)
	}
	s.written.Add(1)
	return nil
}

// Load returns the active positions owned by machineID.
func (s *Sync) Load(ctx context.Context, machineID string) ([]domain.Position, error) {
	out, err := retry(ctx, s, "load", func() ([]domain.Position, error) {
		return s.repo.LoadActivePositions(ctx, machineID)
	})
	if err != nil {
		return nil, fmt.Errorf("persist: load %s: %w", machineID, err)
	}
	return out, nil
}

// Retire writes the final state of a position that is leaving the live
// store before returning, so the durable live slot is free by the time the
// in-memory one is. A write that exhausts its retries is queued for the
// next flush.
func (s *Sync) Retire(p domain.Position) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RetireTimeout)
	defer cancel()
	if err := s.UpsertPosition(ctx, p); err != nil {
		s.logger.Warn("retire write failed, queued for next flush",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
		s.queueRetired(p)
	}
}

func (s *Sync) queueRetired(p domain.Position) {
	s.mu.Lock()
	if cur, ok := s.retired[p.ID]; !ok || cur.Version < p.Version {
		s.retired[p.ID] = p
	}
	s.mu.Unlock()
}

// Flush writes every dirty and retired position once. Mutations that landed
// since the last flush collapse into a single write per id.
func (s *Sync) Flush(ctx context.Context) error {
	ids := s.store.DrainDirty()

	s.mu.Lock()
	retired := s.retired
	s.retired = make(map[string]domain.Position)
	s.mu.Unlock()

	if len(ids) == 0 && len(retired) == 0 {
		return nil
	}

	batch := make([]domain.Position, 0, len(ids)+len(retired))
	for _, id := range ids {
		if _, ok := retired[id]; ok {
			continue
		}
		if p, _, ok := s.store.Get(id); ok {
			batch = append(batch, p)
		}
	}
	for _, p := range retired {
		batch = append(batch, p)
	}

	var (
		failMu sync.Mutex
		failed []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallel)
	for _, p := range batch {
		g.Go(func() error {
			if err := s.UpsertPosition(gctx, p); err != nil {
				s.requeue(p)
				failMu.Lock()
				failed = append(failed, err)
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		n := s.failedFlushes.Add(1)
		err := errors.Join(failed...)
		s.lastErr.Store(err.Error())
		s.logger.ErrorContext(ctx, "flush failed, memory remains authoritative",
			slog.Int("failed", len(failed)),
			slog.Int("batch", len(batch)),
			slog.Int64("consecutive_failed_flushes", n),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.failedFlushes.Store(0)
	s.logger.DebugContext(ctx, "flushed", slog.Int("positions", len(batch)))
	return nil
}

// requeue schedules p for the next flush.
func (s *Sync) requeue(p domain.Position) {
	if _, _, live := s.store.Get(p.ID); live {
		s.store.MarkDirty(p.ID)
		return
	}
	s.queueRetired(p)
}

// Run flushes every FlushInterval until ctx is cancelled, then performs one
// final flush with a short grace period.
func (s *Sync) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			err := s.Flush(fctx)
			cancel()
			if err != nil {
				s.logger.Error("final flush failed", slog.String("error", err.Error()))
			}
			return ctx.Err()
		case <-ticker.C:
			_ = s.Flush(ctx)
		}
	}
}

// Healthy is false once UnhealthyAfter consecutive flushes have failed.
func (s *Sync) Healthy() bool {
	return s.cfg.UnhealthyAfter <= 0 || s.failedFlushes.Load() < int64(s.cfg.UnhealthyAfter)
}

// LastError returns the most recent flush error, if any.
func (s *Sync) LastError() string {
	v, _ := s.lastErr.Load().(string)
	return v
}

// Written returns the number of successful writes.
func (s *Sync) Written() int64 { return s.written.Load() }

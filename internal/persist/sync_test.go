package persist_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/persist"
	"github.com/alanyoungcy/hedgebot/internal/position"
)

var errTransient = errors.New("connection reset")

type fakeRepo struct {
	mu       sync.Mutex
	rows     map[string]domain.Position
	upserts  int
	failNext int
}

func newFakeRepo() *fakeRepo { return &fakeRepo{rows: make(map[string]domain.Position)} }

func (r *fakeRepo) Insert(_ context.Context, p domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.rows[p.ID] = p
	return nil
}

func (r *fakeRepo) UpsertPosition(_ context.Context, p domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.failNext > 0 {
		r.failNext--
		return errTransient
	}
	r.rows[p.ID] = p
	return nil
}

func (r *fakeRepo) LoadActivePositions(_ context.Context, machineID string) ([]domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Position
	for _, p := range r.rows {
		if p.MachineID == machineID && p.State != domain.StateClose {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (r *fakeRepo) ListClosedBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (r *fakeRepo) row(id string) (domain.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	return p, ok
}

func (r *fakeRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

func newSync(repo *fakeRepo, store *position.Store, attempts, unhealthy int) *persist.Sync {
	return persist.New(persist.Config{
		FlushInterval:  10 * time.Millisecond,
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		UnhealthyAfter: unhealthy,
	}, repo, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pos(id string) domain.Position {
	return domain.Position{
		ID:        id,
		MachineID: "m1",
		Symbol:    "BTCUSDT",
		Side:      domain.Buy,
		Source:    id,
		State:     domain.StateAssign,
		RiskMode:  domain.RiskInitial,
	}
}

func bump(t *testing.T, s *position.Store, id string) {
	t.Helper()
	_, err := s.Upsert(id, func(p *domain.Position) error {
		p.AddCount++
		return nil
	})
	require.NoError(t, err)
}

func TestFlush_CoalescesMutations(t *testing.T) {
	store := position.NewStore()
	repo := newFakeRepo()
	s := newSync(repo, store, 3, 0)
	require.NoError(t, store.Insert(pos("a")))

	for i := 0; i < 25; i++ {
		bump(t, store, "a")
	}
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 1, repo.calls())
	row, ok := repo.row("a")
	require.True(t, ok)
	assert.Equal(t, 25, row.AddCount)

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, repo.calls(), "nothing dirty, nothing written")
}

func TestUpsertPosition_RetriesTransientErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.failNext = 2
	s := newSync(repo, position.NewStore(), 3, 0)

	require.NoError(t, s.UpsertPosition(context.Background(), pos("a")))
	assert.Equal(t, 3, repo.calls())
}

func TestFlush_ExhaustedRetriesRequeueAndReportHealth(t *testing.T) {
	store := position.NewStore()
	repo := newFakeRepo()
	s := newSync(repo, store, 2, 2)
	require.NoError(t, store.Insert(pos("a")))
	bump(t, store, "a")

	repo.failNext = 4
	require.ErrorIs(t, s.Flush(context.Background()), errTransient)
	assert.True(t, s.Healthy())
	assert.Equal(t, 1, store.DirtyCount(), "memory stays authoritative and is retried")

	require.Error(t, s.Flush(context.Background()))
	assert.False(t, s.Healthy())
	assert.Contains(t, s.LastError(), "connection reset")

	require.NoError(t, s.Flush(context.Background()))
	assert.True(t, s.Healthy())
	_, ok := repo.row("a")
	assert.True(t, ok)
}

func TestCreate_DuplicateIsDistinguishable(t *testing.T) {
	repo := newFakeRepo()
	s := newSync(repo, position.NewStore(), 3, 0)

	require.NoError(t, s.Create(context.Background(), pos("a")))
	err := s.Create(context.Background(), pos("a"))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestRetire_WritesFinalStateBeforeReturning(t *testing.T) {
	store := position.NewStore()
	repo := newFakeRepo()
	s := newSync(repo, store, 3, 0)
	require.NoError(t, store.Insert(pos("a")))

	closed, err := store.Upsert("a", func(p *domain.Position) error {
		return p.Transition(domain.StateClose, "low investment", time.Now())
	})
	require.NoError(t, err)
	s.Retire(closed)
	store.Remove("a")

	row, ok := repo.row("a")
	require.True(t, ok, "written without waiting for a flush")
	assert.Equal(t, domain.StateClose, row.State)
	assert.Equal(t, "low investment", row.CloseReason)

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, repo.calls())
}

func TestRetire_FailedWriteIsFlushedLater(t *testing.T) {
	store := position.NewStore()
	repo := newFakeRepo()
	s := newSync(repo, store, 2, 0)
	closed := pos("a")
	closed.State = domain.StateClose
	closed.Version = 3

	repo.failNext = 2
	s.Retire(closed)
	_, ok := repo.row("a")
	require.False(t, ok)

	require.NoError(t, s.Flush(context.Background()))
	row, ok := repo.row("a")
	require.True(t, ok)
	assert.Equal(t, domain.StateClose, row.State)
	assert.Equal(t, int64(3), row.Version)
}

func TestLoad(t *testing.T) {
	repo := newFakeRepo()
	require.NoError(t, repo.Insert(context.Background(), pos("a")))
	closed := pos("b")
	closed.State = domain.StateClose
	require.NoError(t, repo.Insert(context.Background(), closed))

	s := newSync(repo, position.NewStore(), 1, 0)
	got, err := s.Load(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestRun_FinalFlushOnShutdown(t *testing.T) {
	store := position.NewStore()
	repo := newFakeRepo()
	s := persist.New(persist.Config{FlushInterval: time.Hour, MaxAttempts: 1}, repo, store,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, store.Insert(pos("a")))
	bump(t, store, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, ok := repo.row("a")
	assert.True(t, ok)
}

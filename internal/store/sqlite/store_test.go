package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/store/sqlite"
)

func open(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func position(id, source string) domain.Position {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Position{
		ID:         id,
		MachineID:  "m1",
		Symbol:     "BTCUSDT",
		Side:       domain.Buy,
		Interval:   "5m",
		Source:     source,
		CandleTime: now,
		Investment: 100,
		State:      domain.StateRunning,
		RiskMode:   domain.RiskInitial,
		Entry:      domain.Leg{Side: domain.Buy, Qty: 1, Price: 100},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestUpsert_IdempotentSingleRow(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	p := position("p1", "ema")
	p.Version = 3

	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertPosition(ctx, p))
	}
	active, err := s.LoadActivePositions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(3), active[0].Version)
}

func TestUpsert_OlderVersionIgnored(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	p := position("p1", "ema")
	p.Version = 5
	p.State = domain.StateHedgeHold
	p.Hedge = &domain.Leg{Side: domain.Sell, Qty: 1, Price: 97}
	require.NoError(t, s.UpsertPosition(ctx, p))

	old := position("p1", "ema")
	old.Version = 4
	require.NoError(t, s.UpsertPosition(ctx, old))

	got, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateHedgeHold, got.State)
	require.NotNil(t, got.Hedge)
	assert.Equal(t, 97.0, got.Hedge.Price)
}

func TestInsert_DuplicateIDAndLiveSlot(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, position("p1", "ema")))
	require.ErrorIs(t, s.Insert(ctx, position("p1", "ema")), domain.ErrAlreadyExists)
	require.ErrorIs(t, s.Insert(ctx, position("p2", "ema")), domain.ErrAlreadyExists)
	require.NoError(t, s.Insert(ctx, position("p3", "rsi")))

	closed := position("p1", "ema")
	closed.State = domain.StateClose
	closed.ClosedAt = closed.CreatedAt.Add(time.Hour)
	closed.Version = 1
	require.NoError(t, s.UpsertPosition(ctx, closed))
	require.NoError(t, s.Insert(ctx, position("p2", "ema")), "closing frees the slot")

	_, err := s.GetByID(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClosedBeforeAndArchive(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		p := position(id, id)
		p.State = domain.StateClose
		p.ClosedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.UpsertPosition(ctx, p))
	}
	require.NoError(t, s.UpsertPosition(ctx, position("live", "live")))

	old, err := s.ListClosedBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, "a", old[0].ID)

	require.NoError(t, s.MarkArchived(ctx, []string{"a"}))
	old, err = s.ListClosedBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "b", old[0].ID)
}

func TestAuditLog(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "position.open", map[string]any{"id": "p1"}))
	require.NoError(t, s.Log(ctx, "position.close", nil))

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "position.close", all[0].Event)
	assert.Nil(t, all[0].Detail)
	assert.Equal(t, "p1", all[1].Detail["id"])

	one, err := s.List(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "position.open", one[0].Event)
}

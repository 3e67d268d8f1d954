package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/store/postgres"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/hedge?sslmode=disable",
		postgres.DSN(postgres.ClientConfig{Host: "db", Database: "hedge", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", postgres.DSN(postgres.ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

// connect returns a migrated client against HEDGEBOT_TEST_POSTGRES_DSN, or
// skips the test when it is unset.
func connect(t *testing.T) *postgres.Client {
	t.Helper()
	dsn := os.Getenv("HEDGEBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HEDGEBOT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := postgres.New(ctx, postgres.ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	_, err = c.Pool().Exec(ctx, "TRUNCATE positions, audit_log")
	require.NoError(t, err)
	return c
}

func position(id, source string) domain.Position {
	now := time.Now().UTC().Truncate(time.Microsecond)
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

func TestPositionStore_UpsertIdempotentAndLiveSlot(t *testing.T) {
	c := connect(t)
	s := postgres.NewPositionStore(c.Pool())
	ctx := context.Background()

	p := position("p1", "ema")
	require.NoError(t, s.Insert(ctx, p))
	require.ErrorIs(t, s.Insert(ctx, p), domain.ErrAlreadyExists)
	require.ErrorIs(t, s.Insert(ctx, position("p2", "ema")), domain.ErrAlreadyExists)

	p.Version = 2
	p.State = domain.StateHedgeHold
	p.Hedge = &domain.Leg{Side: domain.Sell, Qty: 1, Price: 98}
	require.NoError(t, s.UpsertPosition(ctx, p))
	require.NoError(t, s.UpsertPosition(ctx, p))

	stale := p
	stale.Version = 1
	stale.State = domain.StateRunning
	stale.Hedge = nil
	require.NoError(t, s.UpsertPosition(ctx, stale))

	got, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateHedgeHold, got.State)
	require.NotNil(t, got.Hedge)
	assert.Equal(t, 98.0, got.Hedge.Price)

	active, err := s.LoadActivePositions(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	released := p
	released.Version = 3
	released.State = domain.StateRunning
	released.Hedge = nil
	released.FloorBase = 98
	require.NoError(t, s.UpsertPosition(ctx, released))
	got, err = s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 98.0, got.FloorBase)

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStore_LogAndList(t *testing.T) {
	c := connect(t)
	a := postgres.NewAuditStore(c.Pool())
	ctx := context.Background()

	require.NoError(t, a.Log(ctx, "position.open", map[string]any{"id": "p1"}))
	require.NoError(t, a.Log(ctx, "position.close", nil))

	entries, err := a.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "position.close", entries[0].Event)
	assert.Equal(t, "p1", entries[1].Detail["id"])
}

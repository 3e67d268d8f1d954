package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/position"
	"github.com/alanyoungcy/hedgebot/internal/service"
)

type fakeDurable struct {
	mu      sync.Mutex
	created []string
	active  []domain.Position
	err     error
	// pending is a slot held by a retired row until the next flush.
	pending bool
	flushes int
}

func (d *fakeDurable) Create(_ context.Context, p domain.Position) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.pending {
		return domain.ErrAlreadyExists
	}
	d.created = append(d.created, p.ID)
	return nil
}

func (d *fakeDurable) Flush(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
	d.pending = false
	return nil
}

func (d *fakeDurable) Load(context.Context, string) ([]domain.Position, error) {
	return d.active, nil
}

type fakeStarter struct {
	mu  sync.Mutex
	ids []string
}

func (s *fakeStarter) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

type fakeLocks struct{ held atomic.Bool }

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, domain.ErrLockHeld
	}
	return func() { l.held.Store(false) }, nil
}

type fakeExchange struct {
	domain.ExchangeClient
	open []domain.ExchangePosition
}

func (e fakeExchange) OpenPositions(context.Context) ([]domain.ExchangePosition, error) {
	return e.open, nil
}

type nopTelemetry struct{}

func (nopTelemetry) LogEvent(string, string, string, float64) {}
func (nopTelemetry) LogError(error, string, string)           {}

type fixture struct {
	svc     *service.PositionService
	store   *position.Store
	durable *fakeDurable
	starter *fakeStarter
}

func newFixture(locks domain.LockManager, ex domain.ExchangeClient) fixture {
	store := position.NewStore()
	durable := &fakeDurable{}
	starter := &fakeStarter{}
	svc := service.NewPositionService(
		service.Config{MachineID: "m1", DefaultInvestment: 100, MinProfit: 0.02},
		store, durable, nil, starter, locks, ex, nopTelemetry{},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return fixture{svc: svc, store: store, durable: durable, starter: starter}
}

var candle = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signal() domain.EntrySignal {
	return domain.EntrySignal{Symbol: "btcusdt", Side: domain.Buy, Interval: "5m", Source: "ema", CandleTime: candle}
}

func TestOpen_DefaultsAndDerivedID(t *testing.T) {
	f := newFixture(nil, nil)
	p, err := f.svc.Open(context.Background(), signal())
	require.NoError(t, err)

	assert.Equal(t, domain.DerivePositionID("BTCUSDT", domain.Buy, candle, "ema"), p.ID)
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, "m1", p.MachineID)
	assert.Equal(t, 100.0, p.Investment)
	assert.Equal(t, domain.StateAssign, p.State)
	assert.Equal(t, domain.RiskInitial, p.RiskMode)
	assert.Equal(t, []string{p.ID}, f.durable.created)
	assert.Equal(t, []string{p.ID}, f.starter.ids)
}

func TestOpen_ConcurrentDuplicatesCreateOnce(t *testing.T) {
	f := newFixture(nil, nil)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Open(context.Background(), signal())
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Len(t, f.durable.created, 1)
	assert.Len(t, f.starter.ids, 1)
	assert.Equal(t, 1, f.store.Len())
}

func TestOpen_LockHeldElsewhere(t *testing.T) {
	locks := &fakeLocks{}
	locks.held.Store(true)
	f := newFixture(locks, nil)

	_, err := f.svc.Open(context.Background(), signal())
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Zero(t, f.store.Len())
}

func TestOpen_DurableFailureRollsBack(t *testing.T) {
	f := newFixture(nil, nil)
	f.durable.err = errors.New("db down")

	_, err := f.svc.Open(context.Background(), signal())
	require.Error(t, err)
	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.starter.ids)

	f.durable.err = nil
	_, err = f.svc.Open(context.Background(), signal())
	require.NoError(t, err)
}

func TestOpen_FlushesRetiredSlotBeforeGivingUp(t *testing.T) {
	f := newFixture(nil, nil)
	f.durable.pending = true

	p, err := f.svc.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, 1, f.durable.flushes)
	assert.Equal(t, []string{p.ID}, f.durable.created)
	assert.Equal(t, []string{p.ID}, f.starter.ids)
}

func TestOpen_RejectsBadSignal(t *testing.T) {
	f := newFixture(nil, nil)
	sig := signal()
	sig.Side = "LONG"
	_, err := f.svc.Open(context.Background(), sig)
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestRestore(t *testing.T) {
	f := newFixture(nil, nil)
	f.durable.active = []domain.Position{
		{ID: "a", Symbol: "BTCUSDT", Side: domain.Buy, Source: "x", State: domain.StateRunning, RiskMode: domain.RiskInitial},
		{ID: "b", Symbol: "BTCUSDT", Side: domain.Buy, Source: "x", State: domain.StateRunning, RiskMode: domain.RiskInitial},
	}

	n, err := f.svc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "second row collides on the live slot")
	assert.Equal(t, []string{"a"}, f.starter.ids)
}

func TestReconcile(t *testing.T) {
	ex := fakeExchange{open: []domain.ExchangePosition{
		{Symbol: "BTCUSDT", Side: domain.Buy, Qty: 1},
		{Symbol: "XRPUSDT", Side: domain.Sell, Qty: 10},
	}}
	f := newFixture(nil, ex)
	for _, p := range []domain.Position{
		{ID: "a", Symbol: "BTCUSDT", Side: domain.Buy, Source: "x", State: domain.StateRunning, Entry: domain.Leg{Side: domain.Buy, Qty: 1}},
		{ID: "b", Symbol: "ETHUSDT", Side: domain.Buy, Source: "x", State: domain.StateRunning, Entry: domain.Leg{Side: domain.Buy, Qty: 1}},
		{ID: "c", Symbol: "SOLUSDT", Side: domain.Buy, Source: "x", State: domain.StateAssign},
	} {
		require.NoError(t, f.store.Insert(p))
	}

	report, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.Missing)
	require.Len(t, report.Orphans, 1)
	assert.Equal(t, "XRPUSDT", report.Orphans[0].Symbol)
}

func TestGet(t *testing.T) {
	f := newFixture(nil, nil)
	p, err := f.svc.Open(context.Background(), signal())
	require.NoError(t, err)

	d, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, d.Live)

	_, err = f.svc.Get(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, f.svc.List(), 1)
}

package worker_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/exchange"
	"github.com/alanyoungcy/hedgebot/internal/hedge"
	"github.com/alanyoungcy/hedgebot/internal/position"
	"github.com/alanyoungcy/hedgebot/internal/strategy"
	"github.com/alanyoungcy/hedgebot/internal/worker"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type nopTelemetry struct{}

func (nopTelemetry) LogEvent(string, string, string, float64) {}
func (nopTelemetry) LogError(error, string, string)            {}

type signals struct {
	mu   sync.Mutex
	rows map[string]domain.SignalRow
}

func (s *signals) GetSnapshot(_ context.Context, symbol, interval string, kind domain.CandleKind) (domain.SignalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[interval]
	if !ok {
		return domain.SignalRow{}, domain.ErrNoData
	}
	row.Symbol, row.Interval, row.Kind = symbol, interval, kind
	return row, nil
}

type rig struct {
	store   *position.Store
	paper   *exchange.Paper
	signals *signals
	eval    *worker.Evaluator
	closed  []domain.Position
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		store:   position.NewStore(),
		paper:   exchange.NewPaper(nil, map[string]float64{"BTCUSDT": 0.01}, 0),
		signals: &signals{rows: map[string]domain.SignalRow{}},
	}
	th := strategy.DefaultThresholds()
	th.CommissionRate = 0
	engine, err := strategy.NewEngine(strategy.DefaultRegistry(),
		[]string{"volatility_guard", "loss_floor", "trailing_stop", "trend_confirmation", "add_investment"}, th)
	require.NoError(t, err)

	clock := func() time.Time { return t0 }
	mgr := hedge.NewManager(hedge.Config{}, r.store, r.paper, nopTelemetry{}, discard()).WithClock(clock)
	r.eval = worker.NewEvaluator(worker.Config{
		CandleKind:     domain.CandleHeikinAshi,
		SignalTimeout:  time.Second,
		InitialStopPct: 0.03,
		TakeProfitPct:  0.1,
		MinProfit:      0.02,
	}, r.store, engine, mgr, r.paper, r.signals, nopTelemetry{}, discard()).WithClock(clock)
	r.eval.OnClose(func(p domain.Position) { r.closed = append(r.closed, p) })
	return r
}

func (r *rig) flat() {
	r.signals.mu.Lock()
	defer r.signals.mu.Unlock()
	for _, iv := range []string{"5m", "15m", "1h"} {
		r.signals.rows[iv] = domain.SignalRow{Trend: domain.TrendFlat, Low: 100, High: 101, RSI: 50}
	}
}

func (r *rig) price(id string, mark float64) {
	r.paper.SetMark("BTCUSDT", mark)
	r.store.SetPrice(id, mark, time.Now())
}

func assign(investment float64) domain.Position {
	return domain.Position{
		ID:         "w1",
		Symbol:     "BTCUSDT",
		Side:       domain.Buy,
		Interval:   "5m",
		Source:     "s",
		Investment: investment,
		State:      domain.StateAssign,
		RiskMode:   domain.RiskInitial,
	}
}

func TestEvaluate_NoPriceLeavesAssign(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.store.Insert(assign(100)))

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, _ := r.store.Get("w1")
	assert.Equal(t, domain.StateAssign, p.State)
}

func TestEvaluate_LowInvestmentCloses(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.store.Insert(assign(0.5)))
	r.price("w1", 100)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, _ := r.store.Get("w1")
	assert.Equal(t, domain.StateClose, p.State)
	assert.Equal(t, worker.ReasonLowInvestment, p.CloseReason)
	require.Len(t, r.closed, 1)
}

func TestEvaluate_EntryPlacesOrderAndStops(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.store.Insert(assign(200)))
	r.price("w1", 100)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, _ := r.store.Get("w1")
	assert.Equal(t, domain.StateRunning, p.State)
	assert.Equal(t, 2.0, p.Entry.Qty)
	assert.Equal(t, 100.0, p.Entry.Price)
	assert.InDelta(t, 97, p.StopPrice, 1e-9)
	assert.InDelta(t, 110, p.TakeProfit, 1e-9)
	assert.Equal(t, 0.02, p.MinProfit)

	stop, tp := r.paper.Protective("w1")
	assert.InDelta(t, 97, stop, 1e-9)
	assert.InDelta(t, 110, tp, 1e-9)
}

func enter(t *testing.T, r *rig) {
	t.Helper()
	require.NoError(t, r.store.Insert(assign(200)))
	r.price("w1", 100)
	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
}

func TestEvaluate_SignalMissLeavesPositionUntouched(t *testing.T) {
	r := newRig(t)
	enter(t, r)
	before, _, _ := r.store.Get("w1")
	r.price("w1", 90)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	after, _, _ := r.store.Get("w1")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, domain.StateRunning, after.State)
}

// BUY position with an unrealized loss past the floor in initial risk mode
// moves to HEDGE_HOLD with a SELL leg of the same size at the current price.
func TestEvaluate_LossFloorHedges(t *testing.T) {
	r := newRig(t)
	enter(t, r)
	r.flat()
	r.price("w1", 97.5)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, snap, _ := r.store.Get("w1")
	assert.Equal(t, domain.StateHedgeHold, p.State)
	require.NotNil(t, p.Hedge)
	assert.Equal(t, domain.Sell, p.Hedge.Side)
	assert.Equal(t, p.Entry.Qty, p.Hedge.Qty)
	assert.Equal(t, 97.5, p.Hedge.Price)
	assert.Equal(t, domain.ActionOpenHedge, snap.LastDecision.Action)
}

func TestEvaluate_ReleaseThenFreshRunningEvaluation(t *testing.T) {
	r := newRig(t)
	enter(t, r)
	r.flat()
	r.price("w1", 97.5)
	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))

	r.signals.mu.Lock()
	for _, iv := range []string{"5m", "15m", "1h"} {
		r.signals.rows[iv] = domain.SignalRow{Trend: domain.TrendUp, Low: 100, High: 101, RSI: 55}
	}
	r.signals.mu.Unlock()
	r.price("w1", 99)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, snap, _ := r.store.Get("w1")
	assert.Equal(t, domain.StateRunning, p.State)
	assert.Nil(t, p.Hedge)
	assert.InDelta(t, -3, p.RealizedPnL, 1e-9)
	assert.Equal(t, domain.ActionNone, snap.LastDecision.Action, "released position was decided again in the same cycle")
}

// A release deep under the floor must not hedge again on every later cycle:
// the floor is measured from the release price until the leg recovers.
func TestEvaluate_ReleaseBelowFloorDoesNotRehedge(t *testing.T) {
	r := newRig(t)
	enter(t, r)
	r.flat()
	r.price("w1", 97.5)
	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))

	r.signals.mu.Lock()
	for _, iv := range []string{"5m", "15m", "1h"} {
		r.signals.rows[iv] = domain.SignalRow{Trend: domain.TrendUp, Low: 100, High: 101, RSI: 55}
	}
	r.signals.mu.Unlock()
	r.price("w1", 97)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
		p, snap, _ := r.store.Get("w1")
		require.Equal(t, domain.StateRunning, p.State, "cycle %d", i)
		assert.Nil(t, p.Hedge, "cycle %d", i)
		assert.NotEqual(t, domain.ActionOpenHedge, snap.LastDecision.Action, "cycle %d", i)
	}

	p, _, _ := r.store.Get("w1")
	assert.Equal(t, 97.0, p.FloorBase)
	assert.InDelta(t, 1, p.RealizedPnL, 1e-9)

	open, err := r.paper.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.Buy, open[0].Side)
	assert.Equal(t, 2.0, open[0].Qty)

	// A further 2% slide from the release price hedges again.
	r.price("w1", 95)
	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, _ = r.store.Get("w1")
	assert.Equal(t, domain.StateHedgeHold, p.State)
}

// Recovering out of the warning band clears the release baseline.
func TestEvaluate_RecoveryRearmsFloor(t *testing.T) {
	r := newRig(t)
	enter(t, r)
	r.flat()
	_, err := r.store.Upsert("w1", func(p *domain.Position) error {
		p.FloorBase = 97
		return nil
	})
	require.NoError(t, err)
	r.price("w1", 99.5)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, _ := r.store.Get("w1")
	assert.Equal(t, domain.StateRunning, p.State)
	assert.Zero(t, p.FloorBase)
}

// BUY position above its profit target whose price crosses below the stop
// closes at the crossing price.
func TestEvaluate_ExitAtCrossingPrice(t *testing.T) {
	r := newRig(t)
	enter(t, r)
	r.flat()

	_, err := r.store.Upsert("w1", func(p *domain.Position) error {
		p.StopPrice = 104
		p.RiskMode = domain.RiskTrend
		return nil
	})
	require.NoError(t, err)
	r.price("w1", 103.9)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, ok := r.store.Get("w1")
	require.True(t, ok, "retirement is the supervisor's job")
	assert.Equal(t, domain.StateClose, p.State)
	assert.Equal(t, 103.9, p.ClosePrice)
	require.Len(t, r.closed, 1)
	stop, tp := r.paper.Protective("w1")
	assert.Zero(t, stop, "resting orders cancelled on close")
	assert.Zero(t, tp)

	// Absorbing: later cycles never move it again.
	r.price("w1", 80)
	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	again, _, _ := r.store.Get("w1")
	assert.Equal(t, p.Version, again.Version)
}

func TestEvaluate_TrailingStopRaisesStop(t *testing.T) {
	r := newRig(t)
	enter(t, r)
	r.flat()
	r.price("w1", 103)

	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, _ := r.store.Get("w1")
	assert.InDelta(t, 101.97, p.StopPrice, 1e-9)
	assert.Equal(t, domain.RiskTrend, p.RiskMode)

	r.price("w1", 102.5)
	require.NoError(t, r.eval.Evaluate(context.Background(), "w1"))
	p, _, _ = r.store.Get("w1")
	assert.InDelta(t, 101.97, p.StopPrice, 1e-9, "stop never retreats")
}

type fakePool struct {
	mu        sync.Mutex
	submitted map[string]int
	forgotten []string
}

func (f *fakePool) Submit(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted[id]++
	return nil
}

func (f *fakePool) Forget(id string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, id)
	f.mu.Unlock()
}

func (f *fakePool) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[id]
}

type retired struct {
	mu  sync.Mutex
	ids []string
}

func (r *retired) Retire(p domain.Position) {
	r.mu.Lock()
	r.ids = append(r.ids, p.ID)
	r.mu.Unlock()
}

type crashes struct{ n int }

func (c *crashes) ReportCrash(any) { c.n++ }

func TestSupervisor_TicksNotifiesAndRetires(t *testing.T) {
	store := position.NewStore()
	require.NoError(t, store.Insert(assign(100)))
	pool := &fakePool{submitted: map[string]int{}}
	ret := &retired{}
	sup := worker.NewSupervisor(worker.Config{Cadence: 5 * time.Millisecond, WarningCadence: time.Millisecond},
		store, pool, &crashes{}, ret, nopTelemetry{}, discard())

	notify := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, notify) }()

	require.Eventually(t, func() bool { return pool.count("w1") >= 3 }, time.Second, time.Millisecond)
	notify <- "other"
	require.Eventually(t, func() bool { return pool.count("other") == 1 }, time.Second, time.Millisecond)

	p, _, _ := store.Get("w1")
	sup.Retire(p)
	_, _, ok := store.Get("w1")
	assert.False(t, ok)
	assert.Equal(t, []string{"w1"}, ret.ids)
	assert.Zero(t, sup.Count())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

package strategy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/strategy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func thresholds() strategy.Thresholds {
	th := strategy.DefaultThresholds()
	th.CommissionRate = 0
	return th
}

func newEngine(t *testing.T, names ...string) *strategy.Engine {
	t.Helper()
	if len(names) == 0 {
		names = []string{"volatility_guard", "loss_floor", "trailing_stop", "trend_confirmation", "add_investment"}
	}
	e, err := strategy.NewEngine(strategy.DefaultRegistry(), names, thresholds())
	require.NoError(t, err)
	return e
}

func running(side domain.Side, price float64) domain.Position {
	return domain.Position{
		ID:         "p1",
		Symbol:     "BTCUSDT",
		Side:       side,
		Interval:   "5m",
		Investment: price,
		State:      domain.StateRunning,
		RiskMode:   domain.RiskInitial,
		Entry:      domain.Leg{Side: side, Qty: 1, Price: price},
		MinProfit:  0.02,
	}
}

func input(p domain.Position, mark float64) strategy.Input {
	return strategy.Input{
		Position: p,
		Snapshot: domain.AnalysisSnapshot{Symbol: p.Symbol, MarkPrice: mark, PriceAt: t0},
		Now:      t0,
	}
}

func TestNewEngine_UnknownStrategy(t *testing.T) {
	_, err := strategy.NewEngine(strategy.DefaultRegistry(), []string{"loss_floor", "martingale"}, thresholds())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "martingale")
}

func TestDecide_OnlyRunning(t *testing.T) {
	e := newEngine(t)
	p := running(domain.Buy, 100)
	p.State = domain.StateHedgeClose

	d := e.Decide(input(p, 50))
	assert.Equal(t, domain.ActionNone, d.Action)
	assert.Equal(t, t0, d.At)
}

func TestDecide_NoPrice(t *testing.T) {
	e := newEngine(t)
	in := input(running(domain.Buy, 100), 0)
	d := e.Decide(in)
	assert.Equal(t, domain.ActionNone, d.Action)
	assert.Equal(t, "no price", d.Reason)
}

func TestDecide_LossFloorOpensHedge(t *testing.T) {
	e := newEngine(t)
	d := e.Decide(input(running(domain.Buy, 100), 97.5))
	assert.Equal(t, domain.ActionOpenHedge, d.Action)
	assert.Equal(t, 97.5, d.Price)
	assert.True(t, d.Warning)
}

func TestDecide_VolatilityGuardWins(t *testing.T) {
	e := newEngine(t)
	in := input(running(domain.Buy, 100), 90)
	in.Signals.Primary = &domain.SignalRow{Interval: "5m", Low: 100, High: 110}

	d := e.Decide(in)
	assert.Equal(t, domain.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "volatility_guard")
}

// BUY position above its profit target whose price falls through the stop
// is closed at the crossing price.
func TestDecide_ExitOnStopCross(t *testing.T) {
	e := newEngine(t)
	p := running(domain.Buy, 100)
	p.StopPrice = 104

	d := e.Decide(input(p, 103.9))
	require.Equal(t, domain.ActionExit, d.Action)
	assert.Equal(t, 103.9, d.Price)
}

func TestDecide_StopCrossBelowTargetInInitialModeHolds(t *testing.T) {
	e := newEngine(t, "trailing_stop")
	p := running(domain.Buy, 100)
	p.StopPrice = 101

	d := e.Decide(input(p, 100.5))
	assert.NotEqual(t, domain.ActionExit, d.Action)
}

func TestDecide_StopCrossBelowTargetInTrendModeHolds(t *testing.T) {
	e := newEngine(t, "trailing_stop")
	p := running(domain.Buy, 100)
	p.RiskMode = domain.RiskTrend
	p.StopPrice = 101

	d := e.Decide(input(p, 100.9))
	assert.NotEqual(t, domain.ActionExit, d.Action)

	p.MinClose = true
	d = e.Decide(input(p, 100.9))
	require.Equal(t, domain.ActionExit, d.Action)
	assert.Equal(t, 100.9, d.Price)
}

func TestLossFloor_MeasuredFromFloorBase(t *testing.T) {
	e := newEngine(t, "loss_floor")
	th := thresholds()
	p := running(domain.Buy, 100)
	p.FloorBase = 97

	// 3% under entry but flat since the base: no hedge.
	d := e.Decide(input(p, 97))
	assert.NotEqual(t, domain.ActionOpenHedge, d.Action)
	assert.False(t, strategy.FloorRearmed(p, 97, th))

	// A fresh 2% loss from the base hedges again.
	d = e.Decide(input(p, 95))
	require.Equal(t, domain.ActionOpenHedge, d.Action)
	assert.Equal(t, 95.0, d.Price)

	// Back inside 1.6% of entry the floor measures from entry again.
	assert.False(t, strategy.FloorRearmed(p, 98.3, th))
	assert.True(t, strategy.FloorRearmed(p, 98.5, th))
	p.FloorBase = 0
	assert.False(t, strategy.FloorRearmed(p, 98.5, th))
}

func TestDecide_TargetSwitchesToTrend(t *testing.T) {
	e := newEngine(t, "trailing_stop")
	p := running(domain.Buy, 100)

	d := e.Decide(input(p, 103))
	require.Equal(t, domain.ActionMoveStop, d.Action)
	assert.True(t, d.EnterTrend)
	assert.InDelta(t, 101.97, d.StopPrice, 1e-9)
}

func ratchet(t *testing.T, side domain.Side, path []float64) []float64 {
	t.Helper()
	e := newEngine(t, "trailing_stop")
	p := running(side, 100)
	p.RiskMode = domain.RiskTrend

	var stops []float64
	for _, mark := range path {
		d := e.Decide(input(p, mark))
		if d.Action == domain.ActionExit {
			break
		}
		if d.Action == domain.ActionMoveStop {
			p.StopPrice = d.StopPrice
		}
		stops = append(stops, p.StopPrice)
	}
	return stops
}

func TestTrailingStop_BuyNeverRetreats(t *testing.T) {
	stops := ratchet(t, domain.Buy, []float64{100, 101, 103, 102, 102.5, 105, 104, 106, 105.2})
	require.NotEmpty(t, stops)
	for i := 1; i < len(stops); i++ {
		assert.GreaterOrEqual(t, stops[i], stops[i-1], "step %d", i)
	}
	assert.InDelta(t, 106*0.99, stops[len(stops)-1], 1e-9)
}

func TestTrailingStop_SellNeverRetreats(t *testing.T) {
	stops := ratchet(t, domain.Sell, []float64{100, 99, 97, 97.5, 97.2, 95, 95.5, 94, 94.8})
	require.NotEmpty(t, stops)
	for i := 1; i < len(stops); i++ {
		assert.LessOrEqual(t, stops[i], stops[i-1], "step %d", i)
	}
	assert.InDelta(t, 94*1.01, stops[len(stops)-1], 1e-9)
}

func TestTrendConfirmation_NeedsEveryInterval(t *testing.T) {
	e := newEngine(t, "trend_confirmation")
	p := running(domain.Buy, 100)
	in := input(p, 103)
	in.Signals.Primary = &domain.SignalRow{Interval: "5m", Trend: domain.TrendDown}
	in.Signals.Higher = []domain.SignalRow{
		{Interval: "15m", Trend: domain.TrendDown},
		{Interval: "1h", Trend: domain.TrendUp},
	}

	d := e.Decide(in)
	assert.Equal(t, domain.ActionNone, d.Action, "split intervals must not exit")

	in.Signals.Higher[1].Trend = domain.TrendDown
	d = e.Decide(in)
	assert.Equal(t, domain.ActionExit, d.Action)
}

func TestTrendConfirmation_ArmsMinCloseBelowTarget(t *testing.T) {
	e := newEngine(t, "trend_confirmation")
	in := input(running(domain.Buy, 100), 101)
	in.Signals.Primary = &domain.SignalRow{Interval: "5m", Trend: domain.TrendFlat, RSI: 75}
	in.Signals.Higher = []domain.SignalRow{{Interval: "15m", Trend: domain.TrendDown}}

	d := e.Decide(in)
	assert.Equal(t, domain.ActionNone, d.Action)
	assert.True(t, d.MinClose)
}

func TestTrendConfirmation_SwitchInterval(t *testing.T) {
	e := newEngine(t, "trend_confirmation")
	in := input(running(domain.Sell, 100), 99.5)
	in.Signals.Primary = &domain.SignalRow{Interval: "5m", Trend: domain.TrendUp}
	in.Signals.Higher = []domain.SignalRow{
		{Interval: "15m", Trend: domain.TrendDown},
		{Interval: "1h", Trend: domain.TrendDown},
	}

	d := e.Decide(in)
	assert.Equal(t, domain.ActionSwitchInterval, d.Action)
	assert.Equal(t, "15m", d.Interval)
}

func TestAddInvestment_Cooldown(t *testing.T) {
	e := newEngine(t, "add_investment")
	p := running(domain.Buy, 100)
	p.RiskMode = domain.RiskTrend
	p.LastAddAt = t0.Add(-10 * time.Minute)
	p.AddCount = 1

	in := input(p, 104)
	in.Signals.Primary = &domain.SignalRow{Interval: "5m", Trend: domain.TrendUp}
	assert.Equal(t, domain.ActionNone, e.Decide(in).Action)

	in.Position.LastAddAt = t0.Add(-31 * time.Minute)
	d := e.Decide(in)
	require.Equal(t, domain.ActionAddInvestment, d.Action)
	assert.Equal(t, 50.0, d.Amount)

	in.Position.AddCount = 3
	assert.Equal(t, domain.ActionNone, e.Decide(in).Action)
}

func TestAddInvestment_OnlyTrendMode(t *testing.T) {
	e := newEngine(t, "add_investment")
	in := input(running(domain.Buy, 100), 110)
	assert.Equal(t, domain.ActionNone, e.Decide(in).Action)
}

func TestHigherIntervals(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, []string{"15m", "1h"}, e.HigherIntervals("5m"))
	assert.Empty(t, e.HigherIntervals("1d"))
}

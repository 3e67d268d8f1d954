package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

func TestDerivePositionID_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := domain.DerivePositionID("btcusdt", domain.Buy, ts, "ema_cross")
	b := domain.DerivePositionID("BTCUSDT", domain.Buy, ts.In(time.FixedZone("x", 3600)), "ema_cross")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, domain.DerivePositionID("BTCUSDT", domain.Sell, ts, "ema_cross"))
	assert.NotEqual(t, a, domain.DerivePositionID("BTCUSDT", domain.Buy, ts.Add(time.Minute), "ema_cross"))
	assert.NotEqual(t, a, domain.DerivePositionID("BTCUSDT", domain.Buy, ts, "rsi"))
}

func TestValidate_HedgeFieldsFollowState(t *testing.T) {
	p := domain.Position{ID: "p", Symbol: "ETHUSDT", Side: domain.Buy, State: domain.StateRunning}
	require.NoError(t, p.Validate())

	p.Hedge = &domain.Leg{Side: domain.Sell, Qty: 1, Price: 100}
	assert.Error(t, p.Validate())

	p.State = domain.StateHedgeHold
	require.NoError(t, p.Validate())

	p.Hedge.Side = domain.Buy
	assert.Error(t, p.Validate())

	p.Hedge = nil
	assert.Error(t, p.Validate())
}

func TestPnL_HedgedLegsCancel(t *testing.T) {
	p := domain.Position{
		Side:       domain.Buy,
		Investment: 1000,
		Entry:      domain.Leg{Side: domain.Buy, Qty: 10, Price: 100},
	}
	assert.InDelta(t, -50, p.Unrealized(95, 0), 1e-9)

	p.Hedge = &domain.Leg{Side: domain.Sell, Qty: 10, Price: 95}
	assert.InDelta(t, -50, p.Unrealized(80, 0), 1e-9)
	assert.InDelta(t, -50, p.Unrealized(120, 0), 1e-9)
	assert.InDelta(t, -0.05, p.ProfitRatio(120, 0), 1e-9)
}

func TestStopCrossed(t *testing.T) {
	buy := domain.Position{Side: domain.Buy, StopPrice: 100}
	assert.True(t, buy.StopCrossed(99.9))
	assert.False(t, buy.StopCrossed(100.1))

	sell := domain.Position{Side: domain.Sell, StopPrice: 100}
	assert.True(t, sell.StopCrossed(100))
	assert.False(t, sell.StopCrossed(99))

	assert.True(t, domain.BetterStop(domain.Buy, 100, 101))
	assert.False(t, domain.BetterStop(domain.Buy, 100, 99))
	assert.True(t, domain.BetterStop(domain.Sell, 100, 99))
	assert.True(t, domain.BetterStop(domain.Sell, 0, 120))
}

package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/cache/redis"
	"github.com/alanyoungcy/hedgebot/internal/domain"
)

func TestParseSignalRow(t *testing.T) {
	row, err := redis.ParseSignalRow(map[string]string{
		"open_time": "1772366400000",
		"high":      "101.5",
		"low":       "99",
		"close":     "100.2",
		"rsi":       "71.3",
		"trend":     "UP",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TrendUp, row.Trend)
	assert.Equal(t, 71.3, row.RSI)
	assert.Equal(t, int64(1772366400000), row.OpenTime.UnixMilli())
	assert.Zero(t, row.MACDHist)

	_, err = redis.ParseSignalRow(nil)
	require.ErrorIs(t, err, domain.ErrNoData)

	_, err = redis.ParseSignalRow(map[string]string{"open_time": "x"})
	require.ErrorIs(t, err, domain.ErrNoData)

	row, err = redis.ParseSignalRow(map[string]string{"open_time": "1", "trend": "sideways"})
	require.NoError(t, err)
	assert.Equal(t, domain.TrendFlat, row.Trend)
}

func TestSignalKey(t *testing.T) {
	assert.Equal(t, "signal:BTCUSDT:5m:heikin_ashi", redis.SignalKey("btcusdt", "5m", domain.CandleHeikinAshi))
}

// connect returns a client for HEDGEBOT_TEST_REDIS_ADDR, or skips.
func connect(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("HEDGEBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HEDGEBOT_TEST_REDIS_ADDR not set")
	}
	c, err := redis.New(context.Background(), redis.ClientConfig{Addr: addr, DB: 15})
	require.NoError(t, err)
	require.NoError(t, c.Underlying().FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager_Exclusive(t *testing.T) {
	c := connect(t)
	lm := redis.NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "BTCUSDT|BUY|ema", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "BTCUSDT|BUY|ema", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "BTCUSDT|BUY|ema", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestSharedBudget_ConcurrentSpendNeverExceedsCeiling(t *testing.T) {
	c := connect(t)
	b := redis.NewSharedBudget(redis.NewRateLimiter(c), "acct", 100, 0.95, time.Minute)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(context.Background(), 1); err == nil {
				granted.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrRateLimited)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(95), granted.Load())
}

func TestPriceCacheAndSignals(t *testing.T) {
	c := connect(t)
	ctx := context.Background()

	pc := redis.NewPriceCache(c)
	at := time.UnixMilli(1772366400000)
	require.NoError(t, pc.SetPrice(ctx, "BTCUSDT", 60000.5, at))
	price, ts, err := pc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 60000.5, price)
	assert.True(t, ts.Equal(at))
	_, _, err = pc.GetPrice(ctx, "ETHUSDT")
	require.ErrorIs(t, err, domain.ErrNotFound)

	prices, err := pc.GetPrices(ctx, []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTCUSDT": 60000.5}, prices)

	rdb := c.Underlying()
	require.NoError(t, rdb.HSet(ctx, redis.SignalKey("BTCUSDT", "5m", domain.CandleNormal),
		"open_time", time.Now().UnixMilli(), "trend", "down", "rsi", "28").Err())
	sp := redis.NewSignalProvider(c, time.Hour)
	row, err := sp.GetSnapshot(ctx, "BTCUSDT", "5m", domain.CandleNormal)
	require.NoError(t, err)
	assert.Equal(t, domain.TrendDown, row.Trend)
	assert.Equal(t, "5m", row.Interval)

	_, err = sp.GetSnapshot(ctx, "BTCUSDT", "1h", domain.CandleNormal)
	require.ErrorIs(t, err, domain.ErrNoData)
}

func TestSignalBus_PubSubAndStream(t *testing.T) {
	c := connect(t)
	bus := redis.NewSignalBus(c, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "signals:entry")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "signals:entry", []byte(`{"symbol":"BTCUSDT"}`)))
	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}

	require.NoError(t, bus.StreamAppend(ctx, "positions", []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, "positions", []byte("b")))
	msgs, err := bus.StreamRead(ctx, "positions", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[1].Payload))

	empty, err := bus.StreamRead(ctx, "missing", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

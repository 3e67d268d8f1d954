package scheduler_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/governor"
	"github.com/alanyoungcy/hedgebot/internal/scheduler"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func start(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// A storm of 10,000 ticks for one id over ten simulated seconds runs the job
// once per minimum interval, not 10,000 times.
func TestSubmit_PerIDRateLimit(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	var runs atomic.Int64
	s := scheduler.New(scheduler.Config{PoolSize: 4, QueueDepth: 64, MinInterval: time.Second},
		func(context.Context, string) error {
			runs.Add(1)
			return nil
		}, nil, discard()).WithClock(clk.Now)
	start(t, s)

	for i := 0; i < 10_000; i++ {
		clk.Advance(time.Millisecond)
		if err := s.Submit("p1"); err == nil {
			require.Eventually(t, func() bool { return s.Stats().InFlight == 0 }, time.Second, time.Millisecond)
		}
	}

	st := s.Stats()
	assert.Equal(t, int64(10_000), st.Submitted)
	assert.GreaterOrEqual(t, runs.Load(), int64(10))
	assert.LessOrEqual(t, runs.Load(), int64(11))
	assert.Equal(t, st.Submitted-st.Accepted, st.DroppedRate+st.DroppedPending+st.DroppedFull)
}

func TestSubmit_QueueCeilingAndInFlight(t *testing.T) {
	s := scheduler.New(scheduler.Config{PoolSize: 1, QueueDepth: 2},
		func(context.Context, string) error { return nil }, nil, discard())

	require.NoError(t, s.Submit("a"))
	require.NoError(t, s.Submit("b"))
	require.ErrorIs(t, s.Submit("c"), domain.ErrQueueFull)
	require.ErrorIs(t, s.Submit("a"), domain.ErrAlreadyExists)

	st := s.Stats()
	assert.Equal(t, 2, st.QueueLen)
	assert.Equal(t, int64(1), st.DroppedFull)
	assert.Equal(t, int64(1), st.DroppedPending)
}

func TestRun_DrainsQueue(t *testing.T) {
	var seen sync.Map
	s := scheduler.New(scheduler.Config{PoolSize: 3, QueueDepth: 100},
		func(_ context.Context, id string) error {
			seen.Store(id, true)
			return nil
		}, nil, discard())
	start(t, s)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Submit(fmt.Sprintf("p%d", i)))
	}
	require.Eventually(t, func() bool { return s.Stats().Completed == 50 }, 2*time.Second, 5*time.Millisecond)
	_, ok := seen.Load("p49")
	assert.True(t, ok)
}

func TestRun_PanicsCountTowardDemotion(t *testing.T) {
	policy := governor.NewDemotionPolicy(3)
	s := scheduler.New(scheduler.Config{PoolSize: 2, QueueDepth: 10},
		func(_ context.Context, id string) error {
			if id == "bad" {
				panic("corrupt snapshot")
			}
			return nil
		}, policy, discard())
	start(t, s)

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return s.Submit("bad") == nil }, time.Second, time.Millisecond)
		want := int64(i + 1)
		require.Eventually(t, func() bool { return s.Stats().Crashed == want }, time.Second, time.Millisecond)
	}
	assert.Equal(t, governor.ModeSerial, policy.Mode())

	require.NoError(t, s.Submit("good"))
	require.Eventually(t, func() bool { return s.Stats().Completed == 1 }, time.Second, time.Millisecond)
}

func TestRun_SerialModeRunsOneAtATime(t *testing.T) {
	policy := governor.NewDemotionPolicy(1)
	policy.ReportCrash("forced")
	require.Equal(t, governor.ModeSerial, policy.Mode())

	var cur, peak atomic.Int64
	s := scheduler.New(scheduler.Config{PoolSize: 4, QueueDepth: 16},
		func(context.Context, string) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			return nil
		}, policy, discard())
	start(t, s)

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Submit(fmt.Sprintf("p%d", i)))
	}
	require.Eventually(t, func() bool { return s.Stats().Completed == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), peak.Load())
}

func TestRun_JobTimeout(t *testing.T) {
	s := scheduler.New(scheduler.Config{PoolSize: 1, QueueDepth: 1, JobTimeout: 10 * time.Millisecond},
		func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}, nil, discard())
	start(t, s)

	require.NoError(t, s.Submit("slow"))
	require.Eventually(t, func() bool { return s.Stats().Failed == 1 }, time.Second, time.Millisecond)
}

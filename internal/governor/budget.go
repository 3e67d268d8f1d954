package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// Budget is the external-API weight allowance. Acquire either reserves
// weight or refuses with domain.ErrRateLimited; it never waits.
type Budget interface {
	Acquire(ctx context.Context, weight int) error
}

type spend struct {
	at     time.Time
	weight int
}

// WindowBudget tracks call weight over a rolling window. All access goes
// through one mutex, so it is the single serialized accessor of the
// process-wide counter.
type WindowBudget struct {
	mu        sync.Mutex
	limit     int
	threshold float64
	window    time.Duration
	spends    []spend
	used      int
	refused   int64
	now       func() time.Time
}

// NewWindowBudget returns a budget allowing up to limit*threshold weight in
// any window.
func NewWindowBudget(limit int, threshold float64, window time.Duration) *WindowBudget {
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &WindowBudget{
		limit:     limit,
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (b *WindowBudget) WithClock(now func() time.Time) *WindowBudget {
	b.now = now
	return b
}

func (b *WindowBudget) ceiling() int {
	return int(float64(b.limit) * b.threshold)
}

// prune drops spends that left the window. Caller holds mu.
func (b *WindowBudget) prune(now time.Time) {
	cut := now.Add(-b.window)
	i := 0
	for i < len(b.spends) && !b.spends[i].at.After(cut) {
		b.used -= b.spends[i].weight
		i++
	}
	if i > 0 {
		b.spends = append(b.spends[:0], b.spends[i:]...)
	}
}

// Acquire reserves weight, or refuses when that would push usage in the
// current window past limit*threshold. A refused call should be skipped for
// this cycle; capacity returns as old spends roll out of the window.
func (b *WindowBudget) Acquire(_ context.Context, weight int) error {
	if weight <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)
	if b.used+weight > b.ceiling() {
		b.refused++
		retry := b.window
		if len(b.spends) > 0 {
			retry = b.spends[0].at.Add(b.window).Sub(now)
		}
		return fmt.Errorf("governor: weight %d+%d over %d, retry in %s: %w",
			b.used, weight, b.ceiling(), retry.Round(time.Millisecond), domain.ErrRateLimited)
	}
	b.spends = append(b.spends, spend{at: now, weight: weight})
	b.used += weight
	return nil
}

// Sync absorbs the usage reported by the exchange. When the exchange has
// seen more weight than this process accounted for (other clients on the
// same key, restarts), the difference is charged now.
func (b *WindowBudget) Sync(reported int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.prune(now)
	if diff := reported - b.used; diff > 0 {
		b.spends = append(b.spends, spend{at: now, weight: diff})
		b.used += diff
	}
}

// Usage returns the weight spent in the current window, the hard limit and
// the number of refused acquisitions so far.
func (b *WindowBudget) Usage() (used, limit int, refused int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return b.used, b.limit, b.refused
}

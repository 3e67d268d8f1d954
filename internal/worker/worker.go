// Package worker runs one lightweight scheduled task per live position and
// the evaluation cycle those tasks submit to the simulation pool.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker ticks for one position id. Each tick hands the id to the pool; the
// worker itself does no evaluation, so a slow cycle never delays its tick.
type Worker struct {
	id      string
	stopped atomic.Bool
	done    chan struct{}
}

func newWorker(id string) *Worker {
	return &Worker{id: id, done: make(chan struct{})}
}

// Stop asks the worker to exit at its next tick.
func (w *Worker) Stop() { w.stopped.Store(true) }

// Done is closed when the worker has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// run loops until ctx ends, the stop flag is set, or the position is gone.
// A panic in one iteration is reported and the loop restarts after one
// cadence.
func (w *Worker) run(ctx context.Context, s *Supervisor) {
	defer close(w.done)
	for {
		crashed := w.loop(ctx, s)
		if !crashed || w.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Cadence):
		}
	}
}

func (w *Worker) loop(ctx context.Context, s *Supervisor) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			s.logger.Error("worker panicked", slog.String("position_id", w.id), slog.Any("panic", r))
			s.reporter.ReportCrash(r)
		}
	}()

	cadence := s.cfg.Cadence
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if w.stopped.Load() {
			return false
		}
		p, _, ok := s.store.Get(w.id)
		if !ok || p.State.Terminal() {
			return false
		}

		want := s.cfg.Cadence
		if p.Warning && s.cfg.WarningCadence > 0 {
			want = s.cfg.WarningCadence
		}
		if want != cadence {
			cadence = want
			ticker.Reset(cadence)
		}
		s.submit(w.id)
	}
}

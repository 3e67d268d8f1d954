package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/position"
)

// Submitter is the simulation pool.
type Submitter interface {
	Submit(id string) error
	Forget(id string)
}

// CrashReporter receives worker crash accounting.
type CrashReporter interface {
	ReportCrash(cause any)
}

// Retirer takes the final state of a position leaving the live store.
type Retirer interface {
	Retire(p domain.Position)
}

// Supervisor owns the per-position workers. It starts one per live id,
// forwards price-feed wake-ups to the pool, and retires closed positions.
type Supervisor struct {
	cfg       Config
	store     *position.Store
	pool      Submitter
	reporter  CrashReporter
	retirer   Retirer
	telemetry domain.Telemetry
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*Worker
	wg      sync.WaitGroup
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config, store *position.Store, pool Submitter, reporter CrashReporter, retirer Retirer, telemetry domain.Telemetry, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		reporter:  reporter,
		retirer:   retirer,
		telemetry: telemetry,
		logger:    logger.With(slog.String("component", "supervisor")),
		workers:   make(map[string]*Worker),
	}
}

// Start launches a worker for id. Before Run it only records the id.
func (s *Supervisor) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[id]; ok {
		return
	}
	w := newWorker(id)
	s.workers[id] = w
	if s.ctx != nil {
		s.launch(w)
	}
}

// launch starts w's goroutine. Caller holds mu.
func (s *Supervisor) launch(w *Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.ctx, s)
		s.mu.Lock()
		if s.workers[w.id] == w {
			delete(s.workers, w.id)
		}
		s.mu.Unlock()
	}()
}

// Stop sets id's stop flag. The worker exits at its next tick.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// StopAll stops every worker.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ws := s.workers
	s.workers = make(map[string]*Worker)
	s.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

// Count returns the number of managed workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// submit hands id to the pool. Refusals are expected under load.
func (s *Supervisor) submit(id string) {
	err := s.pool.Submit(id)
	if err == nil || errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrAlreadyExists) {
		return
	}
	s.logger.Debug("submit refused", slog.String("position_id", id), slog.String("error", err.Error()))
}

// Retire removes a closed position from the live store after scheduling its
// final write.
func (s *Supervisor) Retire(p domain.Position) {
	s.Stop(p.ID)
	s.retirer.Retire(p)
	s.store.Remove(p.ID)
	s.pool.Forget(p.ID)
	s.logger.Info("position retired",
		slog.String("position_id", p.ID),
		slog.String("reason", p.CloseReason),
		slog.Float64("realized_pnl", p.RealizedPnL),
	)
}

// Run starts workers for every id in the store plus any started earlier,
// then forwards wake-ups from notify until ctx ends. It waits for every
// worker to exit before returning.
func (s *Supervisor) Run(ctx context.Context, notify <-chan string) error {
	s.mu.Lock()
	s.ctx = ctx
	for _, id := range s.store.Snapshot() {
		if _, ok := s.workers[id]; !ok {
			s.workers[id] = newWorker(id)
		}
	}
	for _, w := range s.workers {
		s.launch(w)
	}
	n := len(s.workers)
	s.mu.Unlock()
	s.logger.Info("supervisor started", slog.Int("workers", n))

	for {
		select {
		case <-ctx.Done():
			s.StopAll()
			s.wg.Wait()
			s.logger.Info("supervisor stopped")
			return ctx.Err()
		case id, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			s.submit(id)
		}
	}
}

// Package scheduler is the bounded simulation pool that runs per-position
// evaluations. Submissions never block: a full queue, an id already in
// flight, or an id resubmitted faster than its minimum interval is refused.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/governor"
)

// Job evaluates one position.
type Job func(ctx context.Context, id string) error

// Reporter receives crash accounting and decides the execution mode.
type Reporter interface {
	ReportCrash(cause any)
	ReportSuccess()
	Mode() governor.Mode
}

// Config sizes the pool.
type Config struct {
	PoolSize    int
	QueueDepth  int
	MinInterval time.Duration
	JobTimeout  time.Duration
}

// Stats are cumulative counters since start.
type Stats struct {
	Submitted      int64 `json:"submitted"`
	Accepted       int64 `json:"accepted"`
	DroppedFull    int64 `json:"dropped_full"`
	DroppedRate    int64 `json:"dropped_rate"`
	DroppedPending int64 `json:"dropped_pending"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Crashed        int64 `json:"crashed"`
	QueueLen       int   `json:"queue_len"`
	InFlight       int   `json:"in_flight"`
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Scheduler is a fixed-size worker pool with a hard queue ceiling and per-id
// rate limiting.
type Scheduler struct {
	cfg    Config
	job    Job
	rep    Reporter
	logger *slog.Logger
	now    func() time.Time

	queue chan string

	mu       sync.Mutex
	inflight map[string]struct{}
	limiters map[string]*limiterEntry

	serial sync.Mutex

	submitted, accepted                   atomic.Int64
	droppedFull, droppedRate, droppedPend atomic.Int64
	completed, failed, crashed            atomic.Int64
}

// New creates a Scheduler running job.
func New(cfg Config, job Job, rep Reporter, logger *slog.Logger) *Scheduler {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	return &Scheduler{
		cfg:      cfg,
		job:      job,
		rep:      rep,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
		queue:    make(chan string, cfg.QueueDepth),
		inflight: make(map[string]struct{}),
		limiters: make(map[string]*limiterEntry),
	}
}

// WithClock replaces the time source used by the rate limiters. Intended for
// tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Submit enqueues id for evaluation. It returns domain.ErrAlreadyExists when
// id is already queued or running, domain.ErrQueueFull when the queue is at
// its ceiling, and domain.ErrRateLimited when id was accepted less than
// MinInterval ago.
func (s *Scheduler) Submit(id string) error {
	s.submitted.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inflight[id]; ok {
		s.droppedPend.Add(1)
		return fmt.Errorf("scheduler: submit %s: %w", id, domain.ErrAlreadyExists)
	}
	// Only Submit sends, and it holds mu, so the queue cannot fill between
	// this check and the send below.
	if len(s.queue) >= cap(s.queue) {
		s.droppedFull.Add(1)
		return fmt.Errorf("scheduler: submit %s: %w", id, domain.ErrQueueFull)
	}
	now := s.now()
	if !s.limiterFor(id, now).AllowN(now, 1) {
		s.droppedRate.Add(1)
		return fmt.Errorf("scheduler: submit %s: %w", id, domain.ErrRateLimited)
	}

	s.inflight[id] = struct{}{}
	s.queue <- id
	s.accepted.Add(1)
	return nil
}

// limiterFor returns id's limiter. Caller holds mu.
func (s *Scheduler) limiterFor(id string, now time.Time) *rate.Limiter {
	e, ok := s.limiters[id]
	if !ok {
		every := rate.Inf
		if s.cfg.MinInterval > 0 {
			every = rate.Every(s.cfg.MinInterval)
		}
		e = &limiterEntry{lim: rate.NewLimiter(every, 1)}
		s.limiters[id] = e
	}
	e.lastSeen = now
	return e.lim
}

// Forget drops id's limiter state once its position is gone.
func (s *Scheduler) Forget(id string) {
	s.mu.Lock()
	delete(s.limiters, id)
	s.mu.Unlock()
}

// Run starts the pool and blocks until ctx is cancelled and every running
// job has returned. Queued jobs that have not started are discarded.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Int("pool_size", s.cfg.PoolSize),
		slog.Int("queue_depth", s.cfg.QueueDepth),
		slog.Duration("min_interval", s.cfg.MinInterval),
	)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.PoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-s.queue:
					s.execute(ctx, id)
				}
			}
		}()
	}

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-cleanup.C:
			s.cleanupLimiters()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	if s.rep != nil && s.rep.Mode() == governor.ModeSerial {
		s.serial.Lock()
		defer s.serial.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			s.crashed.Add(1)
			s.logger.Error("job panicked",
				slog.String("position_id", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			if s.rep != nil {
				s.rep.ReportCrash(r)
			}
		}
	}()

	jctx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	if err := s.job(jctx, id); err != nil {
		s.failed.Add(1)
		s.logger.Warn("job failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	} else {
		s.completed.Add(1)
	}
	if s.rep != nil {
		s.rep.ReportSuccess()
	}
}

// cleanupLimiters removes limiters idle long enough to be full again.
func (s *Scheduler) cleanupLimiters() {
	idle := 10 * s.cfg.MinInterval
	if idle < time.Minute {
		idle = time.Minute
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.limiters {
		if _, busy := s.inflight[id]; busy {
			continue
		}
		if now.Sub(e.lastSeen) >= idle {
			delete(s.limiters, id)
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	inflight := len(s.inflight)
	s.mu.Unlock()
	return Stats{
		Submitted:      s.submitted.Load(),
		Accepted:       s.accepted.Load(),
		DroppedFull:    s.droppedFull.Load(),
		DroppedRate:    s.droppedRate.Load(),
		DroppedPending: s.droppedPend.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Crashed:        s.crashed.Load(),
		QueueLen:       len(s.queue),
		InFlight:       inflight,
	}
}

// Package telemetry records position lifecycle events. Callers on the hot
// path hand events to a buffered queue; a single goroutine fans them out to
// the log, the audit store, chat notifications and the event bus.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// Notifier is the subset of notify.Notifier the recorder uses.
type Notifier interface {
	Enabled(event string) bool
	Notify(ctx context.Context, event, title, message string) error
}

// Publisher is the subset of domain.SignalBus the recorder uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Watcher receives every event in-process, e.g. the websocket hub.
// Broadcast must not block.
type Watcher interface {
	Broadcast(channel string, payload []byte)
}

// Event is one recorded lifecycle step or error.
type Event struct {
	PositionID string    `json:"position_id,omitempty"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	PnL        float64   `json:"pnl"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Options configures the optional sinks. Nil sinks are skipped.
type Options struct {
	Audit    domain.AuditStore
	Notifier Notifier
	Bus      Publisher
	Watchers []Watcher
	Channel  string
	Buffer   int
	// SinkTimeout bounds each sink call.
	SinkTimeout time.Duration
}

// Recorder implements domain.Telemetry.
type Recorder struct {
	opts    Options
	events  chan Event
	logger  *slog.Logger
	now     func() time.Time
	dropped atomic.Int64
	written atomic.Int64
}

var _ domain.Telemetry = (*Recorder)(nil)

// New creates a Recorder. Run must be started for events to reach the sinks.
func New(opts Options, logger *slog.Logger) *Recorder {
	if opts.Buffer < 1 {
		opts.Buffer = 1024
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 5 * time.Second
	}
	if opts.Channel == "" {
		opts.Channel = "positions"
	}
	return &Recorder{
		opts:   opts,
		events: make(chan Event, opts.Buffer),
		logger: logger.With(slog.String("component", "telemetry")),
		now:    time.Now,
	}
}

// LogEvent queues a lifecycle event. It never blocks.
func (r *Recorder) LogEvent(id, stage, message string, pl float64) {
	r.enqueue(Event{PositionID: id, Stage: stage, Message: message, PnL: pl, At: r.now()})
}

// LogError queues an error event. It never blocks.
func (r *Recorder) LogError(err error, context, id string) {
	if err == nil {
		return
	}
	r.enqueue(Event{PositionID: id, Stage: "error", Message: context, Error: err.Error(), At: r.now()})
}

func (r *Recorder) enqueue(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many events were fanned out.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Run delivers queued events until ctx ends, then drains what is left with a
// short grace period.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case ev := <-r.events:
			r.deliver(ctx, ev)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SinkTimeout)
	defer cancel()
	for {
		select {
		case ev := <-r.events:
			r.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) deliver(ctx context.Context, ev Event) {
	r.log(ctx, ev)

	if r.opts.Audit != nil {
		r.sink(ctx, "audit", func(ctx context.Context) error {
			return r.opts.Audit.Log(ctx, "position."+ev.Stage, auditDetail(ev))
		})
	}

	if r.opts.Notifier != nil && r.opts.Notifier.Enabled(ev.Stage) {
		r.sink(ctx, "notify", func(ctx context.Context) error {
			return r.opts.Notifier.Notify(ctx, ev.Stage, title(ev), body(ev))
		})
	}

	if r.opts.Bus != nil || len(r.opts.Watchers) > 0 {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.logger.WarnContext(ctx, "event not encodable", slog.String("error", err.Error()))
		} else {
			for _, w := range r.opts.Watchers {
				w.Broadcast(r.opts.Channel, payload)
			}
			if r.opts.Bus != nil {
				r.sink(ctx, "publish", func(ctx context.Context) error {
					if err := r.opts.Bus.Publish(ctx, r.opts.Channel, payload); err != nil {
						return err
					}
					return r.opts.Bus.StreamAppend(ctx, r.opts.Channel, payload)
				})
			}
		}
	}
	r.written.Add(1)
}

// sink runs fn under the sink timeout. Sink failures are logged only; they
// must never feed back into LogError.
func (r *Recorder) sink(ctx context.Context, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.SinkTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.WarnContext(ctx, "telemetry sink failed",
			slog.String("sink", name),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Recorder) log(ctx context.Context, ev Event) {
	attrs := []any{
		slog.String("position_id", ev.PositionID),
		slog.String("stage", ev.Stage),
		slog.String("message", ev.Message),
	}
	if ev.Error != "" {
		r.logger.ErrorContext(ctx, "position error", append(attrs, slog.String("error", ev.Error))...)
		return
	}
	r.logger.InfoContext(ctx, "position event", append(attrs, slog.Float64("pnl", ev.PnL))...)
}

func auditDetail(ev Event) map[string]any {
	d := map[string]any{
		"position_id": ev.PositionID,
		"message":     ev.Message,
		"pnl":         ev.PnL,
	}
	if ev.Error != "" {
		d["error"] = ev.Error
	}
	return d
}

func title(ev Event) string {
	if ev.PositionID == "" {
		return ev.Stage
	}
	return fmt.Sprintf("%s %s", ev.Stage, ev.PositionID)
}

func body(ev Event) string {
	if ev.Error != "" {
		return fmt.Sprintf("%s: %s", ev.Message, ev.Error)
	}
	return fmt.Sprintf("%s (pnl %.4f)", ev.Message, ev.PnL)
}

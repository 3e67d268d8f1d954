// Package notify fans position alerts out to chat channels (Telegram,
// Discord). Events are filtered by type so operators only hear about what
// they subscribed to.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs, e.g. "telegram".
	Name() string
}

type limitedSender struct {
	Sender
	limiter *rate.Limiter
}

// Notifier dispatches to every sender. Each sender is throttled on its own
// limiter; an alert that would exceed it is dropped and logged rather than
// queued, since chat APIs reject bursts anyway.
type Notifier struct {
	senders []limitedSender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders. Only events listed in events
// pass Notify; an empty list allows everything. perMinute bounds messages
// per sender; zero means unlimited.
func NewNotifier(senders []Sender, events []string, perMinute int, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
		burst = max(1, perMinute/6)
	}
	ls := make([]limitedSender, len(senders))
	for i, s := range senders {
		ls[i] = limitedSender{Sender: s, limiter: rate.NewLimiter(limit, burst)}
	}
	return &Notifier{
		senders: ls,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would be delivered anywhere.
func (n *Notifier) Enabled(event string) bool {
	if len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Notify sends to all senders if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if !s.limiter.Allow() {
			n.logger.WarnContext(ctx, "notification throttled",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
			continue
		}
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

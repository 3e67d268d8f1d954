package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// Opener creates a position from an entry signal.
type Opener interface {
	Open(ctx context.Context, sig domain.EntrySignal) (domain.Position, error)
}

// EntryFeeder subscribes to the entry-signal channel and opens a position for
// each signal. Duplicate signals are expected and ignored.
type EntryFeeder struct {
	bus     domain.SignalBus
	channel string
	opener  Opener
	logger  *slog.Logger
}

// NewEntryFeeder creates an EntryFeeder.
func NewEntryFeeder(bus domain.SignalBus, channel string, opener Opener, logger *slog.Logger) *EntryFeeder {
	return &EntryFeeder{
		bus:     bus,
		channel: channel,
		opener:  opener,
		logger:  logger.With(slog.String("component", "entry_feeder")),
	}
}

// Run subscribes and handles messages until ctx ends.
func (f *EntryFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("entry feeder started", slog.String("channel", f.channel))
	defer f.logger.Info("entry feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Warn("entry signal rejected",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *EntryFeeder) handleMessage(ctx context.Context, data []byte) error {
	var sig domain.EntrySignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return fmt.Errorf("feed: decode entry signal: %w", err)
	}
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if sig.Symbol == "" || !sig.Side.Valid() || sig.CandleTime.IsZero() {
		return fmt.Errorf("feed: entry signal missing symbol, side or candle_time")
	}

	p, err := f.opener.Open(ctx, sig)
	if errors.Is(err, domain.ErrAlreadyExists) {
		f.logger.Debug("duplicate entry signal", slog.String("symbol", sig.Symbol), slog.String("source", sig.Source))
		return nil
	}
	if err != nil {
		return err
	}
	f.logger.Info("position opened from signal",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
	)
	return nil
}

// Package feed holds the long-lived readers that bring outside data into the
// position store: the mark-price stream and the entry-signal channel.
package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/position"
)

// MarkSource streams batches of mark prices.
type MarkSource interface {
	MarkPriceStream(ctx context.Context) (<-chan []domain.MarkPrice, error)
}

// PriceFeed is the single reader of the mark-price stream. Each batch updates
// the snapshots of subscribed positions and queues their ids for evaluation
// without ever blocking on the consumer.
type PriceFeed struct {
	source MarkSource
	store  *position.Store
	cache  domain.PriceCache
	notify chan string
	logger *slog.Logger

	batches atomic.Int64
	dropped atomic.Int64
}

// NewPriceFeed creates a PriceFeed. cache may be nil. buffer sizes the
// notification channel.
func NewPriceFeed(source MarkSource, store *position.Store, cache domain.PriceCache, buffer int, logger *slog.Logger) *PriceFeed {
	if buffer < 1 {
		buffer = 1024
	}
	return &PriceFeed{
		source: source,
		store:  store,
		cache:  cache,
		notify: make(chan string, buffer),
		logger: logger.With(slog.String("component", "price_feed")),
	}
}

// Notifications carries ids whose price changed.
func (f *PriceFeed) Notifications() <-chan string { return f.notify }

// Dropped returns how many notifications were discarded on a full channel.
func (f *PriceFeed) Dropped() int64 { return f.dropped.Load() }

// Run reads the stream until ctx is cancelled, reconnecting with backoff
// when the stream ends or cannot be opened.
func (f *PriceFeed) Run(ctx context.Context) error {
	wait := 2 * time.Second
	for {
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.logger.Warn("mark price stream failed, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait),
			)
		} else {
			f.logger.Warn("mark price stream ended, reconnecting", slog.Duration("backoff", wait))
			wait = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err != nil {
			wait = min(wait*2, time.Minute)
		}
	}
}

func (f *PriceFeed) consume(ctx context.Context) error {
	ch, err := f.source.MarkPriceStream(ctx)
	if err != nil {
		return err
	}
	f.logger.Info("mark price stream connected")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-ch:
			if !ok {
				return nil
			}
			f.Handle(ctx, batch)
		}
	}
}

// Handle applies one batch.
func (f *PriceFeed) Handle(ctx context.Context, batch []domain.MarkPrice) {
	f.batches.Add(1)
	var mirror []domain.MarkPrice
	for _, mp := range batch {
		if mp.Price <= 0 {
			continue
		}
		ids := f.store.Subscribers(mp.Symbol)
		if len(ids) == 0 {
			continue
		}
		mirror = append(mirror, mp)
		for _, id := range ids {
			if !f.store.SetPrice(id, mp.Price, mp.At) {
				continue
			}
			select {
			case f.notify <- id:
			default:
				f.dropped.Add(1)
			}
		}
	}
	if f.cache != nil && len(mirror) > 0 {
		go f.mirror(context.WithoutCancel(ctx), mirror)
	}
}

// mirror copies prices to the shared cache. Failures only get logged.
func (f *PriceFeed) mirror(ctx context.Context, prices []domain.MarkPrice) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for _, mp := range prices {
		if err := f.cache.SetPrice(ctx, mp.Symbol, mp.Price, mp.At); err != nil {
			f.logger.Debug("price cache write failed",
				slog.String("symbol", mp.Symbol),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

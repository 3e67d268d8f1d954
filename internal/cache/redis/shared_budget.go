package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// SharedBudget is the request-weight budget shared by every instance that
// trades on one API key. It satisfies governor.Budget.
type SharedBudget struct {
	limiter *RateLimiter
	key     string
	ceiling int
	window  time.Duration
}

// NewSharedBudget meters weight under key, refusing spends past
// limit*threshold within window.
func NewSharedBudget(limiter *RateLimiter, key string, limit int, threshold float64, window time.Duration) *SharedBudget {
	ceiling := int(float64(limit) * threshold)
	if ceiling < 1 {
		ceiling = 1
	}
	return &SharedBudget{
		limiter: limiter,
		key:     "weight:" + key,
		ceiling: ceiling,
		window:  window,
	}
}

// Acquire spends weight or returns domain.ErrRateLimited.
func (b *SharedBudget) Acquire(ctx context.Context, weight int) error {
	ok, used, err := b.limiter.take(ctx, b.key, weight, b.ceiling, b.window)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("redis: weight %d over shared budget (%d/%d used): %w", weight, used, b.ceiling, domain.ErrRateLimited)
	}
	return nil
}

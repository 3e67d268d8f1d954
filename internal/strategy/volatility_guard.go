package strategy

import (
	"fmt"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// VolatilityGuard holds the position still while the current candle's range
// is wider than MaxRangePct, so later rules do not chase noise.
type VolatilityGuard struct{}

func (VolatilityGuard) Name() string { return "volatility_guard" }

func (VolatilityGuard) Evaluate(in Input, th Thresholds) (domain.Decision, bool) {
	row := in.Signals.Primary
	if row == nil || th.MaxRangePct <= 0 {
		return domain.Decision{}, false
	}
	r := row.RangePct()
	if r <= th.MaxRangePct {
		return domain.Decision{}, false
	}
	return domain.None(fmt.Sprintf("range %.2f%% above %.2f%%", r, th.MaxRangePct)), true
}

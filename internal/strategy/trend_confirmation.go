package strategy

import (
	"fmt"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// TrendConfirmation reads the one or two higher intervals fetched alongside
// the position's own interval. It only acts when every checked interval
// agrees: all against the position means exit (or arm the minimum-close flag
// when the target is not yet reached), all in favour while the primary
// interval disagrees means the position should follow the higher interval.
type TrendConfirmation struct{}

func (TrendConfirmation) Name() string { return "trend_confirmation" }

func (TrendConfirmation) Evaluate(in Input, th Thresholds) (domain.Decision, bool) {
	p := in.Position
	higher := in.Signals.Higher
	if len(higher) == 0 || in.Signals.Primary == nil {
		return domain.Decision{}, false
	}
	primary := *in.Signals.Primary

	against, favor := true, true
	for _, row := range higher {
		against = against && againstRow(row, p.Side, th, false)
		favor = favor && row.Trend.Favors(p.Side)
	}
	against = against && againstRow(primary, p.Side, th, true)

	mark := in.Mark()
	ratio := p.ProfitRatio(mark, th.CommissionRate)

	if against {
		if p.MinProfit > 0 && ratio >= p.MinProfit {
			return domain.Decision{
				Action:     domain.ActionExit,
				Reason:     fmt.Sprintf("reversal confirmed on %d intervals", len(higher)+1),
				Confidence: 1,
				Price:      mark,
			}, true
		}
		if ratio > 0 && !p.MinClose {
			return domain.Decision{
				Action:     domain.ActionNone,
				Reason:     "reversal confirmed below target, arming min close",
				Confidence: 0.75,
				MinClose:   true,
			}, true
		}
		return domain.Decision{}, false
	}

	next := higher[0].Interval
	if favor && primary.Trend.Opposes(p.Side) && next != "" && next != p.Interval {
		return domain.Decision{
			Action:     domain.ActionSwitchInterval,
			Reason:     fmt.Sprintf("higher intervals favour %s, %s does not", p.Side, p.Interval),
			Confidence: 0.75,
			Interval:   next,
		}, true
	}
	return domain.Decision{}, false
}

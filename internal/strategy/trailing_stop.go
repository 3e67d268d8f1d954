package strategy

import (
	"fmt"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// TrailingStop exits on a crossed stop once the trade has earned it, either
// by reaching its profit target or through the minimum-close flag, and
// otherwise ratchets the stop toward the mark. The stop never retreats.
// Trend-following mode alone does not earn an exit.
type TrailingStop struct{}

func (TrailingStop) Name() string { return "trailing_stop" }

func (TrailingStop) Evaluate(in Input, th Thresholds) (domain.Decision, bool) {
	p := in.Position
	mark := in.Mark()
	ratio := p.ProfitRatio(mark, th.CommissionRate)
	target := p.MinProfit > 0 && ratio >= p.MinProfit
	trend := p.RiskMode == domain.RiskTrend

	if p.StopCrossed(mark) && (target || p.MinClose) {
		return domain.Decision{
			Action:     domain.ActionExit,
			Reason:     fmt.Sprintf("stop %.8g crossed at %.8g", p.StopPrice, mark),
			Confidence: 1,
			Price:      mark,
		}, true
	}

	if ratio <= 0 && !trend {
		return domain.Decision{}, false
	}
	candidate := th.TrailCandidate(p.Side, mark)
	if !domain.BetterStop(p.Side, p.StopPrice, candidate) {
		if target && !trend {
			return domain.Decision{
				Action:     domain.ActionNone,
				Reason:     "profit target reached",
				Confidence: 1,
				EnterTrend: true,
			}, true
		}
		return domain.Decision{}, false
	}
	return domain.Decision{
		Action:     domain.ActionMoveStop,
		Reason:     fmt.Sprintf("ratchet stop %.8g -> %.8g", p.StopPrice, candidate),
		Confidence: 1,
		StopPrice:  candidate,
		EnterTrend: target && !trend,
	}, true
}

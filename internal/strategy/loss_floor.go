package strategy

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// LossFloor asks for a hedge once the open leg's loss, relative to the
// investment, reaches the floor. Losses already realized by an earlier hedge
// are not counted again. The hedge manager decides whether that means a real
// opposite leg (initial risk mode) or a pending close (trend-following).
//
// After a release or resume the floor is measured from FloorBase, the mark
// at which the position went back to RUNNING, until the open leg recovers
// out of the warning band (see FloorRearmed).
type LossFloor struct{}

func (LossFloor) Name() string { return "loss_floor" }

func (LossFloor) Evaluate(in Input, th Thresholds) (domain.Decision, bool) {
	p := in.Position
	if p.IsHedged() || th.LossFloor <= 0 {
		return domain.Decision{}, false
	}
	if p.Investment <= 0 {
		return domain.Decision{}, false
	}
	ratio := floorRatio(p, in.Mark(), th)
	if ratio > -th.LossFloor {
		return domain.Decision{}, false
	}
	return domain.Decision{
		Action:     domain.ActionOpenHedge,
		Reason:     fmt.Sprintf("loss %.4f at or below floor %.4f", ratio, -th.LossFloor),
		Confidence: math.Min(1, -ratio/th.LossFloor/2+0.5),
		Price:      in.Mark(),
	}, true
}

// floorRatio is the loss the floor is compared against: the open leg's
// unrealized P&L, or only the move since FloorBase when one is set.
func floorRatio(p domain.Position, mark float64, th Thresholds) float64 {
	pnl := p.Unrealized(mark, th.CommissionRate)
	if p.FloorBase > 0 {
		pnl -= p.Entry.PnL(p.FloorBase)
	}
	return pnl / p.Investment
}

// FloorRearmed reports whether a position carrying a FloorBase has recovered
// far enough above the floor, outside the warning band, for the floor to be
// measured from the entry price again.
func FloorRearmed(p domain.Position, mark float64, th Thresholds) bool {
	if p.FloorBase <= 0 || p.Investment <= 0 || mark <= 0 {
		return false
	}
	return p.Unrealized(mark, th.CommissionRate)/p.Investment > -th.LossFloor*(1-th.WarningBand)
}

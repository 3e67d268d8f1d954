// Package strategy turns a position and its latest market view into a single
// normalized Decision. Evaluation is pure: no I/O, no clocks, no shared state.
package strategy

import (
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// Engine runs an ordered list of strategies and returns the first decision
// any of them makes.
type Engine struct {
	chain []Strategy
	th    Thresholds
}

// NewEngine resolves names against registry in the given order.
func NewEngine(registry *Registry, names []string, th Thresholds) (*Engine, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("strategy: engine needs at least one strategy")
	}
	chain, err := registry.Resolve(names)
	if err != nil {
		return nil, fmt.Errorf("strategy: build engine: %w", err)
	}
	return &Engine{chain: chain, th: th}, nil
}

// Thresholds returns the tuning constants the engine was built with.
func (e *Engine) Thresholds() Thresholds { return e.th }

// Names returns the strategy chain in evaluation order.
func (e *Engine) Names() []string {
	out := make([]string, len(e.chain))
	for i, s := range e.chain {
		out[i] = s.Name()
	}
	return out
}

// HigherIntervals returns the intervals consulted for trend confirmation of
// a position trading on interval.
func (e *Engine) HigherIntervals(interval string) []string {
	h := e.th.HigherIntervals[interval]
	if len(h) > 2 {
		h = h[:2]
	}
	return append([]string(nil), h...)
}

// Decide evaluates in. Only RUNNING positions are decided here; hedge states
// belong to the hedge manager.
func (e *Engine) Decide(in Input) domain.Decision {
	var d domain.Decision
	switch {
	case in.Position.State != domain.StateRunning:
		d = domain.None("state " + in.Position.State.String())
	case !in.Snapshot.HasPrice():
		d = domain.None("no price")
	default:
		d = e.run(in)
	}
	d.At = in.Now
	if in.Position.State == domain.StateRunning && in.Snapshot.HasPrice() {
		d.Warning = e.warning(in)
	}
	return d
}

func (e *Engine) run(in Input) domain.Decision {
	for _, s := range e.chain {
		if d, ok := s.Evaluate(in, e.th); ok {
			if !strings.HasPrefix(d.Reason, s.Name()) {
				d.Reason = s.Name() + ": " + d.Reason
			}
			return d
		}
	}
	return domain.None("hold")
}

// warning reports whether the position sits close to a decision boundary:
// the loss floor, its profit target, or a trailing stop.
func (e *Engine) warning(in Input) bool {
	p := in.Position
	mark := in.Mark()
	ratio := p.ProfitRatio(mark, e.th.CommissionRate)
	band := e.th.WarningBand

	if p.Investment > 0 && floorRatio(p, mark, e.th) <= -e.th.LossFloor*(1-band) {
		return true
	}
	if p.MinProfit > 0 && ratio >= p.MinProfit*(1-band) && ratio < p.MinProfit {
		return true
	}
	if p.StopPrice > 0 && mark > 0 {
		dist := math.Abs(mark-p.StopPrice) / mark
		if dist < e.th.TrailingPct*(1-band) {
			return true
		}
	}
	return false
}

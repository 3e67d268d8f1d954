package strategy

import (
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// Input is everything a strategy may look at. It is a value: strategies
// never see the live record.
type Input struct {
	Position domain.Position
	Snapshot domain.AnalysisSnapshot
	Signals  domain.Signals
	Now      time.Time
}

// Mark returns the mark price the evaluation runs against.
func (in Input) Mark() float64 { return in.Snapshot.MarkPrice }

// Strategy is one pluggable decision rule. Evaluate returns ok=false when the
// rule has nothing to say, letting the next strategy in order run.
type Strategy interface {
	Name() string
	Evaluate(in Input, th Thresholds) (domain.Decision, bool)
}

// Thresholds are the tuning constants shared by every strategy.
type Thresholds struct {
	LossFloor      float64
	TrailingPct    float64
	WarningBand    float64
	RSIUpper       float64
	RSILower       float64
	MaxRangePct    float64
	CommissionRate float64

	AddCooldown time.Duration
	AddProfit   float64
	AddFraction float64
	MaxAddTimes int

	// HigherIntervals maps an interval to the one or two intervals consulted
	// for trend confirmation.
	HigherIntervals map[string][]string
}

// DefaultThresholds returns the values used when nothing is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LossFloor:      0.02,
		TrailingPct:    0.01,
		WarningBand:    0.2,
		RSIUpper:       70,
		RSILower:       30,
		MaxRangePct:    5,
		CommissionRate: 0.0004,
		AddCooldown:    30 * time.Minute,
		AddProfit:      0.03,
		AddFraction:    0.5,
		MaxAddTimes:    3,
		HigherIntervals: map[string][]string{
			"1m":  {"5m", "15m"},
			"5m":  {"15m", "1h"},
			"15m": {"1h", "4h"},
			"1h":  {"4h"},
			"4h":  {"1d"},
		},
	}
}

// TrailCandidate is the stop a trailing rule would place at mark.
func (th Thresholds) TrailCandidate(side domain.Side, mark float64) float64 {
	if side == domain.Buy {
		return mark * (1 - th.TrailingPct)
	}
	return mark * (1 + th.TrailingPct)
}

// againstRow reports whether row argues for leaving a position on side. The
// primary row also counts an exhausted RSI as a reversal sign.
func againstRow(row domain.SignalRow, side domain.Side, th Thresholds, primary bool) bool {
	if row.Trend.Opposes(side) {
		return true
	}
	if !primary || row.RSI <= 0 {
		return false
	}
	if side == domain.Buy {
		return row.RSI >= th.RSIUpper
	}
	return row.RSI <= th.RSILower
}

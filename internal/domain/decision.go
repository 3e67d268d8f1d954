package domain

import "time"

// Action is the normalized outcome of a decision evaluation.
type Action uint8

const (
	ActionNone Action = iota
	ActionMoveStop
	ActionExit
	ActionOpenHedge
	ActionReleaseHedge
	ActionSwitchInterval
	ActionAddInvestment
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionMoveStop:
		return "move_stop"
	case ActionExit:
		return "exit"
	case ActionOpenHedge:
		return "open_hedge"
	case ActionReleaseHedge:
		return "release_hedge"
	case ActionSwitchInterval:
		return "switch_interval"
	case ActionAddInvestment:
		return "add_investment"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Decision is what a strategy wants done with a position this cycle.
type Decision struct {
	Action     Action    `json:"action"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	Interval   string    `json:"interval,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Warning    bool      `json:"warning"`
	// EnterTrend switches the position to trend-following risk handling.
	EnterTrend bool `json:"enter_trend,omitempty"`
	// MinClose arms the trend-confirmed minimum-close flag.
	MinClose bool      `json:"min_close,omitempty"`
	At       time.Time `json:"at"`
}

// None is a convenience constructor for a no-op decision.
func None(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason, Confidence: 1}
}

// AnalysisSnapshot is the ephemeral per-position view rebuilt from the
// price stream and the decision loop.
type AnalysisSnapshot struct {
	Symbol       string    `json:"symbol"`
	MarkPrice    float64   `json:"mark_price"`
	PriceAt      time.Time `json:"price_at"`
	LastDecision Decision  `json:"last_decision"`
}

// HasPrice reports whether a usable mark price has been received.
func (s AnalysisSnapshot) HasPrice() bool {
	return s.MarkPrice > 0 && !s.PriceAt.IsZero()
}

package domain

import "fmt"

// TradeState is the lifecycle state of a Position.
type TradeState uint8

const (
	StateAssign TradeState = iota + 1
	StateRunning
	StateHedgeHold
	StateHedgeClose
	StateHedgeRelease
	StateClose
)

var stateNames = map[TradeState]string{
	StateAssign:       "ASSIGN",
	StateRunning:      "RUNNING",
	StateHedgeHold:    "HEDGE_HOLD",
	StateHedgeClose:   "HEDGE_CLOSE",
	StateHedgeRelease: "HEDGE_RELEASE",
	StateClose:        "CLOSE",
}

func (s TradeState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TradeState(%d)", uint8(s))
}

// ParseTradeState converts the stored text form back into a TradeState.
func ParseTradeState(s string) (TradeState, error) {
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("domain: unknown trade state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s TradeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TradeState) UnmarshalText(b []byte) error {
	st, err := ParseTradeState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Terminal reports whether no transition may leave s.
func (s TradeState) Terminal() bool {
	return s == StateClose
}

// Live reports whether a position in state s is still owned by a worker.
func (s TradeState) Live() bool {
	return s != StateClose
}

// CanTransition reports whether the state machine allows s -> to.
func (s TradeState) CanTransition(to TradeState) bool {
	switch s {
	case StateAssign:
		return to == StateRunning || to == StateClose
	case StateRunning:
		return to == StateHedgeHold || to == StateHedgeClose || to == StateClose
	case StateHedgeHold:
		return to == StateHedgeRelease || to == StateClose
	case StateHedgeRelease:
		return to == StateRunning || to == StateClose
	case StateHedgeClose:
		return to == StateRunning || to == StateClose
	case StateClose:
		return false
	default:
		return false
	}
}

// RiskMode selects how a losing position is handled.
type RiskMode uint8

const (
	// RiskInitial hedges on loss.
	RiskInitial RiskMode = iota + 1
	// RiskTrend ratchets the stop and lets the trade run.
	RiskTrend
)

func (m RiskMode) String() string {
	switch m {
	case RiskInitial:
		return "initial"
	case RiskTrend:
		return "trend"
	default:
		return fmt.Sprintf("RiskMode(%d)", uint8(m))
	}
}

// ParseRiskMode converts the stored text form back into a RiskMode.
func ParseRiskMode(s string) (RiskMode, error) {
	switch s {
	case "initial":
		return RiskInitial, nil
	case "trend":
		return RiskTrend, nil
	}
	return 0, fmt.Errorf("domain: unknown risk mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m RiskMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RiskMode) UnmarshalText(b []byte) error {
	v, err := ParseRiskMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

package domain

import (
	"fmt"
	"math"
	"time"
)

// Side is the direction of a leg.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that neutralizes s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Leg is one filled side of a position.
type Leg struct {
	Side    Side    `json:"side"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	OrderID string  `json:"order_id,omitempty"`
}

// PnL is the gross unrealized profit of the leg at mark.
func (l Leg) PnL(mark float64) float64 {
	if l.Qty == 0 || mark <= 0 {
		return 0
	}
	if l.Side == Buy {
		return (mark - l.Price) * l.Qty
	}
	return (l.Price - mark) * l.Qty
}

// Position is one tracked trade: a primary leg and, while hedged, an
// opposite leg of the same size.
type Position struct {
	ID         string    `json:"id"`
	MachineID  string    `json:"machine_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Interval   string    `json:"interval"`
	Source     string    `json:"source"`
	CandleTime time.Time `json:"candle_time"`
	Investment float64   `json:"investment"`

	State    TradeState `json:"state"`
	RiskMode RiskMode   `json:"risk_mode"`

	Entry Leg  `json:"entry"`
	Hedge *Leg `json:"hedge,omitempty"`

	StopPrice   float64 `json:"stop_price"`
	TakeProfit  float64 `json:"take_profit"`
	MinProfit   float64 `json:"min_profit"`
	MinClose    bool    `json:"min_close"`
	Warning     bool    `json:"warning"`
	FloorBase   float64 `json:"floor_base,omitempty"`
	PartialQty1 float64 `json:"partial_qty1"`
	PartialQty2 float64 `json:"partial_qty2"`

	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Commission    float64 `json:"commission"`

	HedgeOrderSize float64   `json:"hedge_order_size"`
	AddedQty       float64   `json:"added_qty"`
	AddCount       int       `json:"add_count"`
	LastAddAt      time.Time `json:"last_add_at"`

	ClosePrice  float64   `json:"close_price"`
	CloseReason string    `json:"close_reason,omitempty"`
	ClosedAt    time.Time `json:"closed_at"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p Position) Clone() Position {
	out := p
	if p.Hedge != nil {
		h := *p.Hedge
		out.Hedge = &h
	}
	return out
}

// IsHedged reports whether the hedge leg is open.
func (p *Position) IsHedged() bool {
	return p.Hedge != nil
}

// LiveKey identifies the (symbol, side, source) slot a live position owns.
// At most one non-closed position may hold a given key.
func (p *Position) LiveKey() string {
	return LiveKey(p.Symbol, p.Side, p.Source)
}

// LiveKey builds the live-slot key for the given attributes.
func LiveKey(symbol string, side Side, source string) string {
	return symbol + "|" + string(side) + "|" + source
}

// Transition moves p to state to, enforcing the state machine.
func (p *Position) Transition(to TradeState, reason string, now time.Time) error {
	if p.State.Terminal() {
		return fmt.Errorf("domain: position %s: %w", p.ID, ErrPositionClosed)
	}
	if !p.State.CanTransition(to) {
		return fmt.Errorf("domain: position %s %s -> %s: %w", p.ID, p.State, to, ErrInvalidTransition)
	}
	p.State = to
	if to == StateClose {
		p.CloseReason = reason
		p.ClosedAt = now
		p.Warning = false
	}
	return nil
}

// Validate checks the structural invariants of p.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("domain: position id is empty")
	}
	if p.Symbol == "" {
		return fmt.Errorf("domain: position %s: symbol is empty", p.ID)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("domain: position %s: invalid side %q", p.ID, p.Side)
	}
	if _, ok := stateNames[p.State]; !ok {
		return fmt.Errorf("domain: position %s: invalid state %d", p.ID, p.State)
	}
	hedgeState := p.State == StateHedgeHold
	if p.IsHedged() != hedgeState {
		return fmt.Errorf("domain: position %s: hedge leg present=%t in state %s", p.ID, p.IsHedged(), p.State)
	}
	if p.IsHedged() && p.Hedge.Side != p.Side.Opposite() {
		return fmt.Errorf("domain: position %s: hedge leg side %s must oppose %s", p.ID, p.Hedge.Side, p.Side)
	}
	return nil
}

// Unrealized is the open profit of both legs at mark, less the estimated
// exit commission.
func (p *Position) Unrealized(mark, commissionRate float64) float64 {
	pnl := p.Entry.PnL(mark)
	qty := p.Entry.Qty
	if p.Hedge != nil {
		pnl += p.Hedge.PnL(mark)
		qty += p.Hedge.Qty
	}
	return pnl - mark*qty*commissionRate
}

// NetPnL is realized plus unrealized profit net of every commission.
func (p *Position) NetPnL(mark, commissionRate float64) float64 {
	return p.RealizedPnL + p.Unrealized(mark, commissionRate) - p.Commission
}

// ProfitRatio is NetPnL relative to the invested amount.
func (p *Position) ProfitRatio(mark, commissionRate float64) float64 {
	if p.Investment <= 0 {
		return 0
	}
	return p.NetPnL(mark, commissionRate) / p.Investment
}

// StopCrossed reports whether mark has reached the stop on the losing side.
func (p *Position) StopCrossed(mark float64) bool {
	if p.StopPrice <= 0 || mark <= 0 {
		return false
	}
	if p.Side == Buy {
		return mark <= p.StopPrice
	}
	return mark >= p.StopPrice
}

// BetterStop reports whether candidate is a tighter stop than current in
// the profitable direction for side.
func BetterStop(side Side, current, candidate float64) bool {
	if candidate <= 0 || math.IsNaN(candidate) {
		return false
	}
	if current <= 0 {
		return true
	}
	if side == Buy {
		return candidate > current
	}
	return candidate < current
}

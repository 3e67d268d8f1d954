package domain

import (
	"context"
	"time"
)

// Sizing is the exchange-rounded quantity for an investment amount.
type Sizing struct {
	Qty         float64
	PartialQty1 float64
	PartialQty2 float64
	Precision   int
	Price       float64
}

// OrderResult is the fill report for a market order.
type OrderResult struct {
	OrderID  string
	Side     Side
	Qty      float64
	AvgPrice float64
	Fee      float64
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	Symbol     string
	Side       Side
	Qty        float64
	EntryPrice float64
}

// ProtectiveOrder is a resting stop-loss or take-profit that reduces one
// position's entry leg. Side is the closing side.
type ProtectiveOrder struct {
	PositionID string
	Symbol     string
	Side       Side
	Qty        float64
	Price      float64
}

// MarkPrice is one entry of the mark-price stream.
type MarkPrice struct {
	Symbol string
	Price  float64
	At     time.Time
}

// ExchangeClient is the trading API the engine drives.
type ExchangeClient interface {
	Quantity(ctx context.Context, symbol string, investAmount float64) (Sizing, error)
	PlaceOrder(ctx context.Context, symbol string, side Side, qty float64) (OrderResult, error)
	// SetStopLoss and SetTakeProfit place o, replacing the order of the same
	// kind previously placed for o.PositionID.
	SetStopLoss(ctx context.Context, o ProtectiveOrder) error
	SetTakeProfit(ctx context.Context, o ProtectiveOrder) error
	// CancelProtective removes every resting protective order of positionID.
	CancelProtective(ctx context.Context, symbol, positionID string) error
	OpenPositions(ctx context.Context) ([]ExchangePosition, error)
	// MarkPriceStream delivers batches of mark prices until ctx ends.
	MarkPriceStream(ctx context.Context) (<-chan []MarkPrice, error)
}

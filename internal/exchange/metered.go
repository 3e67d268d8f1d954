// Package exchange holds the exchange-client decorators and the paper
// trading implementation used outside live mode.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/governor"
)

// Request weights of the futures REST endpoints behind each call.
const (
	WeightQuantity      = 1
	WeightPlaceOrder    = 1
	WeightStopOrder     = 1
	WeightOpenPositions = 5
)

// Metered charges every REST call against the weight budget and bounds it
// with an explicit timeout. Calls the budget refuses are not attempted and
// return domain.ErrRateLimited.
type Metered struct {
	next    domain.ExchangeClient
	budget  governor.Budget
	timeout time.Duration
}

var _ domain.ExchangeClient = (*Metered)(nil)

// NewMetered wraps next.
func NewMetered(next domain.ExchangeClient, budget governor.Budget, timeout time.Duration) *Metered {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Metered{next: next, budget: budget, timeout: timeout}
}

func (m *Metered) begin(ctx context.Context, op string, weight int) (context.Context, context.CancelFunc, error) {
	if m.budget != nil {
		if err := m.budget.Acquire(ctx, weight); err != nil {
			return nil, nil, fmt.Errorf("exchange: %s: %w", op, err)
		}
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	return cctx, cancel, nil
}

// Quantity sizes an investment.
func (m *Metered) Quantity(ctx context.Context, symbol string, investAmount float64) (domain.Sizing, error) {
	cctx, cancel, err := m.begin(ctx, "quantity", WeightQuantity)
	if err != nil {
		return domain.Sizing{}, err
	}
	defer cancel()
	return m.next.Quantity(cctx, symbol, investAmount)
}

// PlaceOrder sends a market order.
func (m *Metered) PlaceOrder(ctx context.Context, symbol string, side domain.Side, qty float64) (domain.OrderResult, error) {
	cctx, cancel, err := m.begin(ctx, "place order", WeightPlaceOrder)
	if err != nil {
		return domain.OrderResult{}, err
	}
	defer cancel()
	return m.next.PlaceOrder(cctx, symbol, side, qty)
}

// SetStopLoss places or replaces the protective stop.
func (m *Metered) SetStopLoss(ctx context.Context, o domain.ProtectiveOrder) error {
	cctx, cancel, err := m.begin(ctx, "set stop loss", WeightStopOrder)
	if err != nil {
		return err
	}
	defer cancel()
	return m.next.SetStopLoss(cctx, o)
}

// SetTakeProfit places or replaces the take-profit order.
func (m *Metered) SetTakeProfit(ctx context.Context, o domain.ProtectiveOrder) error {
	cctx, cancel, err := m.begin(ctx, "set take profit", WeightStopOrder)
	if err != nil {
		return err
	}
	defer cancel()
	return m.next.SetTakeProfit(cctx, o)
}

// CancelProtective removes a position's resting protective orders.
func (m *Metered) CancelProtective(ctx context.Context, symbol, positionID string) error {
	cctx, cancel, err := m.begin(ctx, "cancel protective", WeightStopOrder)
	if err != nil {
		return err
	}
	defer cancel()
	return m.next.CancelProtective(cctx, symbol, positionID)
}

// OpenPositions lists exchange-side positions.
func (m *Metered) OpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	cctx, cancel, err := m.begin(ctx, "open positions", WeightOpenPositions)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return m.next.OpenPositions(cctx)
}

// MarkPriceStream is a websocket subscription and costs no REST weight.
func (m *Metered) MarkPriceStream(ctx context.Context) (<-chan []domain.MarkPrice, error) {
	return m.next.MarkPriceStream(ctx)
}

package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// MarkSource is anything that streams mark prices. The live exchange client
// satisfies it; paper trading reuses its public stream.
type MarkSource interface {
	MarkPriceStream(ctx context.Context) (<-chan []domain.MarkPrice, error)
}

// Paper is a simulated exchange that fills market orders at the latest mark
// price. Quantities are rounded down to the symbol's step size.
type Paper struct {
	source      MarkSource
	defaultStep decimal.Decimal
	steps       map[string]decimal.Decimal
	feeRate     decimal.Decimal
	seq         atomic.Int64

	mu    sync.RWMutex
	marks map[string]float64
	net   map[string]decimal.Decimal // signed: BUY positive
	entry map[string]float64
	stops map[string]float64 // position id -> stop price
	tps   map[string]float64 // position id -> take-profit price
}

var _ domain.ExchangeClient = (*Paper)(nil)

// NewPaper creates a paper exchange. source may be nil, in which case prices
// only arrive through SetMark.
func NewPaper(source MarkSource, steps map[string]float64, feeRate float64) *Paper {
	p := &Paper{
		source:      source,
		defaultStep: decimal.RequireFromString("0.001"),
		steps:       make(map[string]decimal.Decimal, len(steps)),
		feeRate:     decimal.NewFromFloat(feeRate),
		marks:       make(map[string]float64),
		net:         make(map[string]decimal.Decimal),
		entry:       make(map[string]float64),
		stops:       make(map[string]float64),
		tps:         make(map[string]float64),
	}
	for sym, step := range steps {
		if step > 0 {
			p.steps[sym] = decimal.NewFromFloat(step)
		}
	}
	return p
}

// SetMark records the latest price for symbol.
func (p *Paper) SetMark(symbol string, price float64) {
	p.mu.Lock()
	p.marks[symbol] = price
	p.mu.Unlock()
}

func (p *Paper) mark(symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.marks[symbol]
	if !ok || m <= 0 {
		return 0, fmt.Errorf("paper: no mark price for %s: %w", symbol, domain.ErrNoData)
	}
	return m, nil
}

func (p *Paper) step(symbol string) decimal.Decimal {
	if s, ok := p.steps[symbol]; ok {
		return s
	}
	return p.defaultStep
}

// roundDown truncates qty to a multiple of step.
func roundDown(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// Quantity converts investAmount at the current mark into a step-rounded
// quantity and two partial-close sizes. A zero quantity means the
// investment is too small for the symbol.
func (p *Paper) Quantity(_ context.Context, symbol string, investAmount float64) (domain.Sizing, error) {
	mark, err := p.mark(symbol)
	if err != nil {
		return domain.Sizing{}, err
	}
	step := p.step(symbol)
	price := decimal.NewFromFloat(mark)
	qty := roundDown(decimal.NewFromFloat(investAmount).Div(price), step)
	half := roundDown(qty.Div(decimal.NewFromInt(2)), step)

	return domain.Sizing{
		Qty:         qty.InexactFloat64(),
		PartialQty1: half.InexactFloat64(),
		PartialQty2: qty.Sub(half).InexactFloat64(),
		Precision:   int(-step.Exponent()),
		Price:       mark,
	}, nil
}

// PlaceOrder fills qty at the mark and charges the taker fee.
func (p *Paper) PlaceOrder(_ context.Context, symbol string, side domain.Side, qty float64) (domain.OrderResult, error) {
	if !side.Valid() || qty <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: order %s %s %g: %w", symbol, side, qty, domain.ErrInvalidOrder)
	}
	mark, err := p.mark(symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	q := decimal.NewFromFloat(qty)
	price := decimal.NewFromFloat(mark)
	fee := q.Mul(price).Mul(p.feeRate)

	signed := q
	if side == domain.Sell {
		signed = q.Neg()
	}
	p.mu.Lock()
	before := p.net[symbol]
	after := before.Add(signed)
	if after.IsZero() {
		delete(p.net, symbol)
		delete(p.entry, symbol)
	} else {
		p.net[symbol] = after
		if before.IsZero() || before.Sign() != after.Sign() {
			p.entry[symbol] = mark
		}
	}
	p.mu.Unlock()

	return domain.OrderResult{
		OrderID:  fmt.Sprintf("paper-%d", p.seq.Add(1)),
		Side:     side,
		Qty:      qty,
		AvgPrice: mark,
		Fee:      fee.InexactFloat64(),
	}, nil
}

// SetStopLoss records the stop; paper orders never trigger on their own.
func (p *Paper) SetStopLoss(_ context.Context, o domain.ProtectiveOrder) error {
	p.mu.Lock()
	p.stops[o.PositionID] = o.Price
	p.mu.Unlock()
	return nil
}

// SetTakeProfit records the take-profit price.
func (p *Paper) SetTakeProfit(_ context.Context, o domain.ProtectiveOrder) error {
	p.mu.Lock()
	p.tps[o.PositionID] = o.Price
	p.mu.Unlock()
	return nil
}

// CancelProtective forgets positionID's stop and take-profit.
func (p *Paper) CancelProtective(_ context.Context, _, positionID string) error {
	p.mu.Lock()
	delete(p.stops, positionID)
	delete(p.tps, positionID)
	p.mu.Unlock()
	return nil
}

// Protective returns the stop and take-profit recorded for positionID.
func (p *Paper) Protective(positionID string) (stop, tp float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stops[positionID], p.tps[positionID]
}

// OpenPositions reports the net paper position per symbol.
func (p *Paper) OpenPositions(_ context.Context) ([]domain.ExchangePosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ExchangePosition, 0, len(p.net))
	for sym, n := range p.net {
		side := domain.Buy
		if n.IsNegative() {
			side = domain.Sell
		}
		out = append(out, domain.ExchangePosition{
			Symbol:     sym,
			Side:       side,
			Qty:        n.Abs().InexactFloat64(),
			EntryPrice: p.entry[sym],
		})
	}
	return out, nil
}

// MarkPriceStream relays the source stream, recording each price as the
// fill price for later orders.
func (p *Paper) MarkPriceStream(ctx context.Context) (<-chan []domain.MarkPrice, error) {
	out := make(chan []domain.MarkPrice, 16)
	if p.source == nil {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}

	in, err := p.source.MarkPriceStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("paper: mark stream: %w", err)
	}
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-in:
				if !ok {
					return
				}
				p.mu.Lock()
				for _, mp := range batch {
					p.marks[mp.Symbol] = mp.Price
				}
				p.mu.Unlock()
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					// Consumer stalled; the next batch supersedes this one.
				}
			}
		}
	}()
	return out, nil
}

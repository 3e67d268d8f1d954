// Package hedge owns the hedge sub-state-machine: opening a 1:1 opposite leg
// on loss, holding it, releasing it back to a single leg, and flattening a
// position into CLOSE.
package hedge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/position"
)

// Outcome says what Evaluate did.
type Outcome uint8

const (
	Held Outcome = iota
	Released
	Resumed
	Closed
)

func (o Outcome) String() string {
	switch o {
	case Held:
		return "held"
	case Released:
		return "released"
	case Resumed:
		return "resumed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes the release condition.
type Config struct {
	// ReleaseProfit is the consolidated net P&L at or above which the hedge
	// leg is released.
	ReleaseProfit  float64
	CommissionRate float64
}

// Manager drives hedge transitions. Exchange I/O always happens before the
// store mutation and outside any per-id lock; the mutation is guarded by the
// version read before the I/O.
type Manager struct {
	cfg       Config
	store     *position.Store
	exchange  domain.ExchangeClient
	telemetry domain.Telemetry
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a hedge Manager.
func NewManager(cfg Config, store *position.Store, exchange domain.ExchangeClient, telemetry domain.Telemetry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		exchange:  exchange,
		telemetry: telemetry,
		logger:    logger.With(slog.String("component", "hedge")),
		now:       time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// NetPnL is the consolidated profit of both legs net of commission.
func NetPnL(p domain.Position, mark, commissionRate float64) float64 {
	return p.NetPnL(mark, commissionRate)
}

// Open reacts to a loss-floor breach on a RUNNING position. In initial risk
// mode it buys protection: an opposite market order for exactly the primary
// leg quantity, recorded at the fill price, moving to HEDGE_HOLD. In
// trend-following mode no leg is opened and the position moves to
// HEDGE_CLOSE to wait for a fresh entry condition.
func (m *Manager) Open(ctx context.Context, p domain.Position, mark float64) (domain.Position, error) {
	if p.State != domain.StateRunning {
		return p, fmt.Errorf("hedge: open %s in %s: %w", p.ID, p.State, domain.ErrInvalidTransition)
	}

	if p.RiskMode == domain.RiskTrend {
		next, err := m.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
			return w.Transition(domain.StateHedgeClose, "", m.now())
		}))
		if err != nil {
			return p, err
		}
		m.telemetry.LogEvent(p.ID, "hedge_close", "loss floor in trend mode, awaiting re-entry", next.NetPnL(mark, m.cfg.CommissionRate))
		return next, nil
	}

	side := p.Side.Opposite()
	qty := p.Entry.Qty
	res, err := m.exchange.PlaceOrder(ctx, p.Symbol, side, qty)
	if err != nil {
		return p, fmt.Errorf("hedge: open %s: %w", p.ID, err)
	}
	fill := res.AvgPrice
	if fill <= 0 {
		fill = mark
	}

	next, err := m.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
		if err := w.Transition(domain.StateHedgeHold, "", m.now()); err != nil {
			return err
		}
		w.Hedge = &domain.Leg{Side: side, Qty: qty, Price: fill, OrderID: res.OrderID}
		w.HedgeOrderSize = qty
		w.Commission += res.Fee
		return nil
	}))
	if err != nil {
		m.unwind(ctx, p, side.Opposite(), qty, err)
		return p, err
	}
	m.logger.InfoContext(ctx, "hedge opened",
		slog.String("position_id", p.ID),
		slog.String("side", string(side)),
		slog.Float64("qty", qty),
		slog.Float64("price", fill),
	)
	m.telemetry.LogEvent(p.ID, "hedge_open", fmt.Sprintf("%s %g @ %g", side, qty, fill), next.NetPnL(mark, m.cfg.CommissionRate))
	return next, nil
}

// Evaluate advances a position in a hedge state given the latest mark and
// trend rows. HEDGE_HOLD releases when consolidated P&L recovers to the
// release threshold or the trend re-confirms the original side, and closes
// when the trend confirms the hedge side. HEDGE_CLOSE resumes RUNNING on a
// fresh entry condition and closes when the trend confirms against it.
func (m *Manager) Evaluate(ctx context.Context, p domain.Position, mark float64, sig domain.Signals) (domain.Position, Outcome, error) {
	switch p.State {
	case domain.StateHedgeHold:
		if confirms(sig, p.Side.Opposite()) {
			next, err := m.Close(ctx, p, mark, "hedge side confirmed")
			return next, Closed, err
		}
		net := p.NetPnL(mark, m.cfg.CommissionRate)
		if net >= m.cfg.ReleaseProfit || confirms(sig, p.Side) {
			next, err := m.Release(ctx, p, mark)
			return next, Released, err
		}
		return p, Held, nil

	case domain.StateHedgeClose:
		if confirms(sig, p.Side) {
			next, err := m.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
				w.FloorBase = mark
				return w.Transition(domain.StateRunning, "", m.now())
			}))
			if err != nil {
				return p, Held, err
			}
			m.telemetry.LogEvent(p.ID, "hedge_resume", "entry condition reappeared", next.NetPnL(mark, m.cfg.CommissionRate))
			return next, Resumed, nil
		}
		if confirms(sig, p.Side.Opposite()) {
			next, err := m.Close(ctx, p, mark, "trend confirmed against position")
			return next, Closed, err
		}
		return p, Held, nil

	case domain.StateHedgeRelease:
		// Only reachable after a restart between the two release steps.
		next, err := m.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
			w.FloorBase = mark
			return w.Transition(domain.StateRunning, "", m.now())
		}))
		if err != nil {
			return p, Held, err
		}
		return next, Resumed, nil

	default:
		return p, Held, fmt.Errorf("hedge: evaluate %s in %s: %w", p.ID, p.State, domain.ErrInvalidTransition)
	}
}

// Release closes the hedge leg, folds its realized P&L net of the closing
// fee into the position and returns it to RUNNING through HEDGE_RELEASE in
// a single mutation. The release fill becomes the position's FloorBase.
func (m *Manager) Release(ctx context.Context, p domain.Position, mark float64) (domain.Position, error) {
	if p.State != domain.StateHedgeHold || p.Hedge == nil {
		return p, fmt.Errorf("hedge: release %s in %s: %w", p.ID, p.State, domain.ErrInvalidTransition)
	}
	leg := *p.Hedge
	res, err := m.exchange.PlaceOrder(ctx, p.Symbol, leg.Side.Opposite(), leg.Qty)
	if err != nil {
		return p, fmt.Errorf("hedge: release %s: %w", p.ID, err)
	}
	fill := res.AvgPrice
	if fill <= 0 {
		fill = mark
	}
	realized := leg.PnL(fill) - res.Fee

	next, err := m.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
		now := m.now()
		if err := w.Transition(domain.StateHedgeRelease, "", now); err != nil {
			return err
		}
		w.Hedge = nil
		w.HedgeOrderSize = 0
		w.RealizedPnL += realized
		w.FloorBase = fill
		return w.Transition(domain.StateRunning, "", now)
	}))
	if err != nil {
		m.unwind(ctx, p, leg.Side, leg.Qty, err)
		return p, err
	}
	m.logger.InfoContext(ctx, "hedge released",
		slog.String("position_id", p.ID),
		slog.Float64("hedge_pnl", realized),
	)
	m.telemetry.LogEvent(p.ID, "hedge_release", fmt.Sprintf("hedge leg closed @ %g", fill), next.NetPnL(mark, m.cfg.CommissionRate))
	return next, nil
}

// Close flattens every open leg and moves the position to CLOSE with
// close price closePrice.
func (m *Manager) Close(ctx context.Context, p domain.Position, closePrice float64, reason string) (domain.Position, error) {
	if p.State.Terminal() {
		return p, fmt.Errorf("hedge: close %s: %w", p.ID, domain.ErrPositionClosed)
	}

	var realized, fees float64
	if p.Entry.Qty > 0 {
		res, err := m.exchange.PlaceOrder(ctx, p.Symbol, p.Entry.Side.Opposite(), p.Entry.Qty)
		if err != nil {
			return p, fmt.Errorf("hedge: close %s entry leg: %w", p.ID, err)
		}
		realized += p.Entry.PnL(fillOr(res.AvgPrice, closePrice))
		fees += res.Fee
	}
	if p.Hedge != nil {
		res, err := m.exchange.PlaceOrder(ctx, p.Symbol, p.Hedge.Side.Opposite(), p.Hedge.Qty)
		if err != nil {
			// The entry leg is already flat, so the record cannot go back to
			// HEDGE_HOLD. Book the hedge leg at closePrice and surface the
			// leftover exposure through telemetry for reconciliation.
			m.telemetry.LogError(err, "hedge: close hedge leg", p.ID)
			realized += p.Hedge.PnL(closePrice)
		} else {
			realized += p.Hedge.PnL(fillOr(res.AvgPrice, closePrice))
			fees += res.Fee
		}
	}

	next, err := m.store.Upsert(p.ID, func(w *domain.Position) error {
		if w.State.Terminal() {
			return fmt.Errorf("hedge: close %s: %w", w.ID, domain.ErrPositionClosed)
		}
		if err := w.Transition(domain.StateClose, reason, m.now()); err != nil {
			return err
		}
		w.Hedge = nil
		w.RealizedPnL += realized - fees
		w.UnrealizedPnL = 0
		w.ClosePrice = closePrice
		return nil
	})
	if err != nil {
		return p, err
	}
	if err := m.exchange.CancelProtective(ctx, p.Symbol, p.ID); err != nil {
		m.telemetry.LogError(err, "hedge: cancel protective orders", p.ID)
	}
	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", p.ID),
		slog.String("reason", reason),
		slog.Float64("close_price", closePrice),
		slog.Float64("realized_pnl", next.RealizedPnL),
	)
	m.telemetry.LogEvent(p.ID, "close", reason, next.RealizedPnL-next.Commission)
	return next, nil
}

// unwind reverses an order whose bookkeeping mutation was rejected.
func (m *Manager) unwind(ctx context.Context, p domain.Position, side domain.Side, qty float64, cause error) {
	m.logger.WarnContext(ctx, "position moved during hedge order, unwinding",
		slog.String("position_id", p.ID),
		slog.String("error", cause.Error()),
	)
	if _, err := m.exchange.PlaceOrder(ctx, p.Symbol, side, qty); err != nil {
		m.telemetry.LogError(err, "hedge: unwind", p.ID)
	}
}

func fillOr(fill, fallback float64) float64 {
	if fill > 0 {
		return fill
	}
	return fallback
}

// confirms reports whether every row fetched for this evaluation points in
// side's favour. At least one higher interval must have been checked.
func confirms(sig domain.Signals, side domain.Side) bool {
	if sig.Primary == nil || len(sig.Higher) == 0 {
		return false
	}
	if !sig.Primary.Trend.Favors(side) {
		return false
	}
	for _, row := range sig.Higher {
		if !row.Trend.Favors(side) {
			return false
		}
	}
	return true
}

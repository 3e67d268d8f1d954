package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/hedge"
	"github.com/alanyoungcy/hedgebot/internal/position"
	"github.com/alanyoungcy/hedgebot/internal/strategy"
)

// ReasonLowInvestment is the close reason when sizing rounds to zero.
const ReasonLowInvestment = "low investment"

// Config holds the evaluation parameters.
type Config struct {
	Cadence        time.Duration
	WarningCadence time.Duration
	CandleKind     domain.CandleKind
	SignalTimeout  time.Duration
	InitialStopPct float64
	TakeProfitPct  float64
	MinProfit      float64
	CommissionRate float64
}

// Evaluator runs one evaluation cycle for a position. It is the job the
// simulation pool executes.
type Evaluator struct {
	cfg       Config
	store     *position.Store
	engine    *strategy.Engine
	hedge     *hedge.Manager
	exchange  domain.ExchangeClient
	signals   domain.SignalProvider
	telemetry domain.Telemetry
	logger    *slog.Logger
	now       func() time.Time
	onClose   func(domain.Position)
}

// NewEvaluator creates an Evaluator. signals may be nil, in which case
// decisions are made from price alone.
func NewEvaluator(
	cfg Config,
	store *position.Store,
	engine *strategy.Engine,
	hedgeMgr *hedge.Manager,
	exchange domain.ExchangeClient,
	signals domain.SignalProvider,
	telemetry domain.Telemetry,
	logger *slog.Logger,
) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		hedge:     hedgeMgr,
		exchange:  exchange,
		signals:   signals,
		telemetry: telemetry,
		logger:    logger.With(slog.String("component", "evaluator")),
		now:       time.Now,
		onClose:   func(domain.Position) {},
	}
}

// OnClose registers the hook run after a position reaches CLOSE.
func (e *Evaluator) OnClose(fn func(domain.Position)) { e.onClose = fn }

// WithClock replaces the time source. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Skippable reports whether err means "no result this cycle" rather than a
// failure: a timeout, a rate-limit refusal, a signal miss, or a position
// that moved on while I/O was in flight.
func Skippable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrNoData) ||
		errors.Is(err, domain.ErrStaleVersion)
}

// Evaluate runs one cycle for id.
func (e *Evaluator) Evaluate(ctx context.Context, id string) error {
	err := e.evaluate(ctx, id)
	if err == nil {
		return nil
	}
	if Skippable(err) {
		e.logger.DebugContext(ctx, "cycle skipped",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		return nil
	}
	e.telemetry.LogError(err, "evaluate", id)
	return err
}

func (e *Evaluator) evaluate(ctx context.Context, id string) error {
	p, snap, ok := e.store.Get(id)
	if !ok {
		return nil
	}
	if p.State.Terminal() {
		e.onClose(p)
		return nil
	}
	if !snap.HasPrice() {
		return nil
	}
	mark := snap.MarkPrice

	if p.State == domain.StateAssign {
		return e.enter(ctx, p, mark)
	}

	sig, err := e.fetchSignals(ctx, p)
	if err != nil {
		return err
	}

	if p.State == domain.StateRunning {
		return e.decide(ctx, p, snap, sig)
	}

	next, out, err := e.hedge.Evaluate(ctx, p, mark, sig)
	if err != nil {
		return err
	}
	switch out {
	case hedge.Closed:
		e.onClose(next)
	case hedge.Released, hedge.Resumed:
		// A single consolidated leg again: evaluate it as a fresh RUNNING
		// position straight away.
		snap.LastDecision = domain.Decision{}
		return e.decide(ctx, next, snap, sig)
	}
	return nil
}

// enter handles ASSIGN -> RUNNING, or ASSIGN -> CLOSE when sizing fails.
func (e *Evaluator) enter(ctx context.Context, p domain.Position, mark float64) error {
	sizing, err := e.exchange.Quantity(ctx, p.Symbol, p.Investment)
	if err != nil {
		return fmt.Errorf("worker: size %s: %w", p.ID, err)
	}
	if sizing.Qty <= 0 {
		closed, err := e.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
			return w.Transition(domain.StateClose, ReasonLowInvestment, e.now())
		}))
		if err != nil {
			return err
		}
		e.telemetry.LogEvent(p.ID, "close", ReasonLowInvestment, 0)
		e.onClose(closed)
		return nil
	}

	res, err := e.exchange.PlaceOrder(ctx, p.Symbol, p.Side, sizing.Qty)
	if err != nil {
		return fmt.Errorf("worker: entry order %s: %w", p.ID, err)
	}
	fill := res.AvgPrice
	if fill <= 0 {
		fill = mark
	}
	stop, tp := e.protective(p.Side, fill)

	next, err := e.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
		if err := w.Transition(domain.StateRunning, "", e.now()); err != nil {
			return err
		}
		w.Entry = domain.Leg{Side: w.Side, Qty: sizing.Qty, Price: fill, OrderID: res.OrderID}
		w.PartialQty1 = sizing.PartialQty1
		w.PartialQty2 = sizing.PartialQty2
		w.StopPrice = stop
		w.TakeProfit = tp
		w.Commission += res.Fee
		if w.MinProfit <= 0 {
			w.MinProfit = e.cfg.MinProfit
		}
		return nil
	}))
	if err != nil {
		if _, uerr := e.exchange.PlaceOrder(ctx, p.Symbol, p.Side.Opposite(), sizing.Qty); uerr != nil {
			e.telemetry.LogError(uerr, "worker: unwind entry", p.ID)
		}
		return err
	}
	e.telemetry.LogEvent(p.ID, "entry", fmt.Sprintf("%s %g @ %g", p.Side, sizing.Qty, fill), 0)

	if err := e.exchange.SetStopLoss(ctx, guardOrder(next, stop)); err != nil {
		e.telemetry.LogError(err, "worker: set stop loss", p.ID)
	}
	if tp > 0 {
		if err := e.exchange.SetTakeProfit(ctx, guardOrder(next, tp)); err != nil {
			e.telemetry.LogError(err, "worker: set take profit", p.ID)
		}
	}
	e.logger.InfoContext(ctx, "position entered",
		slog.String("position_id", next.ID),
		slog.String("symbol", next.Symbol),
		slog.Float64("qty", next.Entry.Qty),
		slog.Float64("price", fill),
	)
	return nil
}

func (e *Evaluator) protective(side domain.Side, fill float64) (stop, tp float64) {
	if side == domain.Buy {
		stop = fill * (1 - e.cfg.InitialStopPct)
		if e.cfg.TakeProfitPct > 0 {
			tp = fill * (1 + e.cfg.TakeProfitPct)
		}
		return stop, tp
	}
	stop = fill * (1 + e.cfg.InitialStopPct)
	if e.cfg.TakeProfitPct > 0 {
		tp = fill * (1 - e.cfg.TakeProfitPct)
	}
	return stop, tp
}

// fetchSignals reads the position's interval and its higher intervals in
// parallel. Any miss fails the whole set.
func (e *Evaluator) fetchSignals(ctx context.Context, p domain.Position) (domain.Signals, error) {
	if e.signals == nil {
		return domain.Signals{}, nil
	}
	if e.cfg.SignalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SignalTimeout)
		defer cancel()
	}

	intervals := append([]string{p.Interval}, e.engine.HigherIntervals(p.Interval)...)
	rows := make([]domain.SignalRow, len(intervals))
	g, gctx := errgroup.WithContext(ctx)
	for i, iv := range intervals {
		g.Go(func() error {
			row, err := e.signals.GetSnapshot(gctx, p.Symbol, iv, e.cfg.CandleKind)
			if err != nil {
				return fmt.Errorf("worker: signal %s %s: %w", p.Symbol, iv, err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Signals{}, err
	}
	return domain.Signals{Primary: &rows[0], Higher: rows[1:]}, nil
}

// decide runs the strategy engine on a RUNNING position and applies the
// result.
func (e *Evaluator) decide(ctx context.Context, p domain.Position, snap domain.AnalysisSnapshot, sig domain.Signals) error {
	now := e.now()
	d := e.engine.Decide(strategy.Input{Position: p, Snapshot: snap, Signals: sig, Now: now})
	e.store.SetDecision(p.ID, d)
	mark := snap.MarkPrice

	switch d.Action {
	case domain.ActionExit:
		closed, err := e.hedge.Close(ctx, p, d.Price, d.Reason)
		if err != nil {
			return err
		}
		e.onClose(closed)
		return nil

	case domain.ActionOpenHedge:
		_, err := e.hedge.Open(ctx, p, mark)
		return err

	case domain.ActionAddInvestment:
		return e.addInvestment(ctx, p, d, mark)
	}

	th := e.engine.Thresholds()
	unrealized := p.Unrealized(mark, th.CommissionRate)
	rearm := strategy.FloorRearmed(p, mark, th)
	changed := false
	next, err := e.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
		if rearm && w.FloorBase > 0 {
			w.FloorBase = 0
			changed = true
		}
		if w.Warning != d.Warning {
			w.Warning = d.Warning
			changed = true
		}
		if d.EnterTrend && w.RiskMode != domain.RiskTrend {
			w.RiskMode = domain.RiskTrend
			changed = true
		}
		if d.MinClose && !w.MinClose {
			w.MinClose = true
			changed = true
		}
		switch d.Action {
		case domain.ActionMoveStop:
			if domain.BetterStop(w.Side, w.StopPrice, d.StopPrice) {
				w.StopPrice = d.StopPrice
				changed = true
			}
		case domain.ActionSwitchInterval:
			if d.Interval != "" && d.Interval != w.Interval {
				w.Interval = d.Interval
				changed = true
			}
		}
		if !changed {
			return errUnchanged
		}
		w.UnrealizedPnL = unrealized
		return nil
	}))
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	if d.Action == domain.ActionMoveStop && next.StopPrice == d.StopPrice {
		if err := e.exchange.SetStopLoss(ctx, guardOrder(next, d.StopPrice)); err != nil {
			e.telemetry.LogError(err, "worker: move stop", p.ID)
		}
		e.telemetry.LogEvent(p.ID, "move_stop", d.Reason, next.NetPnL(mark, th.CommissionRate))
	}
	if d.Action == domain.ActionSwitchInterval {
		e.telemetry.LogEvent(p.ID, "switch_interval", d.Reason, 0)
	}
	return nil
}

var errUnchanged = errors.New("unchanged")

func (e *Evaluator) addInvestment(ctx context.Context, p domain.Position, d domain.Decision, mark float64) error {
	sizing, err := e.exchange.Quantity(ctx, p.Symbol, d.Amount)
	if err != nil {
		return fmt.Errorf("worker: size add %s: %w", p.ID, err)
	}
	if sizing.Qty <= 0 {
		return nil
	}
	res, err := e.exchange.PlaceOrder(ctx, p.Symbol, p.Side, sizing.Qty)
	if err != nil {
		return fmt.Errorf("worker: add order %s: %w", p.ID, err)
	}
	fill := res.AvgPrice
	if fill <= 0 {
		fill = mark
	}
	next, err := e.store.Upsert(p.ID, position.Guard(p.Version, func(w *domain.Position) error {
		total := w.Entry.Qty + sizing.Qty
		w.Entry.Price = (w.Entry.Price*w.Entry.Qty + fill*sizing.Qty) / total
		w.Entry.Qty = total
		w.AddedQty += sizing.Qty
		w.AddCount++
		w.LastAddAt = e.now()
		w.Investment += d.Amount
		w.Commission += res.Fee
		return nil
	}))
	if err != nil {
		if _, uerr := e.exchange.PlaceOrder(ctx, p.Symbol, p.Side.Opposite(), sizing.Qty); uerr != nil {
			e.telemetry.LogError(uerr, "worker: unwind add", p.ID)
		}
		return err
	}
	// Resize the resting orders to the grown entry leg.
	if next.StopPrice > 0 {
		if err := e.exchange.SetStopLoss(ctx, guardOrder(next, next.StopPrice)); err != nil {
			e.telemetry.LogError(err, "worker: resize stop loss", p.ID)
		}
	}
	if next.TakeProfit > 0 {
		if err := e.exchange.SetTakeProfit(ctx, guardOrder(next, next.TakeProfit)); err != nil {
			e.telemetry.LogError(err, "worker: resize take profit", p.ID)
		}
	}
	e.telemetry.LogEvent(p.ID, "add_investment", d.Reason, next.NetPnL(mark, e.engine.Thresholds().CommissionRate))
	return nil
}

// guardOrder is the resting order guarding p's entry leg at price.
func guardOrder(p domain.Position, price float64) domain.ProtectiveOrder {
	return domain.ProtectiveOrder{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side.Opposite(),
		Qty:        p.Entry.Qty,
		Price:      price,
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/exchange"
	"github.com/alanyoungcy/hedgebot/internal/feed"
	"github.com/alanyoungcy/hedgebot/internal/governor"
	"github.com/alanyoungcy/hedgebot/internal/hedge"
	"github.com/alanyoungcy/hedgebot/internal/persist"
	"github.com/alanyoungcy/hedgebot/internal/position"
	"github.com/alanyoungcy/hedgebot/internal/scheduler"
	"github.com/alanyoungcy/hedgebot/internal/server"
	"github.com/alanyoungcy/hedgebot/internal/server/handler"
	"github.com/alanyoungcy/hedgebot/internal/server/middleware"
	"github.com/alanyoungcy/hedgebot/internal/server/ws"
	"github.com/alanyoungcy/hedgebot/internal/service"
	"github.com/alanyoungcy/hedgebot/internal/strategy"
	"github.com/alanyoungcy/hedgebot/internal/telemetry"
	"github.com/alanyoungcy/hedgebot/internal/worker"
)

// LiveMode runs the engine against the real exchange. After restoring the
// positions of this machine it reconciles them with the exchange's open
// positions and reports any drift.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runEngine(ctx, deps, true)
}

// PaperMode runs the engine against the simulated exchange, filling orders
// at the public mark price.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runEngine(ctx, deps, false)
}

// engine holds the components built for one run.
type engine struct {
	store     *position.Store
	gov       *governor.Governor
	recorder  *telemetry.Recorder
	sync      *persist.Sync
	sched     *scheduler.Scheduler
	sup       *worker.Supervisor
	priceFeed *feed.PriceFeed
	positions *service.PositionService
	hub       *ws.Hub
}

func (a *App) build(ctx context.Context, deps *Dependencies) (*engine, error) {
	cfg := a.cfg
	e := &engine{store: position.NewStore()}

	e.gov = governor.New(governor.Config{
		PoolOverride:   cfg.Scheduler.PoolSize,
		MinPool:        cfg.Governor.MinPool,
		MaxPool:        cfg.Governor.MaxPool,
		MemPerWorkerMB: cfg.Governor.MemPerWorkerMB,
		CrashThreshold: cfg.Governor.CrashThreshold,
	}, deps.Budget, deps.LocalBudget, a.logger)

	opts := telemetry.Options{
		Audit:    deps.AuditStore,
		Notifier: deps.Notifier,
		Channel:  cfg.Redis.EventChannel,
	}
	if deps.SignalBus != nil {
		opts.Bus = deps.SignalBus
	}
	if cfg.Server.Enabled {
		e.hub = ws.NewHub(a.logger)
		opts.Watchers = append(opts.Watchers, e.hub)
	}
	e.recorder = telemetry.New(opts, a.logger)

	e.gov.Policy().OnDemote(func(reason string) {
		e.recorder.LogEvent("", "demoted", reason, 0)
	})

	metered := exchange.NewMetered(deps.Exchange, e.gov.Budget(), cfg.Exchange.CallTimeout.Duration)

	decisions, err := strategy.NewEngine(strategy.DefaultRegistry(), cfg.Decision.Strategies, strategy.Thresholds{
		LossFloor:       cfg.Decision.LossFloor,
		TrailingPct:     cfg.Decision.TrailingPct,
		WarningBand:     cfg.Decision.WarningBand,
		RSIUpper:        cfg.Decision.RSIUpper,
		RSILower:        cfg.Decision.RSILower,
		MaxRangePct:     cfg.Decision.MaxRangePct,
		CommissionRate:  cfg.Exchange.CommissionRate,
		AddCooldown:     cfg.Decision.AddInvestmentCooldown.Duration,
		AddProfit:       cfg.Decision.AddInvestmentProfit,
		AddFraction:     cfg.Decision.AddInvestmentFraction,
		MaxAddTimes:     cfg.Decision.MaxAddTimes,
		HigherIntervals: cfg.Decision.HigherIntervals,
	})
	if err != nil {
		return nil, fmt.Errorf("app: decision engine: %w", err)
	}

	hedges := hedge.NewManager(hedge.Config{
		ReleaseProfit:  cfg.Hedge.ReleaseProfit,
		CommissionRate: cfg.Exchange.CommissionRate,
	}, e.store, metered, e.recorder, a.logger)

	e.sync = persist.New(persist.Config{
		FlushInterval:  cfg.Persistence.FlushInterval.Duration,
		MaxAttempts:    cfg.Persistence.MaxAttempts,
		InitialBackoff: cfg.Persistence.InitialBackoff.Duration,
		MaxBackoff:     cfg.Persistence.MaxBackoff.Duration,
		UnhealthyAfter: cfg.Persistence.UnhealthyAfter,
	}, deps.Repository, e.store, a.logger)

	workerCfg := worker.Config{
		Cadence:        cfg.Position.Cadence.Duration,
		WarningCadence: cfg.Position.WarningCadence.Duration,
		CandleKind:     domain.CandleKind(cfg.Position.CandleKind),
		SignalTimeout:  cfg.Decision.SignalTimeout.Duration,
		InitialStopPct: cfg.Position.InitialStopPct,
		TakeProfitPct:  cfg.Position.TakeProfitPct,
		MinProfit:      cfg.Position.MinProfit,
		CommissionRate: cfg.Exchange.CommissionRate,
	}
	eval := worker.NewEvaluator(workerCfg, e.store, decisions, hedges, metered, deps.Signals, e.recorder, a.logger)

	e.sched = scheduler.New(scheduler.Config{
		PoolSize:    e.gov.PoolSize(ctx),
		QueueDepth:  cfg.Scheduler.QueueDepth,
		MinInterval: cfg.Scheduler.MinInterval.Duration,
		JobTimeout:  cfg.Scheduler.JobTimeout.Duration,
	}, eval.Evaluate, e.gov, a.logger)

	e.sup = worker.NewSupervisor(workerCfg, e.store, e.sched, e.gov, e.sync, e.recorder, a.logger)
	eval.OnClose(e.sup.Retire)

	e.priceFeed = feed.NewPriceFeed(deps.Market, e.store, deps.PriceCache, 0, a.logger)

	e.positions = service.NewPositionService(service.Config{
		MachineID:         cfg.MachineID,
		DefaultInvestment: cfg.Position.DefaultInvestment,
		MinProfit:         cfg.Position.MinProfit,
		LockTTL:           cfg.Position.LockTTL.Duration,
	}, e.store, e.sync, deps.Repository, e.sup, deps.LockManager, metered, e.recorder, a.logger)

	return e, nil
}

// runEngine builds the engine, restores this machine's positions and runs
// every component until ctx is cancelled. Telemetry and persistence outlive
// the workers so the final mutations are flushed and recorded.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, reconcile bool) error {
	e, err := a.build(ctx, deps)
	if err != nil {
		return err
	}

	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	sinks, sinkCtx := errgroup.WithContext(sinkCtx)
	sinks.Go(func() error { return e.recorder.Run(sinkCtx) })
	sinks.Go(func() error { return e.sync.Run(sinkCtx) })
	defer func() {
		stopSinks()
		if err := sinks.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("sink shutdown", slog.String("error", err.Error()))
		}
	}()

	restored, err := e.positions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: restore positions: %w", err)
	}
	a.logger.InfoContext(ctx, "positions restored", slog.Int("count", restored))

	if reconcile {
		report, err := e.positions.Reconcile(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "reconcile failed", slog.String("error", err.Error()))
		} else if len(report.Orphans) > 0 || len(report.Missing) > 0 {
			a.logger.WarnContext(ctx, "exchange drift",
				slog.Any("orphans", report.Orphans),
				slog.Any("missing", report.Missing),
			)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.sched.Run(ctx) })
	g.Go(func() error { return e.sup.Run(ctx, e.priceFeed.Notifications()) })
	g.Go(func() error { return e.priceFeed.Run(ctx) })

	if deps.SignalBus != nil {
		entries := feed.NewEntryFeeder(deps.SignalBus, a.cfg.Redis.SignalChannel, e.positions, a.logger)
		g.Go(func() error { return entries.Run(ctx) })
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration, a.cfg.S3.ArchiveAfter.Duration, a.logger)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, e)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startHTTPServer adds the API server and the websocket hub to g. The server
// is shut down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *engine) {
	health := handler.NewHealthHandler(
		handler.Check{Name: "persistence", Probe: func() (bool, string) {
			return e.sync.Healthy(), e.sync.LastError()
		}},
		handler.Check{Name: "governor", Probe: func() (bool, string) {
			if e.gov.Healthy() {
				return true, ""
			}
			return false, "execution demoted to serial"
		}},
		handler.Check{Name: "database", Probe: func() (bool, string) {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := deps.Ping(pctx); err != nil {
				return false, err.Error()
			}
			return true, ""
		}},
	)

	var limiter domain.RateLimiter = deps.RateLimiter
	if limiter == nil {
		limiter = middleware.NewLocalLimiter()
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, server.Handlers{
		Health:    health,
		Positions: handler.NewPositionHandler(e.positions, a.logger),
		Signals:   handler.NewSignalHandler(e.positions, a.logger),
		Governor:  handler.NewGovernorHandler(e.gov.Status, e.sched.Stats, e.sup.Count),
	}, e.hub, limiter, a.logger)

	g.Go(func() error { return e.hub.Run(ctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

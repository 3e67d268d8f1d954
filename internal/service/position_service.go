// Package service is the entry point for creating and restoring positions.
// It coordinates the live store, the durable mirror and the worker
// supervisor so a position exists in all three or in none.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/position"
)

// Durable is the persistence side of position creation.
type Durable interface {
	Create(ctx context.Context, p domain.Position) error
	Load(ctx context.Context, machineID string) ([]domain.Position, error)
	// Flush writes pending final states, including those of retired
	// positions still holding their durable live slot.
	Flush(ctx context.Context) error
}

// Starter launches the worker for a position id.
type Starter interface {
	Start(id string)
}

// Config holds the defaults stamped on new positions.
type Config struct {
	MachineID         string
	DefaultInvestment float64
	MinProfit         float64
	LockTTL           time.Duration
}

// PositionService opens, restores and reconciles positions.
type PositionService struct {
	cfg       Config
	store     *position.Store
	durable   Durable
	history   domain.PositionRepository
	workers   Starter
	locks     domain.LockManager
	exchange  domain.ExchangeClient
	telemetry domain.Telemetry
	logger    *slog.Logger
	now       func() time.Time
}

// NewPositionService creates a PositionService. locks may be nil on a single
// instance; history may be nil, in which case Get only sees live positions.
func NewPositionService(
	cfg Config,
	store *position.Store,
	durable Durable,
	history domain.PositionRepository,
	workers Starter,
	locks domain.LockManager,
	exchange domain.ExchangeClient,
	telemetry domain.Telemetry,
	logger *slog.Logger,
) *PositionService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &PositionService{
		cfg:       cfg,
		store:     store,
		durable:   durable,
		history:   history,
		workers:   workers,
		locks:     locks,
		exchange:  exchange,
		telemetry: telemetry,
		logger:    logger.With(slog.String("component", "position_service")),
		now:       time.Now,
	}
}

// WithClock replaces the clock used for CreatedAt stamps.
func (s *PositionService) WithClock(now func() time.Time) *PositionService {
	s.now = now
	return s
}

// Open creates the position described by sig and starts its worker. The id
// is derived from the signal, so replaying a signal returns the existing
// position together with an error wrapping domain.ErrAlreadyExists.
func (s *PositionService) Open(ctx context.Context, sig domain.EntrySignal) (domain.Position, error) {
	p, err := s.newPosition(sig)
	if err != nil {
		return domain.Position{}, err
	}

	if existing, _, ok := s.store.Get(p.ID); ok {
		return existing, fmt.Errorf("service: open %s: %w", p.ID, domain.ErrAlreadyExists)
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, p.LiveKey(), s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Position{}, fmt.Errorf("service: open %s: slot %s being created elsewhere: %w", p.ID, p.LiveKey(), domain.ErrAlreadyExists)
		}
		if err != nil {
			return domain.Position{}, fmt.Errorf("service: open %s: lock: %w", p.ID, err)
		}
		defer unlock()
	}

	if err := s.store.Insert(p); err != nil {
		if existing, _, ok := s.store.Get(p.ID); ok {
			return existing, fmt.Errorf("service: open %s: %w", p.ID, err)
		}
		return domain.Position{}, fmt.Errorf("service: open %s: %w", p.ID, err)
	}

	err = s.durable.Create(ctx, p)
	if errors.Is(err, domain.ErrAlreadyExists) && s.durable.Flush(ctx) == nil {
		err = s.durable.Create(ctx, p)
	}
	if err != nil {
		s.store.Remove(p.ID)
		return domain.Position{}, fmt.Errorf("service: open %s: %w", p.ID, err)
	}
	// Insert marked nothing dirty; the row just written is current.

	s.workers.Start(p.ID)
	s.telemetry.LogEvent(p.ID, "assign",
		fmt.Sprintf("%s %s %s from %s", p.Symbol, p.Side, p.Interval, p.Source), 0)
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
		slog.Float64("investment", p.Investment),
	)

	created, _, _ := s.store.Get(p.ID)
	return created, nil
}

func (s *PositionService) newPosition(sig domain.EntrySignal) (domain.Position, error) {
	symbol := strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if symbol == "" {
		return domain.Position{}, fmt.Errorf("service: open: symbol is required: %w", domain.ErrInvalidOrder)
	}
	if !sig.Side.Valid() {
		return domain.Position{}, fmt.Errorf("service: open %s: invalid side %q: %w", symbol, sig.Side, domain.ErrInvalidOrder)
	}
	if sig.CandleTime.IsZero() {
		return domain.Position{}, fmt.Errorf("service: open %s: candle_time is required: %w", symbol, domain.ErrInvalidOrder)
	}
	if sig.Investment < 0 {
		return domain.Position{}, fmt.Errorf("service: open %s: negative investment: %w", symbol, domain.ErrInvalidOrder)
	}

	investment := sig.Investment
	if investment == 0 {
		investment = s.cfg.DefaultInvestment
	}
	risk := sig.RiskMode
	if risk == 0 {
		risk = domain.RiskInitial
	}
	interval := sig.Interval
	if interval == "" {
		interval = "5m"
	}
	source := sig.Source
	if source == "" {
		source = "manual"
	}

	now := s.now().UTC()
	return domain.Position{
		ID:         domain.DerivePositionID(symbol, sig.Side, sig.CandleTime, source),
		MachineID:  s.cfg.MachineID,
		Symbol:     symbol,
		Side:       sig.Side,
		Interval:   interval,
		Source:     source,
		CandleTime: sig.CandleTime.UTC(),
		Investment: investment,
		State:      domain.StateAssign,
		RiskMode:   risk,
		MinProfit:  s.cfg.MinProfit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Restore loads this machine's active positions into the live store and
// starts their workers. It returns how many were restored.
func (s *PositionService) Restore(ctx context.Context) (int, error) {
	positions, err := s.durable.Load(ctx, s.cfg.MachineID)
	if err != nil {
		return 0, fmt.Errorf("service: restore: %w", err)
	}

	restored := 0
	for _, p := range positions {
		if err := s.store.Insert(p); err != nil {
			s.logger.WarnContext(ctx, "skipping restored position",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.workers.Start(p.ID)
		restored++
	}
	s.logger.InfoContext(ctx, "positions restored",
		slog.String("machine_id", s.cfg.MachineID),
		slog.Int("count", restored),
	)
	return restored, nil
}

// ReconcileReport lists disagreements between the exchange and the store.
type ReconcileReport struct {
	// Orphans are exchange positions no tracked leg accounts for.
	Orphans []domain.ExchangePosition `json:"orphans"`
	// Missing are tracked positions with an open leg the exchange does not
	// report.
	Missing []string `json:"missing"`
}

// Reconcile compares open exchange positions with the filled legs of live
// positions and logs every mismatch. It changes nothing.
func (s *PositionService) Reconcile(ctx context.Context) (ReconcileReport, error) {
	remote, err := s.exchange.OpenPositions(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("service: reconcile: %w", err)
	}

	onExchange := make(map[string]bool, len(remote))
	for _, rp := range remote {
		onExchange[legKey(rp.Symbol, rp.Side)] = true
	}

	tracked := make(map[string]bool)
	var report ReconcileReport
	for _, p := range s.store.Positions() {
		if p.State == domain.StateAssign || p.State.Terminal() || p.Entry.Qty == 0 {
			continue
		}
		tracked[legKey(p.Symbol, p.Entry.Side)] = true
		ok := onExchange[legKey(p.Symbol, p.Entry.Side)]
		if p.Hedge != nil {
			tracked[legKey(p.Symbol, p.Hedge.Side)] = true
			ok = ok || onExchange[legKey(p.Symbol, p.Hedge.Side)]
		}
		if !ok {
			report.Missing = append(report.Missing, p.ID)
			s.logger.WarnContext(ctx, "tracked position not on exchange",
				slog.String("position_id", p.ID),
				slog.String("symbol", p.Symbol),
			)
		}
	}
	for _, rp := range remote {
		if tracked[legKey(rp.Symbol, rp.Side)] {
			continue
		}
		report.Orphans = append(report.Orphans, rp)
		s.logger.WarnContext(ctx, "untracked exchange position",
			slog.String("symbol", rp.Symbol),
			slog.String("side", string(rp.Side)),
			slog.Float64("qty", rp.Qty),
		)
	}
	return report, nil
}

func legKey(symbol string, side domain.Side) string {
	return symbol + "|" + string(side)
}

// List returns every live position.
func (s *PositionService) List() []domain.Position {
	return s.store.Positions()
}

// Detail is a position with its latest analysis.
type Detail struct {
	Position domain.Position         `json:"position"`
	Snapshot domain.AnalysisSnapshot `json:"snapshot"`
	Live     bool                    `json:"live"`
}

// Get returns a live position, falling back to the durable history.
func (s *PositionService) Get(ctx context.Context, id string) (Detail, error) {
	if p, snap, ok := s.store.Get(id); ok {
		return Detail{Position: p, Snapshot: snap, Live: true}, nil
	}
	if s.history == nil {
		return Detail{}, fmt.Errorf("service: get %s: %w", id, domain.ErrNotFound)
	}
	p, err := s.history.GetByID(ctx, id)
	if err != nil {
		return Detail{}, fmt.Errorf("service: get %s: %w", id, err)
	}
	return Detail{Position: p}, nil
}

// Package governor sizes the worker pool from host telemetry, meters the
// exchange weight budget and demotes execution after a crash storm.
package governor

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config holds the limits the governor enforces.
type Config struct {
	PoolOverride   int
	MinPool        int
	MaxPool        int
	MemPerWorkerMB int
	CrashThreshold int
}

// Status is a point-in-time view for the status API.
type Status struct {
	PoolSize       int    `json:"pool_size"`
	Mode           Mode   `json:"mode"`
	Crashes        int64  `json:"consecutive_crashes"`
	TotalCrashes   int64  `json:"total_crashes"`
	WeightUsed     int    `json:"weight_used"`
	WeightLimit    int    `json:"weight_limit"`
	WeightRefused  int64  `json:"weight_refused"`
	AvailableMemMB uint64 `json:"available_mem_mb"`
}

// Governor bundles the pool sizing, the weight budget and the demotion
// policy.
type Governor struct {
	cfg    Config
	budget Budget
	local  *WindowBudget
	policy *DemotionPolicy
	logger *slog.Logger

	poolSize atomic.Int64
	availMB  atomic.Uint64
}

// New creates a Governor. budget is what exchange calls acquire from; local
// is the in-process window used for reporting and exchange header sync and
// may be the same object as budget.
func New(cfg Config, budget Budget, local *WindowBudget, logger *slog.Logger) *Governor {
	g := &Governor{
		cfg:    cfg,
		budget: budget,
		local:  local,
		policy: NewDemotionPolicy(cfg.CrashThreshold),
		logger: logger.With(slog.String("component", "governor")),
	}
	g.policy.OnDemote(func(reason string) {
		g.logger.Error("execution demoted to serial", slog.String("reason", reason))
	})
	return g
}

// Budget returns the weight budget exchange calls acquire from.
func (g *Governor) Budget() Budget { return g.budget }

// Local returns the in-process window budget.
func (g *Governor) Local() *WindowBudget { return g.local }

// Policy returns the crash demotion policy.
func (g *Governor) Policy() *DemotionPolicy { return g.policy }

// ReportCrash forwards to the demotion policy.
func (g *Governor) ReportCrash(cause any) { g.policy.ReportCrash(cause) }

// ReportSuccess forwards to the demotion policy.
func (g *Governor) ReportSuccess() { g.policy.ReportSuccess() }

// Mode returns the current execution mode.
func (g *Governor) Mode() Mode { return g.policy.Mode() }

// Healthy is false after demotion.
func (g *Governor) Healthy() bool { return g.policy.Healthy() }

// PoolSize computes the simulation pool size from the logical CPU count and
// the memory available to new workers, clamped to [MinPool, MaxPool]. A
// positive PoolOverride wins.
func (g *Governor) PoolSize(ctx context.Context) int {
	if g.cfg.PoolOverride > 0 {
		g.poolSize.Store(int64(g.cfg.PoolOverride))
		return g.cfg.PoolOverride
	}

	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	size := cpus * 2

	var availMB uint64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		g.logger.Warn("memory telemetry unavailable", slog.String("error", err.Error()))
	} else {
		availMB = vm.Available / (1 << 20)
		if g.cfg.MemPerWorkerMB > 0 {
			if byMem := int(availMB / uint64(g.cfg.MemPerWorkerMB)); byMem < size {
				size = byMem
			}
		}
	}

	size = clamp(size, g.cfg.MinPool, g.cfg.MaxPool)
	g.poolSize.Store(int64(size))
	g.availMB.Store(availMB)
	g.logger.Info("pool sized",
		slog.Int("cpus", cpus),
		slog.Uint64("available_mem_mb", availMB),
		slog.Int("pool_size", size),
	)
	return size
}

// Status reports the governor's current view.
func (g *Governor) Status() Status {
	consecutive, total := g.policy.Crashes()
	st := Status{
		PoolSize:       int(g.poolSize.Load()),
		Mode:           g.policy.Mode(),
		Crashes:        consecutive,
		TotalCrashes:   total,
		AvailableMemMB: g.availMB.Load(),
	}
	if g.local != nil {
		st.WeightUsed, st.WeightLimit, st.WeightRefused = g.local.Usage()
	}
	return st
}

func clamp(v, lo, hi int) int {
	if lo > 0 && v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}

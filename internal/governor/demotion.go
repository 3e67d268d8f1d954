package governor

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Mode is how the scheduler runs jobs.
type Mode int32

const (
	// ModePooled runs jobs concurrently on the worker pool.
	ModePooled Mode = iota
	// ModeSerial runs one job at a time after a crash storm.
	ModeSerial
)

func (m Mode) String() string {
	switch m {
	case ModePooled:
		return "pooled"
	case ModeSerial:
		return "serial"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// DemotionPolicy counts consecutive worker crashes and demotes execution to
// ModeSerial once threshold is reached. Demotion is one-way for the life of
// the process.
type DemotionPolicy struct {
	threshold   int64
	consecutive atomic.Int64
	total       atomic.Int64
	mode        atomic.Int32

	mu       sync.Mutex
	onDemote []func(reason string)
}

// NewDemotionPolicy returns a policy that demotes after threshold
// consecutive crashes.
func NewDemotionPolicy(threshold int) *DemotionPolicy {
	if threshold < 1 {
		threshold = 1
	}
	return &DemotionPolicy{threshold: int64(threshold)}
}

// OnDemote registers fn to run once when the policy demotes.
func (d *DemotionPolicy) OnDemote(fn func(reason string)) {
	d.mu.Lock()
	d.onDemote = append(d.onDemote, fn)
	d.mu.Unlock()
}

// ReportCrash records one crashed job.
func (d *DemotionPolicy) ReportCrash(cause any) {
	d.total.Add(1)
	n := d.consecutive.Add(1)
	if n < d.threshold {
		return
	}
	if !d.mode.CompareAndSwap(int32(ModePooled), int32(ModeSerial)) {
		return
	}
	reason := fmt.Sprintf("%d consecutive crashes, last: %v", n, cause)
	d.mu.Lock()
	hooks := append([]func(string){}, d.onDemote...)
	d.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

// ReportSuccess resets the consecutive crash counter.
func (d *DemotionPolicy) ReportSuccess() {
	d.consecutive.Store(0)
}

// Mode returns the current execution mode.
func (d *DemotionPolicy) Mode() Mode { return Mode(d.mode.Load()) }

// Healthy is false once the policy has demoted.
func (d *DemotionPolicy) Healthy() bool { return d.Mode() == ModePooled }

// Crashes returns the consecutive and lifetime crash counts.
func (d *DemotionPolicy) Crashes() (consecutive, total int64) {
	return d.consecutive.Load(), d.total.Load()
}

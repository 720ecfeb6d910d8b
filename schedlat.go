// Package schedlat measures the scheduling latency and jitter that a
// kernel and scheduler configuration actually delivers. A sampler
// pinned to a dedicated OS thread sleeps to absolute deadlines on a
// fixed time grid and records the delta between the requested and the
// actual wake-up time at microsecond granularity. Samples flow through
// a lock-free single-producer/single-consumer channel into an
// aggregator that maintains percentiles, a bounded rolling window, a
// latency histogram, and correlation of spikes with System Management
// Interrupts.
//
// Sessions are driven by a Monitor and finish as an immutable
// SessionSummary, which the history package persists so that different
// kernel builds can be compared and ranked.
package schedlat

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MonitoringMode determines how and when a monitoring session
// terminates.
type MonitoringMode int

const (
	// ModeContinuous runs until explicitly stopped.
	ModeContinuous MonitoringMode = iota
	// ModeBenchmark auto-terminates after a configured duration.
	ModeBenchmark
	// ModeSystemBenchmark runs the fixed 60 second multi-phase
	// system benchmark.
	ModeSystemBenchmark
)

// SystemBenchmarkDuration is the fixed wall-clock budget of the
// multi-phase system benchmark.
const SystemBenchmarkDuration = 60 * time.Second

func (m MonitoringMode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeBenchmark:
		return "benchmark"
	case ModeSystemBenchmark:
		return "system-benchmark"
	default:
		return "invalid"
	}
}

// ParseMode resolves the string form of a monitoring mode, as passed
// on a command line or stored in a record.
func ParseMode(in string) (MonitoringMode, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "continuous", "monitor":
		return ModeContinuous, nil
	case "benchmark":
		return ModeBenchmark, nil
	case "system-benchmark", "system":
		return ModeSystemBenchmark, nil
	default:
		return ModeContinuous, errors.Errorf("unknown monitoring mode '%s'", in)
	}
}

// LifecycleState describes where a Monitor is in its session
// lifecycle. Transitions are monotonic within one session; a new
// session resets a completed monitor back through Idle.
type LifecycleState int32

const (
	StateIdle LifecycleState = iota
	StateRunning
	StatePaused
	StateCompleted
)

func (s LifecycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	default:
		return "invalid"
	}
}

// SessionEventKind enumerates the discrete lifecycle notifications a
// Monitor emits to its (optional) event callback.
type SessionEventKind int

const (
	EventStarted SessionEventKind = iota
	EventUpdated
	EventCompleted
)

func (k SessionEventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventUpdated:
		return "updated"
	case EventCompleted:
		return "completed"
	default:
		return "invalid"
	}
}

// SessionEvent is delivered to the configured event callback on
// session start, on each periodic snapshot, and on completion. The
// metrics pointer is an immutable snapshot and safe to retain.
type SessionEvent struct {
	Kind    SessionEventKind
	State   LifecycleState
	Metrics *PerformanceMetrics
}

// KernelContext describes the kernel and hardware configuration a
// session measured, as reported by the surrounding build and tuning
// application. It is recorded verbatim in the session summary.
type KernelContext struct {
	KernelVersion string `bson:"kernel_version" json:"kernel_version"`
	Scheduler     string `bson:"scheduler,omitempty" json:"scheduler,omitempty"`
	Profile       string `bson:"profile,omitempty" json:"profile,omitempty"`
	LTO           string `bson:"lto,omitempty" json:"lto,omitempty"`
	Governor      string `bson:"governor,omitempty" json:"governor,omitempty"`
}

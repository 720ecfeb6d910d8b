package schedlat

import (
	"time"

	"github.com/mongodb/grip"
)

// MonitorOptions configure one monitoring session. The zero value is
// not usable; construct defaults with NewMonitorOptions and override
// fields as needed. Validate fills unset fields with defaults.
type MonitorOptions struct {
	// Mode selects the termination policy for the session.
	Mode MonitoringMode

	// Core is the CPU the sampler pins itself to. Stressors are
	// affined away from this core.
	Core int

	// Interval is the sampling grid period.
	Interval time.Duration

	// Duration bounds a ModeBenchmark session. Ignored in
	// continuous mode; forced to SystemBenchmarkDuration in
	// system-benchmark mode.
	Duration time.Duration

	// SpikeThreshold is the latency above which a sample counts as
	// a spike and triggers an SMI counter poll.
	SpikeThreshold time.Duration

	// RTPriority is the SCHED_FIFO priority the sampler requests.
	RTPriority int

	// ChannelCapacity is the size of the sample channel between the
	// sampler and the aggregator. Rounded up to a power of two.
	ChannelCapacity int

	// DrainInterval is the aggregator's drain-and-publish cadence.
	DrainInterval time.Duration

	// CheckpointPrefix, when set in continuous mode, enables
	// periodic checkpoint chunk files under this path prefix.
	CheckpointPrefix string

	// Context is the kernel/hardware descriptor recorded with the
	// session.
	Context KernelContext

	// OnEvent, when set, receives session lifecycle events. Called
	// from the aggregator goroutine; must not block.
	OnEvent func(SessionEvent)
}

// NewMonitorOptions returns options for a continuous session on core
// zero with a one millisecond grid.
func NewMonitorOptions() MonitorOptions {
	return MonitorOptions{
		Mode:            ModeContinuous,
		Core:            0,
		Interval:        time.Millisecond,
		SpikeThreshold:  200 * time.Microsecond,
		RTPriority:      90,
		ChannelCapacity: 4096,
		DrainInterval:   20 * time.Millisecond,
	}
}

// Validate checks the option values and populates defaults for unset
// fields. A validation failure leaves the receiver unchanged in any
// way that matters: the session does not start.
func (opts *MonitorOptions) Validate() error {
	if opts.Interval == 0 {
		opts.Interval = time.Millisecond
	}
	if opts.SpikeThreshold == 0 {
		opts.SpikeThreshold = 200 * time.Microsecond
	}
	if opts.RTPriority == 0 {
		opts.RTPriority = 90
	}
	if opts.ChannelCapacity == 0 {
		opts.ChannelCapacity = 4096
	}
	if opts.DrainInterval == 0 {
		opts.DrainInterval = 20 * time.Millisecond
	}
	if opts.Mode == ModeSystemBenchmark {
		opts.Duration = SystemBenchmarkDuration
	}

	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(opts.Mode < ModeContinuous || opts.Mode > ModeSystemBenchmark,
		"monitoring mode is not valid")
	catcher.NewWhen(opts.Core < 0, "sampled core must not be negative")
	catcher.NewWhen(opts.Interval < 10*time.Microsecond,
		"sampling interval must be at least ten microseconds")
	catcher.NewWhen(opts.SpikeThreshold < 0, "spike threshold must not be negative")
	catcher.NewWhen(opts.RTPriority < 1 || opts.RTPriority > 99,
		"realtime priority must be between 1 and 99")
	catcher.NewWhen(opts.Mode == ModeBenchmark && opts.Duration <= 0,
		"benchmark mode requires a positive duration")
	catcher.NewWhen(opts.DrainInterval < time.Millisecond,
		"drain interval must be at least one millisecond")

	return catcher.Resolve()
}

// Package probes holds one-shot micro-collectors that characterize a
// single aspect of scheduling behavior: clock-read jitter, context
// switch round trips, syscall cost under load, and timer wake-up
// latency. They complement the continuous latency pipeline with quick
// point measurements sharing its statistical conventions.
package probes

import (
	"context"
	"time"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kerntune/schedlat"
)

// Options configure a probe run.
type Options struct {
	// Samples is the number of measurements to take.
	Samples int
	// Interval paces probes that sleep between measurements.
	Interval time.Duration
}

// NewOptions returns defaults suitable for an interactive probe.
func NewOptions() Options {
	return Options{
		Samples:  1000,
		Interval: time.Millisecond,
	}
}

// Validate checks the probe options.
func (opts Options) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(opts.Samples < 10, "probe needs at least ten samples")
	catcher.NewWhen(opts.Interval < 0, "probe interval must not be negative")
	return catcher.Resolve()
}

// Result is the outcome of one probe run.
type Result struct {
	Name         string                `bson:"name" json:"name"`
	CollectedAt  time.Time             `bson:"collected_at" json:"collected_at"`
	Distribution schedlat.Distribution `bson:"distribution" json:"distribution"`
}

func finish(name string, samples []int64) *Result {
	return &Result{
		Name:         name,
		CollectedAt:  time.Now(),
		Distribution: schedlat.Summarize(samples),
	}
}

// MicroJitter measures gaps between consecutive monotonic clock
// reads in a tight loop. Any gap beyond the baseline read cost is
// time stolen from the loop by interrupts or preemption.
func MicroJitter(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}

	// Baseline: the cheapest observed back-to-back read.
	baseline := int64(1 << 62)
	prev := time.Now()
	for i := 0; i < 100; i++ {
		cur := time.Now()
		if d := cur.Sub(prev).Nanoseconds(); d < baseline {
			baseline = d
		}
		prev = cur
	}

	samples := make([]int64, 0, opts.Samples)
	prev = time.Now()
	for len(samples) < opts.Samples {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "micro-jitter probe aborted")
		}
		cur := time.Now()
		d := cur.Sub(prev).Nanoseconds() - baseline
		if d < 0 {
			d = 0
		}
		samples = append(samples, d)
		prev = cur
	}

	return finish("micro-jitter", samples), nil
}

// CtxSwitch measures the round trip of a token between two goroutines
// over unbuffered channels, which costs two scheduler hand-offs per
// measurement on a loaded system.
func CtxSwitch(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}

	ping := make(chan struct{})
	pong := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		for {
			select {
			case <-quit:
				return
			case <-ping:
			}
			select {
			case <-quit:
				return
			case pong <- struct{}{}:
			}
		}
	}()

	samples := make([]int64, 0, opts.Samples)
	for len(samples) < opts.Samples {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "context-switch probe aborted")
		}
		start := time.Now()
		ping <- struct{}{}
		<-pong
		samples = append(samples, time.Since(start).Nanoseconds()/2)
	}

	return finish("ctx-switch", samples), nil
}

// SyscallSaturation measures the cost of a minimal syscall,
// reflecting entry/exit overhead and any mitigation or contention
// penalty the kernel configuration carries.
func SyscallSaturation(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}

	// Batch to keep the clock reads out of the measured cost.
	const batch = 100
	samples := make([]int64, 0, opts.Samples)
	for len(samples) < opts.Samples {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "syscall probe aborted")
		}
		start := time.Now()
		for i := 0; i < batch; i++ {
			unix.Getpid()
		}
		samples = append(samples, time.Since(start).Nanoseconds()/batch)
	}

	return finish("syscall-saturation", samples), nil
}

// TaskWakeup measures how late a sleeping task actually resumes after
// its requested deadline, the end-to-end timer wake-up latency.
func TaskWakeup(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}

	interval := opts.Interval
	if interval == 0 {
		interval = time.Millisecond
	}

	samples := make([]int64, 0, opts.Samples)
	for len(samples) < opts.Samples {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "task-wakeup probe aborted")
		}
		start := time.Now()
		time.Sleep(interval)
		late := time.Since(start) - interval
		if late < 0 {
			late = 0
		}
		samples = append(samples, late.Nanoseconds())
	}

	return finish("task-wakeup", samples), nil
}

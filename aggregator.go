package schedlat

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/recovery"
	"github.com/pkg/errors"
)

const (
	thermalInterval    = 100 * time.Millisecond
	governorInterval   = 2 * time.Second
	snapshotInterval   = 5 * time.Second
	diagLogInterval    = 60 * time.Second
	checkpointInterval = 900 * time.Second

	// jitterTraceLength bounds the per-cycle peak trace carried in
	// each snapshot.
	jitterTraceLength = 64

	// historyLimit bounds the in-memory snapshot history between
	// checkpoint flushes.
	historyLimit = 720
)

// aggregator owns every session statistic. It drains the sample ring
// on a fixed cadence, folds each sample into the whole-session
// accumulator, the rolling window, and the histogram, and publishes a
// complete immutable snapshot after every cycle. It is the only
// writer of the final counts in the shared state.
type aggregator struct {
	opts      MonitorOptions
	state     *MonitoringState
	in        *sampleRing
	diag      *diagRing
	telemetry *Telemetry
	startedAt time.Time

	accum       latencyAccum
	window      rollingWindow
	hist        latencyHistogram
	lastSample  int64
	cycleMax    int64
	lastJitter  int64
	maxJitter   int64
	jitterTrace []int64
	resyncs     int64
	shortfalls  int64

	thermal  int64
	governor string
	freqKHz  int64

	history         []PerformanceMetrics
	checkpointCount int

	snapshot atomic.Pointer[PerformanceMetrics]
}

// run executes the aggregation loop until the context is cancelled,
// then performs the terminal drain and records the final counts. The
// done channel closes on exit.
func (a *aggregator) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer recovery.LogStackTraceAndContinue("latency aggregator")

	drainTimer := time.NewTimer(a.opts.DrainInterval)
	thermalTimer := time.NewTimer(0)
	governorTimer := time.NewTimer(0)
	snapshotTimer := time.NewTimer(snapshotInterval)
	diagTimer := time.NewTimer(diagLogInterval)
	checkpointTimer := time.NewTimer(checkpointInterval)
	defer drainTimer.Stop()
	defer thermalTimer.Stop()
	defer governorTimer.Stop()
	defer snapshotTimer.Stop()
	defer diagTimer.Stop()
	defer checkpointTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Terminal drain: late samples pushed before the
			// sampler observed the stop flag would otherwise
			// bias every summary low.
			a.drain()
			a.finishCycle()
			a.publish()
			a.state.FinalSamples.Store(a.accum.count)
			a.state.FinalDropped.Store(a.state.DroppedSamples.Load())
			a.state.markDone()
			if a.checkpointing() {
				grip.Error(errors.Wrap(a.flushCheckpoint(),
					"problem writing final checkpoint"))
			}
			return
		case <-drainTimer.C:
			a.drain()
			a.finishCycle()
			a.publish()
			drainTimer.Reset(a.opts.DrainInterval)
		case <-thermalTimer.C:
			a.thermal = a.telemetry.Thermal()
			thermalTimer.Reset(thermalInterval)
		case <-governorTimer.C:
			a.governor = a.telemetry.Governor()
			a.freqKHz = a.telemetry.FreqKHz()
			governorTimer.Reset(governorInterval)
		case <-snapshotTimer.C:
			a.recordHistory()
			snapshotTimer.Reset(snapshotInterval)
		case <-diagTimer.C:
			a.logDiagnostics()
			diagTimer.Reset(diagLogInterval)
		case <-checkpointTimer.C:
			if a.checkpointing() {
				grip.Error(errors.Wrap(a.flushCheckpoint(),
					"problem writing checkpoint"))
			}
			checkpointTimer.Reset(checkpointInterval)
		}
	}
}

// drain consumes every buffered sample and diagnostic event without
// blocking. Recording a valid sample cannot fail.
func (a *aggregator) drain() int {
	count := 0
	for {
		v, ok := a.in.Pop()
		if !ok {
			break
		}
		a.record(v)
		count++
	}

	for {
		ev, ok := a.diag.Pop()
		if !ok {
			break
		}
		switch ev.Code {
		case DiagResync:
			a.resyncs++
		case DiagSetupShortfall:
			a.shortfalls++
		}
	}

	return count
}

func (a *aggregator) record(ns int64) {
	a.lastSample = ns
	a.accum.observe(ns)
	a.window.add(ns)
	a.hist.add(ns)
	if ns > a.cycleMax {
		a.cycleMax = ns
	}
}

// finishCycle closes out the per-cycle jitter peak, which is tracked
// independently of the long-run maximum and reset every cycle.
func (a *aggregator) finishCycle() {
	a.lastJitter = a.cycleMax
	if a.cycleMax > a.maxJitter {
		a.maxJitter = a.cycleMax
	}
	a.jitterTrace = append(a.jitterTrace, a.cycleMax/1000)
	if len(a.jitterTrace) > jitterTraceLength {
		a.jitterTrace = a.jitterTrace[len(a.jitterTrace)-jitterTraceLength:]
	}
	a.cycleMax = 0
}

// publish swaps in a complete new snapshot. Readers either see the
// previous snapshot or this one, never a partial update.
func (a *aggregator) publish() *PerformanceMetrics {
	trace := make([]int64, len(a.jitterTrace))
	copy(trace, a.jitterTrace)

	pm := &PerformanceMetrics{
		Timestamp:          time.Now(),
		CurrentUS:          a.lastSample / 1000,
		MinUS:              a.accum.min / 1000,
		MaxUS:              a.accum.max / 1000,
		AvgUS:              a.accum.avg() / 1000,
		P99US:              a.accum.percentile(99) / 1000,
		P999US:             a.accum.percentile(99.9) / 1000,
		RollingP99US:       a.window.percentile(99) / 1000,
		RollingP999US:      a.window.percentile(99.9) / 1000,
		RollingConsistency: a.window.consistency(),
		JitterUS:           a.lastJitter / 1000,
		MaxJitterUS:        a.maxJitter / 1000,
		SampleCount:        a.accum.count,
		DroppedSamples:     a.state.DroppedSamples.Load(),
		Spikes:             a.state.Spikes.Load(),
		SMIEvents:          a.state.SMIEvents.Load(),
		SMICorrelated:      a.state.SMICorrelated.Load(),
		Histogram:          a.hist.buckets(),
		JitterTrace:        trace,
		ThermalMilliC:      a.thermal,
		Governor:           a.governor,
		CPUFreqKHz:         a.freqKHz,
	}
	a.snapshot.Store(pm)
	return pm
}

// metrics returns the most recently published snapshot, which may be
// nil before the first cycle completes.
func (a *aggregator) metrics() *PerformanceMetrics {
	return a.snapshot.Load()
}

func (a *aggregator) recordHistory() {
	pm := a.metrics()
	if pm == nil {
		return
	}
	a.history = append(a.history, *pm)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	if a.opts.OnEvent != nil {
		a.opts.OnEvent(SessionEvent{Kind: EventUpdated, State: StateRunning, Metrics: pm})
	}
}

func (a *aggregator) logDiagnostics() {
	pm := a.metrics()
	if pm == nil {
		return
	}
	grip.Debug(message.Fields{
		"op":           "latency monitor",
		"uptime_secs":  time.Since(a.startedAt).Seconds(),
		"samples":      pm.SampleCount,
		"dropped":      pm.DroppedSamples,
		"drop_rate":    pm.DropRate(),
		"spikes":       pm.Spikes,
		"smi_events":   pm.SMIEvents,
		"p99_us":       pm.P99US,
		"max_us":       pm.MaxUS,
		"jitter_us":    pm.JitterUS,
		"resyncs":      a.resyncs,
		"thermal":      pm.ThermalMilliC,
		"governor":     pm.Governor,
		"setup_issues": a.shortfalls,
	})
}

func (a *aggregator) checkpointing() bool {
	return a.opts.Mode == ModeContinuous && a.opts.CheckpointPrefix != ""
}

// flushCheckpoint writes the snapshot history accumulated since the
// previous flush into a new checkpoint chunk file.
func (a *aggregator) flushCheckpoint() error {
	if len(a.history) == 0 {
		return nil
	}
	startAt := time.Now()

	fn := fmt.Sprintf("%s.%d", a.opts.CheckpointPrefix, a.checkpointCount)
	f, err := os.Create(fn)
	if err != nil {
		return errors.Wrapf(err, "problem creating checkpoint file %s", fn)
	}
	defer f.Close()

	writer := NewCheckpointWriter(historyLimit, f)
	if err := writer.SetContext(a.opts.Context); err != nil {
		return errors.Wrap(err, "problem writing checkpoint context")
	}
	for i := range a.history {
		if err := writer.AddMetrics(&a.history[i]); err != nil {
			return errors.Wrap(err, "problem adding checkpoint snapshot")
		}
	}
	if err := writer.Flush(); err != nil {
		return errors.Wrap(err, "problem flushing checkpoint")
	}

	grip.Debug(message.Fields{
		"op":       "writing checkpoint",
		"samples":  len(a.history),
		"file":     fn,
		"duration": time.Since(startAt).Round(time.Millisecond),
	})

	a.history = a.history[:0]
	a.checkpointCount++
	return nil
}

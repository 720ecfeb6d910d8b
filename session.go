package schedlat

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

var (
	// ErrSessionRunning is returned when starting a monitor that
	// already has an active session.
	ErrSessionRunning = errors.New("monitoring session already running")
	// ErrNoSession is returned when stopping a monitor without an
	// active session.
	ErrNoSession = errors.New("no active monitoring session")
)

// stopDeadline bounds how long session teardown waits for the
// background threads. Correctness never depends on their exact exit
// timing; callers proceed with whatever the aggregator managed to
// drain.
const stopDeadline = 500 * time.Millisecond

// Monitor runs monitoring sessions. A monitor is reusable: after a
// session completes a new one may be started, which resets the
// lifecycle through Idle. All methods are safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	state     LifecycleState
	opts      MonitorOptions
	mstate    *MonitoringState
	agg       *aggregator
	smiCloser io.Closer

	cancel      context.CancelFunc
	samplerDone chan struct{}
	aggDone     chan struct{}
	autoStop    *time.Timer

	startedAt time.Time
	label     string
	stressors []string
	summary   *SessionSummary
}

// NewMonitor returns an idle monitor.
func NewMonitor() *Monitor {
	return &Monitor{state: StateIdle}
}

// State reports the current lifecycle state.
func (m *Monitor) State() LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins a session with the given options. It fails without
// side effects when a session is already running or the options are
// invalid.
func (m *Monitor) Start(ctx context.Context, opts MonitorOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning {
		return errors.WithStack(ErrSessionRunning)
	}
	if err := opts.Validate(); err != nil {
		return errors.Wrap(err, "invalid monitor options")
	}

	mstate := &MonitoringState{}
	samples := newSampleRing(opts.ChannelCapacity)
	diag := newDiagRing(64)

	var smi smiSource
	if reader, err := newSMIReader(opts.Core); err != nil {
		// Spike/SMI correlation degrades to "unknown".
		grip.Warning(message.Fields{
			"op":    "monitor start",
			"core":  opts.Core,
			"error": err.Error(),
		})
	} else {
		smi = reader
		if closer, ok := reader.(io.Closer); ok {
			m.smiCloser = closer
		}
	}

	agg := &aggregator{
		opts:      opts,
		state:     mstate,
		in:        samples,
		diag:      diag,
		telemetry: NewTelemetry(opts.Core),
		startedAt: time.Now(),
	}
	smp := &sampler{
		state:    mstate,
		out:      samples,
		diag:     diag,
		smi:      smi,
		interval: int64(opts.Interval),
		spike:    int64(opts.SpikeThreshold),
		core:     opts.Core,
		priority: opts.RTPriority,
	}

	aggCtx, cancel := context.WithCancel(context.Background())
	m.opts = opts
	m.mstate = mstate
	m.agg = agg
	m.cancel = cancel
	m.samplerDone = make(chan struct{})
	m.aggDone = make(chan struct{})
	m.startedAt = time.Now()
	m.summary = nil
	m.stressors = nil
	m.state = StateRunning

	go agg.run(aggCtx, m.aggDone)
	go smp.run(m.samplerDone)

	if opts.Duration > 0 && opts.Mode != ModeContinuous {
		m.autoStop = time.AfterFunc(opts.Duration, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.state == StateRunning {
				m.finalizeLocked()
			}
		})
	}

	grip.Info(message.Fields{
		"op":       "monitoring session started",
		"mode":     opts.Mode.String(),
		"core":     opts.Core,
		"interval": opts.Interval.String(),
		"kernel":   opts.Context.KernelVersion,
	})
	if opts.OnEvent != nil {
		opts.OnEvent(SessionEvent{Kind: EventStarted, State: StateRunning})
	}

	// Cancelling the caller's context stops the session the same
	// way an explicit Stop does.
	aggDone := m.aggDone
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.state == StateRunning && m.mstate == mstate {
				m.finalizeLocked()
			}
			m.mu.Unlock()
		case <-aggDone:
		}
	}()

	return nil
}

// Stop ends the active session and returns its summary. Stopping an
// idle or completed monitor returns ErrNoSession and changes nothing.
func (m *Monitor) Stop() (*SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return nil, errors.WithStack(ErrNoSession)
	}
	return m.finalizeLocked(), nil
}

// finalizeLocked tears the session down: raise the stop flag, give
// the sampler one bounded wait to exit, cancel the aggregator so it
// performs its terminal drain, and assemble the immutable summary.
func (m *Monitor) finalizeLocked() *SessionSummary {
	if m.autoStop != nil {
		m.autoStop.Stop()
		m.autoStop = nil
	}

	m.mstate.RequestStop()
	samplerExited := waitFor(m.samplerDone, stopDeadline)
	m.cancel()
	aggExited := waitFor(m.aggDone, stopDeadline)

	if m.smiCloser != nil {
		_ = m.smiCloser.Close()
		m.smiCloser = nil
	}

	var metrics PerformanceMetrics
	if pm := m.agg.metrics(); pm != nil {
		metrics = *pm
	}

	summary := &SessionSummary{
		Label:          m.label,
		Mode:           m.opts.Mode.String(),
		StartedAt:      m.startedAt,
		Duration:       time.Since(m.startedAt),
		Completed:      m.mstate.Done(),
		Context:        m.opts.Context,
		Metrics:        metrics,
		Stressors:      append([]string(nil), m.stressors...),
		TotalSamples:   m.mstate.FinalSamples.Load(),
		DroppedSamples: m.mstate.FinalDropped.Load(),
	}

	m.summary = summary
	m.state = StateCompleted

	grip.Info(message.Fields{
		"op":            "monitoring session completed",
		"mode":          summary.Mode,
		"duration_secs": summary.Duration.Seconds(),
		"samples":       summary.TotalSamples,
		"dropped":       summary.DroppedSamples,
		"max_us":        summary.Metrics.MaxUS,
		"p99_us":        summary.Metrics.P99US,
		"clean_exit":    samplerExited && aggExited,
	})
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(SessionEvent{Kind: EventCompleted, State: StateCompleted, Metrics: m.agg.metrics()})
	}

	return summary
}

// Metrics returns the most recent published snapshot, or nil before
// the first aggregation cycle of a session.
func (m *Monitor) Metrics() *PerformanceMetrics {
	m.mu.Lock()
	agg := m.agg
	m.mu.Unlock()
	if agg == nil {
		return nil
	}
	return agg.metrics()
}

// Summary returns the summary of the last completed session, or nil.
// Useful after a benchmark session auto-terminates.
func (m *Monitor) Summary() *SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// SetLabel attaches a human-readable label recorded in the summary.
func (m *Monitor) SetLabel(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.label = label
}

// SetStressors records the names of the load generators active during
// the session, for the summary.
func (m *Monitor) SetStressors(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stressors = append([]string(nil), names...)
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

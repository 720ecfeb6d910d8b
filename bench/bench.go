// Package bench sequences the multi-phase system benchmark: a fixed
// schedule of stressor profiles applied while one monitoring session
// runs, folded into a single comparable score.
package bench

import (
	"context"
	"math"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/kerntune/schedlat"
	"github.com/kerntune/schedlat/stress"
)

// Phase is one stage of the benchmark: a stressor profile active
// until EndOffset from session start.
type Phase struct {
	Name      string
	EndOffset time.Duration
	Profile   []stress.Spec
}

// DefaultPhases is the standard six-phase schedule over the fixed 60
// second benchmark budget.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "idle-baseline", EndOffset: 10 * time.Second},
		{Name: "cpu-half", EndOffset: 20 * time.Second,
			Profile: []stress.Spec{{Type: stress.CPU, Intensity: 50}}},
		{Name: "cpu-full", EndOffset: 30 * time.Second,
			Profile: []stress.Spec{{Type: stress.CPU, Intensity: 100}}},
		{Name: "memory", EndOffset: 40 * time.Second,
			Profile: []stress.Spec{{Type: stress.Memory, Intensity: 75}}},
		{Name: "scheduler", EndOffset: 50 * time.Second,
			Profile: []stress.Spec{{Type: stress.Scheduler, Intensity: 75}}},
		{Name: "combined", EndOffset: 60 * time.Second,
			Profile: []stress.Spec{
				{Type: stress.CPU, Intensity: 50},
				{Type: stress.Memory, Intensity: 50},
				{Type: stress.Scheduler, Intensity: 50},
			}},
	}
}

// PhaseResult pairs a completed phase with the metric snapshot
// captured at its end.
type PhaseResult struct {
	Phase   string                      `bson:"phase" json:"phase"`
	Metrics schedlat.PerformanceMetrics `bson:"metrics" json:"metrics"`
}

// Result is the outcome of a full benchmark run.
type Result struct {
	Score   float64                  `bson:"score" json:"score"`
	Phases  []PhaseResult            `bson:"phases" json:"phases"`
	Summary *schedlat.SessionSummary `bson:"summary" json:"summary"`
}

// Orchestrator advances the phase state machine against elapsed
// session time. Phases advance strictly in order, at most one per
// tick, and stressor transitions are serialized with phase
// transitions: a phase's profile is never started before the phase is
// active and never left running after it ends.
type Orchestrator struct {
	phases    []Phase
	monitor   *schedlat.Monitor
	stressors *stress.Manager
	current   int
	results   []PhaseResult
	complete  bool
}

// NewOrchestrator builds an orchestrator over the given phases, which
// must be non-empty and ordered by EndOffset.
func NewOrchestrator(monitor *schedlat.Monitor, stressors *stress.Manager, phases []Phase) (*Orchestrator, error) {
	if len(phases) == 0 {
		return nil, errors.New("benchmark requires at least one phase")
	}
	for i := 1; i < len(phases); i++ {
		if phases[i].EndOffset <= phases[i-1].EndOffset {
			return nil, errors.Errorf("phase %d ends at %s, not after phase %d at %s",
				i, phases[i].EndOffset, i-1, phases[i-1].EndOffset)
		}
	}
	return &Orchestrator{
		phases:    phases,
		monitor:   monitor,
		stressors: stressors,
	}, nil
}

// CurrentPhase returns the name of the active phase.
func (o *Orchestrator) CurrentPhase() string {
	return o.phases[o.current].Name
}

// IsComplete reports whether the final phase has ended. It is never
// true before the last phase's end offset elapses.
func (o *Orchestrator) IsComplete() bool { return o.complete }

// Results returns the snapshots of the completed phases so far.
func (o *Orchestrator) Results() []PhaseResult {
	return append([]PhaseResult(nil), o.results...)
}

// Tick checks the active phase against the elapsed session time and
// advances at most one phase. An overshoot past several boundaries
// still transitions a single phase per tick, so no phase is ever
// skipped or repeated.
func (o *Orchestrator) Tick(elapsed time.Duration) error {
	if o.complete {
		return nil
	}

	phase := o.phases[o.current]
	if elapsed < phase.EndOffset {
		return nil
	}

	var pm schedlat.PerformanceMetrics
	if p := o.monitor.Metrics(); p != nil {
		pm = *p
	}
	o.results = append(o.results, PhaseResult{Phase: phase.Name, Metrics: pm})

	grip.Debug(message.Fields{
		"op":      "benchmark phase completed",
		"phase":   phase.Name,
		"elapsed": elapsed.Seconds(),
		"p99_us":  pm.P99US,
		"max_us":  pm.MaxUS,
	})

	if o.current == len(o.phases)-1 {
		o.complete = true
		return errors.Wrap(o.stressors.StopAll(), "problem stopping final phase stressors")
	}

	o.current++
	next := o.phases[o.current]
	if err := o.stressors.StopAll(); err != nil {
		// Continue: a stuck worker must not wedge the schedule.
		grip.Warning(message.Fields{
			"op":    "benchmark stressor stop",
			"phase": next.Name,
			"error": err.Error(),
		})
	}
	return errors.Wrapf(o.stressors.StartAll(next.Profile),
		"problem starting stressors for phase %s", next.Name)
}

// Run drives a complete benchmark: start the session, tick the
// schedule until it completes, stop everything, and score the phase
// snapshots. Continuous mode is promoted to the fixed system
// benchmark.
func (o *Orchestrator) Run(ctx context.Context, opts schedlat.MonitorOptions) (*Result, error) {
	if opts.Mode == schedlat.ModeContinuous {
		opts.Mode = schedlat.ModeSystemBenchmark
	}

	if err := o.monitor.Start(ctx, opts); err != nil {
		return nil, errors.Wrap(err, "problem starting benchmark session")
	}
	start := time.Now()

	if err := o.stressors.StartAll(o.phases[0].Profile); err != nil {
		_, _ = o.monitor.Stop()
		return nil, errors.Wrap(err, "problem starting initial phase stressors")
	}

	seen := map[string]bool{}
	var names []string
	for _, phase := range o.phases {
		for _, spec := range phase.Profile {
			if name := spec.Name(); !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	o.monitor.SetStressors(names)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for !o.IsComplete() {
		select {
		case <-ctx.Done():
			_ = o.stressors.StopAll()
			_, _ = o.monitor.Stop()
			return nil, errors.Wrap(ctx.Err(), "benchmark aborted")
		case <-ticker.C:
			if err := o.Tick(time.Since(start)); err != nil {
				_ = o.stressors.StopAll()
				_, _ = o.monitor.Stop()
				return nil, errors.WithStack(err)
			}
		}
	}

	// A timed session may have auto-terminated at the same moment
	// the last phase ended.
	summary, err := o.monitor.Stop()
	if errors.Cause(err) == schedlat.ErrNoSession {
		summary = o.monitor.Summary()
	} else if err != nil {
		return nil, errors.Wrap(err, "problem stopping benchmark session")
	}

	result := &Result{
		Score:   Score(o.results),
		Phases:  o.Results(),
		Summary: summary,
	}

	grip.Info(message.Fields{
		"op":     "benchmark completed",
		"score":  result.Score,
		"phases": len(result.Phases),
	})
	return result, nil
}

// Score folds the phase snapshots into one scalar. Each phase
// contributes p99 plus half its peak jitter, in microseconds; the
// score is 100000 divided by one plus the mean phase cost, rounded to
// one decimal. Lower latency and jitter always yield a higher score,
// and identical inputs always yield the identical score.
func Score(results []PhaseResult) float64 {
	if len(results) == 0 {
		return 0
	}

	var total float64
	for _, r := range results {
		total += float64(r.Metrics.P99US) + 0.5*float64(r.Metrics.MaxJitterUS)
	}
	mean := total / float64(len(results))

	return math.Round(100000.0/(1.0+mean)*10) / 10
}

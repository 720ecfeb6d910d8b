package bench

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerntune/schedlat"
	"github.com/kerntune/schedlat/stress"
)

func newTestOrchestrator(t *testing.T, phases []Phase) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(schedlat.NewMonitor(), stress.NewManager(0), phases)
	require.NoError(t, err)
	return o
}

func quickPhases() []Phase {
	return []Phase{
		{Name: "baseline", EndOffset: 100 * time.Millisecond},
		{Name: "loaded", EndOffset: 200 * time.Millisecond,
			Profile: []stress.Spec{{Type: stress.Scheduler, Intensity: 10}}},
		{Name: "cooldown", EndOffset: 300 * time.Millisecond},
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	monitor := schedlat.NewMonitor()
	stressors := stress.NewManager(0)

	_, err := NewOrchestrator(monitor, stressors, nil)
	assert.Error(t, err)

	_, err = NewOrchestrator(monitor, stressors, []Phase{
		{Name: "a", EndOffset: 10 * time.Second},
		{Name: "b", EndOffset: 5 * time.Second},
	})
	assert.Error(t, err)

	_, err = NewOrchestrator(monitor, stressors, []Phase{
		{Name: "a", EndOffset: 10 * time.Second},
		{Name: "b", EndOffset: 10 * time.Second},
	})
	assert.Error(t, err)

	_, err = NewOrchestrator(monitor, stressors, DefaultPhases())
	assert.NoError(t, err)
}

func TestDefaultPhases(t *testing.T) {
	phases := DefaultPhases()
	require.Len(t, phases, 6)
	assert.Equal(t, schedlat.SystemBenchmarkDuration, phases[len(phases)-1].EndOffset)
	for i := 1; i < len(phases); i++ {
		assert.Greater(t, phases[i].EndOffset, phases[i-1].EndOffset)
	}
	for _, phase := range phases {
		for _, spec := range phase.Profile {
			assert.NoError(t, spec.Validate())
		}
	}
}

func TestOrchestratorTick(t *testing.T) {
	t.Run("NeverAdvancesEarly", func(t *testing.T) {
		o := newTestOrchestrator(t, quickPhases())
		require.NoError(t, o.Tick(50*time.Millisecond))
		assert.Equal(t, "baseline", o.CurrentPhase())
		assert.False(t, o.IsComplete())
		assert.Empty(t, o.Results())
	})
	t.Run("AdvancesAtBoundary", func(t *testing.T) {
		o := newTestOrchestrator(t, quickPhases())
		require.NoError(t, o.Tick(100*time.Millisecond))
		assert.Equal(t, "loaded", o.CurrentPhase())
		require.Len(t, o.Results(), 1)
		assert.Equal(t, "baseline", o.Results()[0].Phase)
		require.NoError(t, o.stressors.StopAll())
	})
	t.Run("OvershootAdvancesOnePhasePerTick", func(t *testing.T) {
		o := newTestOrchestrator(t, quickPhases())

		// way past every boundary: still one transition per tick
		require.NoError(t, o.Tick(time.Hour))
		assert.Equal(t, "loaded", o.CurrentPhase())
		assert.False(t, o.IsComplete())

		require.NoError(t, o.Tick(time.Hour))
		assert.Equal(t, "cooldown", o.CurrentPhase())
		assert.False(t, o.IsComplete())

		require.NoError(t, o.Tick(time.Hour))
		assert.True(t, o.IsComplete())

		results := o.Results()
		require.Len(t, results, 3)
		assert.Equal(t, "baseline", results[0].Phase)
		assert.Equal(t, "loaded", results[1].Phase)
		assert.Equal(t, "cooldown", results[2].Phase)
	})
	t.Run("TickAfterCompletionIsInert", func(t *testing.T) {
		o := newTestOrchestrator(t, quickPhases())
		for i := 0; i < 10; i++ {
			require.NoError(t, o.Tick(time.Hour))
		}
		assert.True(t, o.IsComplete())
		assert.Len(t, o.Results(), 3)
	})
}

func TestOrchestratorRun(t *testing.T) {
	o := newTestOrchestrator(t, quickPhases())

	opts := schedlat.NewMonitorOptions()
	opts.Mode = schedlat.ModeBenchmark
	opts.Duration = 300 * time.Millisecond
	opts.DrainInterval = 5 * time.Millisecond

	result, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Len(t, result.Phases, 3)
	assert.Positive(t, result.Score)
	require.NotNil(t, result.Summary)
	assert.Contains(t, result.Summary.Stressors, "scheduler@10")
	assert.Empty(t, o.stressors.Active())
}

func TestOrchestratorRunAborts(t *testing.T) {
	o := newTestOrchestrator(t, DefaultPhases())

	ctx, cancel := context.WithCancel(context.Background())
	opts := schedlat.NewMonitorOptions()
	opts.Mode = schedlat.ModeBenchmark
	opts.Duration = time.Minute

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := o.Run(ctx, opts)
	assert.Error(t, err)
	assert.Empty(t, o.stressors.Active())
}

func TestScore(t *testing.T) {
	phase := func(p99, maxJitter int64) PhaseResult {
		return PhaseResult{Metrics: schedlat.PerformanceMetrics{
			P99US: p99, MaxJitterUS: maxJitter,
		}}
	}

	t.Run("EmptyIsZero", func(t *testing.T) {
		assert.Zero(t, Score(nil))
	})
	t.Run("Deterministic", func(t *testing.T) {
		results := []PhaseResult{phase(100, 40), phase(250, 80), phase(60, 10)}
		assert.Equal(t, Score(results), Score(results))
	})
	t.Run("KnownValue", func(t *testing.T) {
		// cost 100 + 0.5*40 = 120; 100000/121 = 826.446...
		assert.InDelta(t, 826.4, Score([]PhaseResult{phase(100, 40)}), 0.001)
	})
	t.Run("PerfectLatencyCapsAt100000", func(t *testing.T) {
		assert.InDelta(t, 100000.0, Score([]PhaseResult{phase(0, 0)}), 0.001)
	})
	t.Run("LowerLatencyScoresHigher", func(t *testing.T) {
		better := Score([]PhaseResult{phase(50, 20), phase(80, 30)})
		worse := Score([]PhaseResult{phase(500, 200), phase(800, 300)})
		assert.Greater(t, better, worse)
	})
	t.Run("JitterAlonePenalizes", func(t *testing.T) {
		steady := Score([]PhaseResult{phase(100, 0)})
		jittery := Score([]PhaseResult{phase(100, 400)})
		assert.Greater(t, steady, jittery)
	})
	t.Run("MonotonicInP99", func(t *testing.T) {
		prev := Score([]PhaseResult{phase(1, 0)})
		for p99 := int64(10); p99 <= 10000; p99 *= 10 {
			cur := Score([]PhaseResult{phase(p99, 0)})
			assert.Less(t, cur, prev, "p99=%d", p99)
			prev = cur
		}
	})
}

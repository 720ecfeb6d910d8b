package schedlat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T) *aggregator {
	t.Helper()
	opts := NewMonitorOptions()
	require.NoError(t, opts.Validate())
	return &aggregator{
		opts:      opts,
		state:     &MonitoringState{},
		in:        newSampleRing(opts.ChannelCapacity),
		diag:      newDiagRing(64),
		telemetry: NewTelemetryAt(t.TempDir(), 0),
		startedAt: time.Now(),
	}
}

func TestAggregatorDrain(t *testing.T) {
	t.Run("ConsumesEverythingWithoutBlocking", func(t *testing.T) {
		a := newTestAggregator(t)
		for i := int64(1); i <= 100; i++ {
			require.True(t, a.in.Push(i*1000))
		}

		assert.Equal(t, 100, a.drain())
		assert.Equal(t, 0, a.drain(), "second drain finds nothing")
		assert.EqualValues(t, 100, a.accum.count)
	})
	t.Run("CountsDiagnosticEvents", func(t *testing.T) {
		a := newTestAggregator(t)
		a.diag.Push(DiagEvent{Code: DiagResync, Value: 2})
		a.diag.Push(DiagEvent{Code: DiagResync, Value: 1})
		a.diag.Push(DiagEvent{Code: DiagSetupShortfall})

		a.drain()
		assert.EqualValues(t, 2, a.resyncs)
		assert.EqualValues(t, 1, a.shortfalls)
	})
}

func TestAggregatorPublish(t *testing.T) {
	t.Run("SnapshotInvariantsHold", func(t *testing.T) {
		a := newTestAggregator(t)
		for i := int64(1); i <= 1000; i++ {
			a.record(i * 3163) // ns values up to ~3.1ms
		}
		a.finishCycle()
		pm := a.publish()

		require.NotNil(t, pm)
		assert.GreaterOrEqual(t, pm.MaxUS, pm.P999US)
		assert.GreaterOrEqual(t, pm.P999US, pm.P99US)
		assert.GreaterOrEqual(t, pm.P99US, pm.AvgUS)
		assert.GreaterOrEqual(t, pm.AvgUS, int64(0))
		assert.EqualValues(t, 1000, pm.SampleCount)
	})
	t.Run("SnapshotsAreImmutableCopies", func(t *testing.T) {
		a := newTestAggregator(t)
		a.record(1000_000)
		a.finishCycle()
		first := a.publish()

		a.record(9_000_000)
		a.finishCycle()
		second := a.publish()

		assert.NotSame(t, first, second)
		assert.EqualValues(t, 1000, first.MaxUS, "earlier snapshot unchanged")
		assert.EqualValues(t, 9000, second.MaxUS)
	})
	t.Run("JitterResetsPerCycleIndependentOfMax", func(t *testing.T) {
		a := newTestAggregator(t)
		a.record(5_000_000)
		a.finishCycle()
		assert.EqualValues(t, 5_000_000, a.lastJitter)

		a.record(10_000)
		a.finishCycle()
		pm := a.publish()
		assert.EqualValues(t, 10, pm.JitterUS, "cycle peak reset")
		assert.EqualValues(t, 5000, pm.MaxJitterUS, "long-run peak kept")
		assert.EqualValues(t, 5000, pm.MaxUS)
	})
	t.Run("JitterTraceIsBounded", func(t *testing.T) {
		a := newTestAggregator(t)
		for i := 0; i < jitterTraceLength*2; i++ {
			a.record(int64(i) * 1000)
			a.finishCycle()
		}
		pm := a.publish()
		assert.Len(t, pm.JitterTrace, jitterTraceLength)
	})
}

func TestAggregatorTerminalDrain(t *testing.T) {
	a := newTestAggregator(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go a.run(ctx, done)

	for i := int64(1); i <= 500; i++ {
		a.state.PushAttempts.Add(1)
		if !a.in.Push(i * 1000) {
			a.state.DroppedSamples.Add(1)
		}
	}

	// cancel immediately: only the terminal drain can recover the
	// buffered samples
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not exit")
	}

	require.True(t, a.state.Done())
	assert.Equal(t, a.state.PushAttempts.Load(),
		a.state.FinalSamples.Load()+a.state.FinalDropped.Load(),
		"drained plus dropped equals attempted pushes")
	assert.EqualValues(t, 500, a.state.FinalSamples.Load())
}

func TestDropRate(t *testing.T) {
	pm := &PerformanceMetrics{}
	assert.Zero(t, pm.DropRate())

	pm.SampleCount = 900
	pm.DroppedSamples = 100
	assert.InDelta(t, 0.1, pm.DropRate(), 0.0001)
}

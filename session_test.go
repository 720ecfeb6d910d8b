package schedlat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorOptionsValidate(t *testing.T) {
	t.Run("DefaultsAreValid", func(t *testing.T) {
		opts := NewMonitorOptions()
		assert.NoError(t, opts.Validate())
	})
	t.Run("FillsDefaults", func(t *testing.T) {
		opts := MonitorOptions{}
		require.NoError(t, opts.Validate())
		assert.Equal(t, time.Millisecond, opts.Interval)
		assert.Equal(t, 90, opts.RTPriority)
		assert.Equal(t, 4096, opts.ChannelCapacity)
	})
	t.Run("RejectsBadPriority", func(t *testing.T) {
		opts := NewMonitorOptions()
		opts.RTPriority = 200
		assert.Error(t, opts.Validate())
	})
	t.Run("RejectsBenchmarkWithoutDuration", func(t *testing.T) {
		opts := NewMonitorOptions()
		opts.Mode = ModeBenchmark
		assert.Error(t, opts.Validate())
	})
	t.Run("RejectsNegativeCore", func(t *testing.T) {
		opts := NewMonitorOptions()
		opts.Core = -1
		assert.Error(t, opts.Validate())
	})
	t.Run("SystemBenchmarkForcesFixedDuration", func(t *testing.T) {
		opts := NewMonitorOptions()
		opts.Mode = ModeSystemBenchmark
		require.NoError(t, opts.Validate())
		assert.Equal(t, SystemBenchmarkDuration, opts.Duration)
	})
}

func TestParseMode(t *testing.T) {
	for in, expected := range map[string]MonitoringMode{
		"continuous":         ModeContinuous,
		"Benchmark":          ModeBenchmark,
		" system-benchmark ": ModeSystemBenchmark,
	} {
		mode, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, expected, mode)
	}

	_, err := ParseMode("turbo")
	assert.Error(t, err)
}

func shortSessionOptions() MonitorOptions {
	opts := NewMonitorOptions()
	opts.Interval = time.Millisecond
	opts.DrainInterval = 5 * time.Millisecond
	return opts
}

func TestMonitorLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("StartStopProducesSummary", func(t *testing.T) {
		m := NewMonitor()
		assert.Equal(t, StateIdle, m.State())

		require.NoError(t, m.Start(ctx, shortSessionOptions()))
		assert.Equal(t, StateRunning, m.State())

		time.Sleep(300 * time.Millisecond)
		m.SetLabel("idle run")

		summary, err := m.Stop()
		require.NoError(t, err)
		require.NotNil(t, summary)
		assert.Equal(t, StateCompleted, m.State())

		assert.Equal(t, "idle run", summary.Label)
		assert.True(t, summary.Completed)
		assert.Greater(t, summary.TotalSamples, int64(100))
		assert.GreaterOrEqual(t, summary.Metrics.P999US, summary.Metrics.P99US)
		assert.GreaterOrEqual(t, summary.Metrics.MaxUS, summary.Metrics.P999US)
	})
	t.Run("DoubleStartFailsWithoutSideEffects", func(t *testing.T) {
		m := NewMonitor()
		require.NoError(t, m.Start(ctx, shortSessionOptions()))
		defer func() { _, _ = m.Stop() }()

		err := m.Start(ctx, shortSessionOptions())
		assert.ErrorIs(t, err, ErrSessionRunning)
		assert.Equal(t, StateRunning, m.State())
	})
	t.Run("StopWhenIdleFails", func(t *testing.T) {
		m := NewMonitor()
		_, err := m.Stop()
		assert.ErrorIs(t, err, ErrNoSession)
		assert.Equal(t, StateIdle, m.State())
	})
	t.Run("StopTwiceFailsCleanly", func(t *testing.T) {
		m := NewMonitor()
		require.NoError(t, m.Start(ctx, shortSessionOptions()))
		time.Sleep(50 * time.Millisecond)

		_, err := m.Stop()
		require.NoError(t, err)

		_, err = m.Stop()
		assert.ErrorIs(t, err, ErrNoSession)
		assert.Equal(t, StateCompleted, m.State())
	})
	t.Run("InvalidOptionsLeaveMonitorIdle", func(t *testing.T) {
		m := NewMonitor()
		opts := shortSessionOptions()
		opts.RTPriority = -5
		assert.Error(t, m.Start(ctx, opts))
		assert.Equal(t, StateIdle, m.State())
	})
	t.Run("ConservationOverFullSession", func(t *testing.T) {
		m := NewMonitor()
		require.NoError(t, m.Start(ctx, shortSessionOptions()))
		time.Sleep(200 * time.Millisecond)

		summary, err := m.Stop()
		require.NoError(t, err)

		assert.Equal(t, m.mstate.PushAttempts.Load(),
			summary.TotalSamples+summary.DroppedSamples)
	})
	t.Run("MonitorIsReusable", func(t *testing.T) {
		m := NewMonitor()
		require.NoError(t, m.Start(ctx, shortSessionOptions()))
		time.Sleep(30 * time.Millisecond)
		_, err := m.Stop()
		require.NoError(t, err)

		require.NoError(t, m.Start(ctx, shortSessionOptions()))
		time.Sleep(30 * time.Millisecond)
		summary, err := m.Stop()
		require.NoError(t, err)
		assert.NotNil(t, summary)
	})
}

func TestBenchmarkModeAutoTermination(t *testing.T) {
	opts := shortSessionOptions()
	opts.Mode = ModeBenchmark
	opts.Duration = 300 * time.Millisecond

	var mu sync.Mutex
	events := []SessionEventKind{}
	opts.OnEvent = func(ev SessionEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Kind)
	}

	m := NewMonitor()
	require.NoError(t, m.Start(context.Background(), opts))

	deadline := time.Now().Add(time.Second)
	for m.State() != StateCompleted {
		if time.Now().After(deadline) {
			t.Fatal("benchmark session did not auto-terminate")
		}
		time.Sleep(10 * time.Millisecond)
	}

	summary := m.Summary()
	require.NotNil(t, summary, "exactly one summary exists after auto-termination")
	assert.True(t, summary.Completed)
	assert.InDelta(t, 0.3, summary.Duration.Seconds(), 0.25)

	// an explicit stop after auto-termination is a caller error,
	// not a second summary
	_, err := m.Stop()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Same(t, summary, m.Summary())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventStarted, events[0])
	assert.Equal(t, EventCompleted, events[len(events)-1])
}

func TestContextCancellationStopsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMonitor()
	require.NoError(t, m.Start(ctx, shortSessionOptions()))
	time.Sleep(50 * time.Millisecond)

	cancel()

	deadline := time.Now().Add(time.Second)
	for m.State() != StateCompleted {
		if time.Now().After(deadline) {
			t.Fatal("session did not stop on context cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.NotNil(t, m.Summary())
}

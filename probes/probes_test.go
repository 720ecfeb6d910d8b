package probes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, NewOptions().Validate())
	assert.NoError(t, Options{Samples: 10}.Validate())
	assert.Error(t, Options{Samples: 9}.Validate())
	assert.Error(t, Options{Samples: 0}.Validate())
	assert.Error(t, Options{Samples: 100, Interval: -time.Second}.Validate())
}

type probeFunc func(context.Context, Options) (*Result, error)

func TestProbes(t *testing.T) {
	ctx := context.Background()

	for name, probe := range map[string]probeFunc{
		"micro-jitter":       MicroJitter,
		"ctx-switch":         CtxSwitch,
		"syscall-saturation": SyscallSaturation,
		"task-wakeup":        TaskWakeup,
	} {
		t.Run(name, func(t *testing.T) {
			opts := NewOptions()
			opts.Samples = 50
			opts.Interval = time.Millisecond

			before := time.Now()
			result, err := probe(ctx, opts)
			require.NoError(t, err)
			require.NotNil(t, result)

			assert.Equal(t, name, result.Name)
			assert.False(t, result.CollectedAt.Before(before))

			dist := result.Distribution
			assert.Equal(t, int64(opts.Samples), dist.Count)
			assert.GreaterOrEqual(t, dist.MaxUS, dist.P999US)
			assert.GreaterOrEqual(t, dist.P999US, dist.P99US)
			assert.GreaterOrEqual(t, dist.P99US, dist.MinUS)
			assert.GreaterOrEqual(t, dist.MinUS, int64(0))
		})
		t.Run(name+"/Cancelled", func(t *testing.T) {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := probe(cancelled, NewOptions())
			assert.Error(t, err)
		})
		t.Run(name+"/InvalidOptions", func(t *testing.T) {
			_, err := probe(ctx, Options{Samples: 1})
			assert.Error(t, err)
		})
	}
}

func TestTaskWakeupMeasuresOversleep(t *testing.T) {
	opts := Options{Samples: 20, Interval: time.Millisecond}
	result, err := TaskWakeup(context.Background(), opts)
	require.NoError(t, err)

	// oversleep is bounded below by zero and, on any sane system,
	// well under the sleep interval itself in the median
	assert.GreaterOrEqual(t, result.Distribution.MinUS, int64(0))
	assert.Equal(t, int64(20), result.Distribution.Count)
}

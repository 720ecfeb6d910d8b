package schedlat

import "time"

// PerformanceMetrics is an immutable point-in-time view of the
// session statistics. The aggregator builds a complete new value every
// drain cycle and publishes it with an atomic pointer swap, so readers
// never observe a partially updated snapshot.
//
// Latency fields are microseconds. Within one snapshot
// MaxUS >= P999US >= P99US >= AvgUS >= 0.
type PerformanceMetrics struct {
	Timestamp time.Time `bson:"ts" json:"ts"`

	// Whole-session latency statistics.
	CurrentUS int64 `bson:"current_us" json:"current_us"`
	MinUS     int64 `bson:"min_us" json:"min_us"`
	MaxUS     int64 `bson:"max_us" json:"max_us"`
	AvgUS     int64 `bson:"avg_us" json:"avg_us"`
	P99US     int64 `bson:"p99_us" json:"p99_us"`
	P999US    int64 `bson:"p999_us" json:"p999_us"`

	// Rolling-window variants over the most recent samples.
	RollingP99US       int64   `bson:"rolling_p99_us" json:"rolling_p99_us"`
	RollingP999US      int64   `bson:"rolling_p999_us" json:"rolling_p999_us"`
	RollingConsistency float64 `bson:"rolling_consistency" json:"rolling_consistency"`

	// JitterUS is the peak latency of the last completed
	// aggregation cycle; MaxJitterUS the largest cycle peak seen.
	JitterUS    int64 `bson:"jitter_us" json:"jitter_us"`
	MaxJitterUS int64 `bson:"max_jitter_us" json:"max_jitter_us"`

	// Counters mirrored out of the shared monitoring state.
	SampleCount    int64 `bson:"sample_count" json:"sample_count"`
	DroppedSamples int64 `bson:"dropped_samples" json:"dropped_samples"`
	Spikes         int64 `bson:"spikes" json:"spikes"`
	SMIEvents      int64 `bson:"smi_events" json:"smi_events"`
	SMICorrelated  int64 `bson:"smi_correlated" json:"smi_correlated"`

	// Histogram is the bucketed latency distribution; JitterTrace
	// the most recent per-cycle peaks, oldest first.
	Histogram   []HistogramBucket `bson:"histogram,omitempty" json:"histogram,omitempty"`
	JitterTrace []int64           `bson:"jitter_trace,omitempty" json:"jitter_trace,omitempty"`

	// Telemetry polled on slower cadences. Zero values mean the
	// source was unreadable.
	ThermalMilliC int64  `bson:"thermal_milli_c" json:"thermal_milli_c"`
	Governor      string `bson:"governor,omitempty" json:"governor,omitempty"`
	CPUFreqKHz    int64  `bson:"cpu_freq_khz" json:"cpu_freq_khz"`
}

// DropRate is the fraction of attempted samples that were lost to
// channel backpressure, between 0 and 1. Consumers use it to judge
// how trustworthy the session statistics are.
func (m *PerformanceMetrics) DropRate() float64 {
	attempted := m.SampleCount + m.DroppedSamples
	if attempted == 0 {
		return 0
	}
	return float64(m.DroppedSamples) / float64(attempted)
}

// SessionSummary is the immutable result of one finished monitoring
// session. It is created exactly once when the session finalizes and
// never mutated afterward.
type SessionSummary struct {
	Label          string             `bson:"label,omitempty" json:"label,omitempty"`
	Mode           string             `bson:"mode" json:"mode"`
	StartedAt      time.Time          `bson:"started_at" json:"started_at"`
	Duration       time.Duration      `bson:"duration_ns" json:"duration_ns"`
	Completed      bool               `bson:"completed" json:"completed"`
	Context        KernelContext      `bson:"context" json:"context"`
	Metrics        PerformanceMetrics `bson:"metrics" json:"metrics"`
	Stressors      []string           `bson:"stressors,omitempty" json:"stressors,omitempty"`
	TotalSamples   int64              `bson:"total_samples" json:"total_samples"`
	DroppedSamples int64              `bson:"dropped_samples" json:"dropped_samples"`
}

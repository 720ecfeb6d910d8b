package schedlat

import "math"

// HistogramBucket is one bucket of the latency distribution. Buckets
// are ordered and non-overlapping; the last bucket is open ended.
// Bounds are microseconds.
type HistogramBucket struct {
	LowerUS int64 `bson:"lower_us" json:"lower_us"`
	UpperUS int64 `bson:"upper_us" json:"upper_us"`
	Count   int64 `bson:"count" json:"count"`
}

// histogramBoundsUS are the lower bounds of the latency buckets, in
// microseconds. Roughly logarithmic, covering the range from timer
// noise up to multi-millisecond stalls.
var histogramBoundsUS = []int64{0, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// latencyHistogram accumulates samples into the fixed bucket layout.
// Owned exclusively by the aggregator.
type latencyHistogram struct {
	counts [10]int64
}

// add records a nanosecond latency sample.
func (h *latencyHistogram) add(ns int64) {
	us := ns / 1000
	idx := len(histogramBoundsUS) - 1
	for i := 1; i < len(histogramBoundsUS); i++ {
		if us < histogramBoundsUS[i] {
			idx = i - 1
			break
		}
	}
	h.counts[idx]++
}

// buckets renders the histogram as an ordered bucket slice. Empty
// trailing buckets are retained so that bucket layouts are identical
// across records.
func (h *latencyHistogram) buckets() []HistogramBucket {
	out := make([]HistogramBucket, len(histogramBoundsUS))
	for i, lower := range histogramBoundsUS {
		upper := int64(math.MaxInt64)
		if i+1 < len(histogramBoundsUS) {
			upper = histogramBoundsUS[i+1]
		}
		out[i] = HistogramBucket{LowerUS: lower, UpperUS: upper, Count: h.counts[i]}
	}
	return out
}

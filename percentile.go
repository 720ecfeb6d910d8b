package schedlat

import "sort"

// percentileOf returns the nearest-rank percentile of the sample set.
// The input is copied before sorting, so callers may pass live
// buffers. Returns zero for an empty set.
func percentileOf(samples []int64, pct float64) int64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(float64(len(sorted))*pct/100.0 + 0.9999)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// latencyAccum accumulates whole-session latency statistics: running
// min/max/sum/count plus the full sample history for on-demand
// percentile queries. Owned exclusively by the aggregator.
type latencyAccum struct {
	count   int64
	sum     int64
	min     int64
	max     int64
	samples []int64
}

func (a *latencyAccum) observe(v int64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.count++
	a.sum += v
	a.samples = append(a.samples, v)
}

func (a *latencyAccum) avg() int64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / a.count
}

func (a *latencyAccum) percentile(pct float64) int64 {
	return percentileOf(a.samples, pct)
}

// Distribution is a microsecond summary of a nanosecond sample set,
// shared by the one-shot probe collectors and anything else that
// needs the session's statistical conventions on a standalone batch.
type Distribution struct {
	Count  int64 `bson:"count" json:"count"`
	MinUS  int64 `bson:"min_us" json:"min_us"`
	MaxUS  int64 `bson:"max_us" json:"max_us"`
	AvgUS  int64 `bson:"avg_us" json:"avg_us"`
	P99US  int64 `bson:"p99_us" json:"p99_us"`
	P999US int64 `bson:"p999_us" json:"p999_us"`
}

// Summarize reduces a batch of nanosecond samples to a Distribution.
func Summarize(samplesNS []int64) Distribution {
	if len(samplesNS) == 0 {
		return Distribution{}
	}

	accum := latencyAccum{}
	for _, v := range samplesNS {
		accum.observe(v)
	}

	return Distribution{
		Count:  accum.count,
		MinUS:  accum.min / 1000,
		MaxUS:  accum.max / 1000,
		AvgUS:  accum.avg() / 1000,
		P99US:  accum.percentile(99) / 1000,
		P999US: accum.percentile(99.9) / 1000,
	}
}

package schedlat

import "math"

// rollingWindowSize is the fixed capacity of the recent-sample
// window. Percentiles over this window recover quickly after a spike,
// unlike whole-session percentiles.
const rollingWindowSize = 1000

// rollingWindow is a fixed-capacity buffer of the most recent
// latencies, overwritten oldest-first. Owned exclusively by the
// aggregator.
type rollingWindow struct {
	buf  [rollingWindowSize]int64
	next int
	n    int
}

func (w *rollingWindow) add(v int64) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % rollingWindowSize
	if w.n < rollingWindowSize {
		w.n++
	}
}

// values returns a copy of the window contents in unspecified order,
// which is sufficient for percentile and moment queries.
func (w *rollingWindow) values() []int64 {
	out := make([]int64, w.n)
	copy(out, w.buf[:w.n])
	return out
}

func (w *rollingWindow) percentile(pct float64) int64 {
	return percentileOf(w.buf[:w.n], pct)
}

// consistency scores how tightly recent latencies cluster around
// their mean, as a 0-100 percentage where 100 is perfectly steady. It
// is derived from the coefficient of variation over the window.
func (w *rollingWindow) consistency() float64 {
	if w.n < 2 {
		return 100.0
	}

	var sum float64
	for _, v := range w.buf[:w.n] {
		sum += float64(v)
	}
	mean := sum / float64(w.n)
	if mean <= 0 {
		return 100.0
	}

	var sq float64
	for _, v := range w.buf[:w.n] {
		d := float64(v) - mean
		sq += d * d
	}
	cv := math.Sqrt(sq/float64(w.n)) / mean

	score := 100.0 * (1.0 - cv)
	if score < 0 {
		return 0
	}
	return score
}

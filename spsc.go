package schedlat

import "sync/atomic"

// sampleRing is a bounded lock-free single-producer/single-consumer
// queue of latency samples. The sampler is the only pusher, the
// aggregator the only popper. Push never blocks: a full ring rejects
// the sample and the caller counts the drop. Pop never blocks: an
// empty ring reports false.
type sampleRing struct {
	buf  []int64
	mask uint64
	head atomic.Uint64 // next slot to pop, advanced by the consumer
	tail atomic.Uint64 // next slot to push, advanced by the producer
}

func newSampleRing(capacity int) *sampleRing {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &sampleRing{
		buf:  make([]int64, size),
		mask: size - 1,
	}
}

// Push appends a sample, returning false when the ring is full.
func (r *sampleRing) Push(v int64) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// Pop removes the oldest sample, returning false when the ring is
// empty.
func (r *sampleRing) Pop() (int64, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return 0, false
	}
	v := r.buf[head&r.mask]
	r.head.Store(head + 1)
	return v, true
}

// Len reports the number of buffered samples. Only advisory: either
// end may move concurrently.
func (r *sampleRing) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// DiagCode identifies a diagnostic event raised by the sampler.
type DiagCode int32

const (
	// DiagResync records that the sampler fell behind its grid and
	// snapped forward; the value is the number of skipped
	// intervals.
	DiagResync DiagCode = iota
	// DiagSetupShortfall records a privilege or environment
	// shortfall during sampler setup; the value indexes the
	// degraded capability.
	DiagSetupShortfall
)

// DiagEvent is a fixed-size diagnostic record the sampler can emit
// without allocating or logging in its steady-state loop. The
// aggregator drains these and turns them into log lines.
type DiagEvent struct {
	Code  DiagCode
	Value int64
}

// diagRing is the auxiliary SPSC queue carrying DiagEvents out of the
// sampler thread. Same discipline as sampleRing; overflow silently
// discards the event, diagnostics are best effort.
type diagRing struct {
	buf  []DiagEvent
	mask uint64
	head atomic.Uint64
	tail atomic.Uint64
}

func newDiagRing(capacity int) *diagRing {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &diagRing{
		buf:  make([]DiagEvent, size),
		mask: size - 1,
	}
}

func (r *diagRing) Push(ev DiagEvent) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = ev
	r.tail.Store(tail + 1)
	return true
}

func (r *diagRing) Pop() (DiagEvent, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return DiagEvent{}, false
	}
	ev := r.buf[head&r.mask]
	r.head.Store(head + 1)
	return ev, true
}

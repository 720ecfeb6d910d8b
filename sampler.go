package schedlat

import (
	"runtime"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
)

// smiSource reports the number of System Management Interrupts that
// fired since the previous poll. The production implementation reads
// MSR_SMI_COUNT; tests substitute a synthetic source.
type smiSource interface {
	Poll() (int64, bool)
}

// sampler owns the time-grid measurement loop. It runs on a locked OS
// thread, never shares a scheduler with the aggregator, and in its
// steady state never blocks, allocates, or logs: a stall here would be
// measured as a spike of the target system rather than of the tool.
type sampler struct {
	state    *MonitoringState
	out      *sampleRing
	diag     *diagRing
	smi      smiSource
	interval int64 // ns
	spike    int64 // ns
	core     int
	priority int
}

// nextTarget computes the deadline following a wake at now for a grid
// anchored at target. A wake inside the next interval keeps the grid;
// a wake late by k full intervals snaps forward by exactly (k+1)
// intervals so the grid never drifts and catch-up stays bounded.
func nextTarget(target, now, interval int64) (next int64, lag int64) {
	next = target + interval
	if now <= next {
		return next, 0
	}
	lag = (now - next) / interval
	if (now-next)%interval != 0 {
		lag++
	}
	return next + lag*interval, lag
}

// run executes the sampling loop until the shared stop flag is
// observed. The done channel closes on exit.
func (s *sampler) run(done chan<- struct{}) {
	defer close(done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for _, shortfall := range setupRealtimeThread(s.core, s.priority) {
		// Degraded, not fatal: measurement continues at best
		// effort on the normal scheduling class.
		grip.Warning(message.Fields{
			"op":    "sampler setup",
			"core":  s.core,
			"error": shortfall.Error(),
		})
		s.diag.Push(DiagEvent{Code: DiagSetupShortfall})
	}

	target := monotonicNow() + s.interval
	for !s.state.StopRequested() {
		sleepUntil(target)
		now := monotonicNow()

		lat := now - target
		if lat < 0 {
			// Early wake is clock noise, not negative latency.
			lat = 0
		}

		s.state.PushAttempts.Add(1)
		if !s.out.Push(lat) {
			s.state.DroppedSamples.Add(1)
		}

		if lat >= s.spike {
			s.state.Spikes.Add(1)
			if s.smi != nil {
				if n, ok := s.smi.Poll(); ok && n > 0 {
					s.state.SMIEvents.Add(n)
					s.state.SMICorrelated.Add(1)
				}
			}
		}

		var lag int64
		target, lag = nextTarget(target, now, s.interval)
		if lag > 0 {
			s.diag.Push(DiagEvent{Code: DiagResync, Value: lag})
		}
	}
}

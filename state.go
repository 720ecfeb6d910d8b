package schedlat

import "sync/atomic"

// MonitoringState is the shared state between the sampler thread and
// the aggregator. All fields are atomics; each counter has exactly one
// writer, which removes read-modify-write races by construction:
//
//	sampler only:    PushAttempts, DroppedSamples, Spikes, SMIEvents,
//	                 SMICorrelated
//	aggregator only: FinalSamples, FinalDropped
//
// FinalSamples and FinalDropped are meaningful only after the stop
// flag has been raised and the aggregator has performed its terminal
// drain, signalled by Done.
type MonitoringState struct {
	// PushAttempts counts every sample the sampler tried to hand
	// off, delivered or not.
	PushAttempts atomic.Int64

	// DroppedSamples counts pushes rejected by a full channel.
	DroppedSamples atomic.Int64

	// Spikes counts samples at or above the spike threshold.
	Spikes atomic.Int64

	// SMIEvents is the total number of SMIs observed during spike
	// polls. SMICorrelated counts spikes with at least one
	// coincident SMI, so SMICorrelated never exceeds Spikes.
	SMIEvents     atomic.Int64
	SMICorrelated atomic.Int64

	// FinalSamples and FinalDropped are written once by the
	// aggregator after its terminal drain.
	FinalSamples atomic.Int64
	FinalDropped atomic.Int64

	stop atomic.Bool
	done atomic.Bool
}

// RequestStop raises the cooperative stop flag. The sampler observes
// it at the top of its next loop iteration, which bounds its exit
// latency to one sampling interval.
func (s *MonitoringState) RequestStop() { s.stop.Store(true) }

// StopRequested reports whether the stop flag is raised.
func (s *MonitoringState) StopRequested() bool { return s.stop.Load() }

// markDone records that the aggregator finished its terminal drain and
// the final counts are valid.
func (s *MonitoringState) markDone() { s.done.Store(true) }

// Done reports whether the final counts are valid.
func (s *MonitoringState) Done() bool { return s.done.Load() }

//go:build linux

package schedlat

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// monotonicNow returns CLOCK_MONOTONIC in nanoseconds. The sampler
// grid is anchored on this clock so deadlines survive wall-clock
// adjustments.
func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// sleepUntil blocks until the absolute CLOCK_MONOTONIC deadline.
// Sleeping to an absolute deadline rather than a relative duration is
// what keeps the grid drift free: time spent between wake and the next
// sleep call does not accumulate.
func sleepUntil(deadline int64) {
	ts := unix.NsecToTimespec(deadline)
	for {
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, unix.TIMER_ABSTIME, &ts, nil)
		if err != unix.EINTR {
			return
		}
	}
}

// linux sched_param; only the priority field is defined.
type schedParam struct {
	priority int32
}

// setupRealtimeThread raises the calling thread to SCHED_FIFO at the
// given priority, pins it to core, and locks the process address
// space. Each step is independent and best effort; the returned
// errors describe the capabilities that could not be acquired.
func setupRealtimeThread(core, priority int) []error {
	var shortfalls []error

	param := schedParam{priority: int32(priority)}
	if _, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
		0, uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param))); errno != 0 {
		shortfalls = append(shortfalls,
			errors.Wrapf(errno, "problem setting SCHED_FIFO priority %d", priority))
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		shortfalls = append(shortfalls,
			errors.Wrapf(err, "problem pinning sampler to core %d", core))
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		shortfalls = append(shortfalls,
			errors.Wrap(err, "problem locking memory"))
	}

	return shortfalls
}

// msrSMICount is the MSR holding the cumulative SMI count on Intel
// hardware.
const msrSMICount = 0x34

// msrSMIReader polls MSR_SMI_COUNT through the msr character device.
// Requires the msr module and root; construction fails cleanly when
// either is missing and spike/SMI correlation degrades to "unknown".
type msrSMIReader struct {
	f    *os.File
	last uint64
}

func newSMIReader(core int) (smiSource, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", core)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "problem opening msr device %s", path)
	}

	r := &msrSMIReader{f: f}
	if cur, ok := r.read(); ok {
		r.last = cur
	} else {
		_ = f.Close()
		return nil, errors.Errorf("problem reading SMI count from %s", path)
	}
	return r, nil
}

func (r *msrSMIReader) read() (uint64, bool) {
	var buf [8]byte
	if n, err := r.f.ReadAt(buf[:], msrSMICount); err != nil || n != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// Poll returns the number of SMIs since the previous poll.
func (r *msrSMIReader) Poll() (int64, bool) {
	cur, ok := r.read()
	if !ok {
		return 0, false
	}
	delta := int64(cur - r.last)
	r.last = cur
	return delta, true
}

func (r *msrSMIReader) Close() error {
	return r.f.Close()
}

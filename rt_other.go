//go:build !linux

package schedlat

import (
	"time"

	"github.com/pkg/errors"
)

// Non-linux hosts get a best-effort grid on the runtime timer with no
// realtime scheduling, affinity, memory locking, or SMI telemetry.

var monotonicBase = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(monotonicBase))
}

func sleepUntil(deadline int64) {
	if d := deadline - monotonicNow(); d > 0 {
		time.Sleep(time.Duration(d))
	}
}

func setupRealtimeThread(core, priority int) []error {
	return []error{errors.New("realtime thread setup is only supported on linux")}
}

func newSMIReader(core int) (smiSource, error) {
	return nil, errors.New("SMI counters are only supported on linux")
}

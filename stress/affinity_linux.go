//go:build linux

package stress

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pinAway restricts the calling thread to every allowed core except
// the one being measured. When the avoided core is the only core
// available the mask is left alone.
func pinAway(avoid int) error {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return errors.Wrap(err, "problem reading thread affinity")
	}

	if !set.IsSet(avoid) {
		return nil
	}

	set.Clear(avoid)
	if set.Count() == 0 {
		return errors.Errorf("core %d is the only schedulable core", avoid)
	}

	return errors.Wrap(unix.SchedSetaffinity(0, &set),
		"problem restricting thread affinity")
}

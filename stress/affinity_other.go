//go:build !linux

package stress

import "github.com/pkg/errors"

func pinAway(avoid int) error {
	return errors.New("thread affinity is only supported on linux")
}

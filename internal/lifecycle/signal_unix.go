//go:build !windows

package lifecycle

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type unixSignaler struct{}

// SystemSignaler returns the platform Signaler. On unix there is no native
// tree primitive, so the Terminator walks the tree itself.
func SystemSignaler() Signaler {
	return unixSignaler{}
}

func (unixSignaler) Interrupt(pid int) error {
	return signal(pid, unix.SIGTERM)
}

func (unixSignaler) Kill(pid int) error {
	return signal(pid, unix.SIGKILL)
}

func signal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal %d: %w", pid, ErrNoProcess)
		}
		return fmt.Errorf("signal %d with %s: %w", pid, unix.SignalName(sig), err)
	}
	return nil
}

//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// The backend runs in its own process group; signals go to the whole group so
// helpers it forked do not outlive it.

func signalGraceful(pid int) error { return unix.Kill(-pid, unix.SIGTERM) }

func signalForceful(pid int) error { return unix.Kill(-pid, unix.SIGKILL) }

// processGone reports whether a signal error only means the target already exited.
func processGone(err error) bool { return errors.Is(err, unix.ESRCH) }

// processExists checks if a process exists (for test compatibility)
func processExists(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

//go:build linux

package nanny

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// osWaiter implements Waiter against the real kernel, using a non-blocking
// wait4 so a worker never holds up its own goroutine — children may exit
// between a status check and this call, which TryWait reports as already
// reaped rather than an error (§9: PID is a liveness hint, not an
// identity this layer dereferences for anything beyond supervision).
type osWaiter struct{}

func (osWaiter) TryWait(pid int) (bool, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		if err == unix.ECHILD {
			// No such child: already reaped by someone else, or never ours.
			return true, nil
		}
		return false, err
	}
	return wpid == pid, nil
}

func (osWaiter) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

//go:build !linux

package nanny

import (
	"os"
	"syscall"
)

// osWaiter falls back to blocking-free best effort outside Linux: there is
// no portable non-blocking waitpid in the standard library, so this polls
// liveness via signal 0 instead of reaping the child itself.
type osWaiter struct{}

func (osWaiter) TryWait(pid int) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true, nil
	}
	return false, nil
}

func (osWaiter) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

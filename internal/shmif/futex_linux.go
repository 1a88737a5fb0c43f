//go:build linux

package shmif

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these (only the FUTEX syscall number), so they are defined locally per
// the kernel ABI (linux/futex.h).
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait blocks while *addr == val, waking on futexWake or a spurious
// signal. Callers must re-check their condition after it returns: per the
// teacher's handshake.go comment, a timer-driven poll loop is an acceptable
// fallback but the futex path is what the event rings use on Linux.
func futexWait(addr *uint32, val uint32) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWait,
		uintptr(val),
		0, 0, 0,
	)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return errno
	}
	return nil
}

// futexWake wakes up to n waiters blocked on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWake,
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

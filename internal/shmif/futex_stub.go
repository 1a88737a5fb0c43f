//go:build !linux

package shmif

import "errors"

// ErrFutexUnsupported is returned by futexWait/futexWake on platforms
// without a futex syscall. The event rings fall back to their timer-polled
// path in that case (see EventRing.PopBlockingContext).
var ErrFutexUnsupported = errors.New("shmif: futex not supported on this platform")

func futexWait(addr *uint32, val uint32) error { return ErrFutexUnsupported }
func futexWake(addr *uint32, n int) error       { return ErrFutexUnsupported }

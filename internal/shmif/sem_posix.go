//go:build linux && cgo

package shmif

/*
#include <semaphore.h>
#include <fcntl.h>
#include <stdlib.h>

// sem_open is variadic, which cgo cannot call directly.
static sem_t *afsrv_sem_open(const char *name) { return sem_open(name, 0); }
static sem_t *afsrv_sem_create(const char *name, mode_t mode, unsigned int value) {
	return sem_open(name, O_CREAT, mode, value);
}
*/
import "C"

import (
	"errors"
	"syscall"
	"unsafe"
)

// Semaphore wraps a POSIX named semaphore. The allocator first opens the
// three semaphores paired with a segment without O_CREAT, the same way
// original_source/src/platform/posix/frameserver.c calls
// sem_open(work, 0). When no semaphore of that name exists yet,
// Segment.openSemaphores creates it itself with CreateSemaphore.
type Semaphore struct {
	ptr  *C.sem_t
	name string
}

// ErrSemaphoreNotFound is returned by OpenSemaphore when no semaphore with
// the given name has been created by the privileged helper yet.
var ErrSemaphoreNotFound = errors.New("shmif: semaphore not found")

// OpenSemaphore opens (does not create) the named POSIX semaphore.
func OpenSemaphore(name string) (*Semaphore, error) {
	cname := C.CString("/" + name)
	defer C.free(unsafe.Pointer(cname))

	ptr, errno := C.afsrv_sem_open(cname)
	if ptr == nil {
		if errno == syscall.ENOENT {
			return nil, ErrSemaphoreNotFound
		}
		return nil, fmt_wrap("sem_open", errno)
	}
	return &Semaphore{ptr: ptr, name: name}, nil
}

// CreateSemaphore creates (or opens, if already present) the named
// semaphore with an initial count. Used by tests and by the setuid-helper
// stand-in in single-binary deployments that don't split allocation across
// a separate privileged process.
func CreateSemaphore(name string, initial uint) (*Semaphore, error) {
	cname := C.CString("/" + name)
	defer C.free(unsafe.Pointer(cname))

	ptr, errno := C.afsrv_sem_create(cname, C.mode_t(0600), C.uint(initial))
	if ptr == nil {
		return nil, fmt_wrap("sem_open(O_CREAT)", errno)
	}
	return &Semaphore{ptr: ptr, name: name}, nil
}

// Post increments the semaphore, releasing one waiter (§3: video/audio/event
// availability signaling).
func (s *Semaphore) Post() error {
	ret, errno := C.sem_post(s.ptr)
	if ret != 0 {
		return fmt_wrap("sem_post", errno)
	}
	return nil
}

// Wait blocks until the semaphore can be decremented.
func (s *Semaphore) Wait() error {
	ret, errno := C.sem_wait(s.ptr)
	if ret != 0 {
		return fmt_wrap("sem_wait", errno)
	}
	return nil
}

// TryWait attempts a non-blocking decrement, returning false if the
// semaphore's count is currently zero.
func (s *Semaphore) TryWait() (bool, error) {
	ret, errno := C.sem_trywait(s.ptr)
	if ret == 0 {
		return true, nil
	}
	if errno == syscall.EAGAIN {
		return false, nil
	}
	return false, fmt_wrap("sem_trywait", errno)
}

// Close releases this process's handle to the semaphore without removing
// its name from the system (that happens in UnlinkSemaphore, called exactly once by
// Release per §3 invariant 2).
func (s *Semaphore) Close() error {
	ret, errno := C.sem_close(s.ptr)
	if ret != 0 {
		return fmt_wrap("sem_close", errno)
	}
	return nil
}

// UnlinkSemaphore removes the name from the system.
func UnlinkSemaphore(name string) error {
	cname := C.CString("/" + name)
	defer C.free(unsafe.Pointer(cname))
	ret, errno := C.sem_unlink(cname)
	if ret != 0 {
		return fmt_wrap("sem_unlink", errno)
	}
	return nil
}

func fmt_wrap(op string, errno error) error {
	if errno == nil {
		return errors.New("shmif: " + op + " failed")
	}
	return errors.New("shmif: " + op + ": " + errno.Error())
}

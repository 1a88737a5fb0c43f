//go:build !(linux && cgo)

package shmif

import (
	"errors"
	"sync"
)

// Semaphore is an in-process stand-in for the POSIX named semaphore used on
// linux+cgo builds. It lets the rest of the package build and test on other
// platforms but does not provide cross-process signaling — OpenSemaphore
// and CreateSemaphore share a single process-wide name table rather than
// talking to the kernel.
type Semaphore struct {
	name string
	ch   chan struct{}
}

// ErrSemaphoreNotFound is returned by OpenSemaphore when no semaphore with
// the given name has been created yet.
var ErrSemaphoreNotFound = errors.New("shmif: semaphore not found")

var (
	semTableMu sync.Mutex
	semTable   = map[string]chan struct{}{}
)

// OpenSemaphore opens a semaphore previously created with CreateSemaphore.
func OpenSemaphore(name string) (*Semaphore, error) {
	semTableMu.Lock()
	defer semTableMu.Unlock()
	ch, ok := semTable[name]
	if !ok {
		return nil, ErrSemaphoreNotFound
	}
	return &Semaphore{name: name, ch: ch}, nil
}

// CreateSemaphore creates (or opens, if already present) the named
// semaphore with an initial count.
func CreateSemaphore(name string, initial uint) (*Semaphore, error) {
	semTableMu.Lock()
	defer semTableMu.Unlock()
	ch, ok := semTable[name]
	if !ok {
		ch = make(chan struct{}, 1<<16)
		semTable[name] = ch
	}
	for i := uint(0); i < initial; i++ {
		ch <- struct{}{}
	}
	return &Semaphore{name: name, ch: ch}, nil
}

// Post increments the semaphore.
func (s *Semaphore) Post() error {
	select {
	case s.ch <- struct{}{}:
	default:
		return errors.New("shmif: semaphore overflow")
	}
	return nil
}

// Wait blocks until the semaphore can be decremented.
func (s *Semaphore) Wait() error {
	<-s.ch
	return nil
}

// TryWait attempts a non-blocking decrement.
func (s *Semaphore) TryWait() (bool, error) {
	select {
	case <-s.ch:
		return true, nil
	default:
		return false, nil
	}
}

// Close is a no-op on this platform; the process-wide table is the only
// handle holder.
func (s *Semaphore) Close() error { return nil }

// UnlinkSemaphore removes the name from the process-wide table.
func UnlinkSemaphore(name string) error {
	semTableMu.Lock()
	defer semTableMu.Unlock()
	delete(semTable, name)
	return nil
}

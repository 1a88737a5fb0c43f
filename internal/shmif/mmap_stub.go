//go:build !linux

package shmif

import (
	"errors"
	"os"
)

// ErrMmapUnsupported is returned on platforms without a mmap
// implementation wired up. The allocator itself targets Linux (per §6,
// the production host); this file exists only so the package and its
// non-platform-specific tests build elsewhere.
var ErrMmapUnsupported = errors.New("shmif: mmap not supported on this platform")

func mmapFile(file *os.File, size int) ([]byte, error) {
	return nil, ErrMmapUnsupported
}

func munmapImpl(mem []byte) error {
	return nil
}

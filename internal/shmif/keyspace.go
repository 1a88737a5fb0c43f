package shmif

import (
	"fmt"
	"os"
)

// MaxKeyProbes bounds how many candidate names Allocate tries before
// giving up, mirroring the bounded probe loop in
// original_source/src/platform/posix/frameserver.c.
const MaxKeyProbes = 4096

// keyspaceProbe reports whether a shared-memory-backed path is already taken.
// Exposed as a var so tests can substitute a fake namespace without
// touching the filesystem.
var keyspaceProbe = func(name string) bool {
	_, err := os.Stat(ShmPath(name))
	return err == nil
}

// NextKey generates a collision-free key derived from prefix by probing the
// shared-memory namespace (§4.1). The generated key always ends in a digit,
// satisfying the §9 open-question requirement that the last byte be a
// non-special character safe to overwrite with a semaphore-kind suffix.
func NextKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = "afsrv"
	}
	for i := 0; i < MaxKeyProbes; i++ {
		candidate := fmt.Sprintf("%s_%d", prefix, i)
		if len(candidate) == 0 {
			continue
		}
		if !keyspaceProbe(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("shmif: exhausted %d key probes for prefix %q", MaxKeyProbes, prefix)
}

// SemaphoreName derives one of the three semaphore names from key by
// replacing its last byte with suffix ('v', 'a', or 'e'). key must be at
// least one byte long (§9 open question, enforced at generation time by
// NextKey rather than left to the caller).
func SemaphoreName(key string, suffix byte) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("shmif: empty key has no semaphore name")
	}
	b := []byte(key)
	b[len(b)-1] = suffix
	return string(b), nil
}

package shmif

import (
	"fmt"
	"os"
	"path/filepath"
)

// Compile-time path and permission constants (§4.1, §6). In a real build
// these would be injected by the build system; here they're plain
// constants the embedding host can fork and recompile against.
const (
	ShmPathPrefix    = "/dev/shm/afsrv_"
	RendezvousPrefix = "/tmp/afsrv_"
	RendezvousPerm   = 0700
	RendezvousBacklog = 1

	// MaxUnixPathLen is sizeof(sockaddr_un.sun_path) on Linux.
	MaxUnixPathLen = 108
)

// ShmPath returns the filesystem path backing a segment named name.
func ShmPath(name string) string {
	return ShmPathPrefix + name
}

// RendezvousPath computes the listening socket path for a rendezvous name,
// the way §6 describes "PREFIX[+HOME/]name": a relative RendezvousPrefix is
// resolved under $HOME, an absolute or abstract one is used as is. It fails
// if the resulting path would overflow the platform's sockaddr_un limit
// (§4.1).
func RendezvousPath(name string) (string, error) {
	prefix := RendezvousPrefix
	if len(prefix) > 0 && prefix[0] != 0 && !filepath.IsAbs(prefix) {
		if home := HomePrefix(); home != "" {
			prefix = filepath.Join(home, prefix)
		}
	}
	path := prefix + name
	if len(path) >= MaxUnixPathLen {
		return "", fmt.Errorf("shmif: rendezvous path %q exceeds %d bytes", path, MaxUnixPathLen)
	}
	return path, nil
}

// AbstractRendezvousPath returns an abstract-namespace socket address
// (Linux only): a leading NUL byte means the address never touches the
// filesystem and is not subject to RendezvousPerm or unlink-on-release.
func AbstractRendezvousPath(name string) string {
	return "\x00afsrv_" + name
}

// unlinkStale removes any existing file at path before binding, matching
// the "stale file is unlinked first" rule in §4.1. It ignores a missing
// file and returns any other error.
func unlinkStale(path string) error {
	if len(path) > 0 && path[0] == 0 {
		return nil // abstract namespace: nothing on disk to remove
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

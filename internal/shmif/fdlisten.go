package shmif

import (
	"fmt"
	"net"
	"os"
)

// ListenerFromFD adapts an already-bound, already-listening socket fd
// (inherited across exec, e.g. systemd socket activation or -S) into a
// net.Listener.
func ListenerFromFD(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("inherited-fd-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("shmif: fd %d is not valid", fd)
	}
	ln, err := net.FileListener(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmif: listener from fd %d: %w", fd, err)
	}
	return ln, nil
}

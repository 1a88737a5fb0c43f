//go:build !linux

package subsegment

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("subsegment: control socket not supported on this platform")

func newControlSocketPair() (sendFd int, hostFile *os.File, err error) {
	return 0, nil, errUnsupported
}

// SCMPusher is unavailable on this platform.
type SCMPusher struct{ Fd int }

func (p SCMPusher) PushFD(fd int) error { return errUnsupported }

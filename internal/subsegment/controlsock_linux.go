//go:build linux

package subsegment

import (
	"fmt"
	"os"
	"syscall"
)

// newControlSocketPair creates the datagram socket pair backing a fresh
// subsegment's control channel (§4.6). sendFd is the end handed to the
// child over SCM_RIGHTS (FDPusher.PushFD closes its own copy once sent);
// hostFile is the other end, which the caller must keep open for the
// life of the segment as its ongoing control channel rather than close.
func newControlSocketPair() (sendFd int, hostFile *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("socketpair: %w", err)
	}
	return fds[0], os.NewFile(uintptr(fds[1]), "afsrv-subsegment-control"), nil
}

// SCMPusher pushes a file descriptor across an already-connected control
// socket as an SCM_RIGHTS auxiliary message, the way poolpOrg's ipcmsg
// channel attaches an fd to a Sendmsg call.
type SCMPusher struct {
	Fd int
}

// PushFD implements FDPusher.
func (p SCMPusher) PushFD(fd int) error {
	rights := syscall.UnixRights(fd)
	if err := syscall.Sendmsg(p.Fd, nil, rights, nil, 0); err != nil {
		return fmt.Errorf("sendmsg: %w", err)
	}
	return syscall.Close(fd)
}

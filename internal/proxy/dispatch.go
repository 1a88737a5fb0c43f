package proxy

import (
	"net"

	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

// ConnHandler bridges one accepted connection to a local SHMIF endpoint.
// It is called by both dispatch strategies; the strategies only differ in
// whether the call happens in-process or in a forked child.
type ConnHandler func(conn net.Conn) error

// Dispatcher serves a stream of accepted connections according to a
// DispatchMode (§4.5).
type Dispatcher struct {
	Mode    DispatchMode
	Handler ConnHandler
	// Forker runs handler for conn in a separate process when Mode is
	// MTFork. Production wiring re-execs the current binary; tests inject
	// a fake that calls handler in-process to keep assertions simple.
	Forker func(conn net.Conn, handler ConnHandler) error
}

// Serve accepts connections from ln until it errors or ctx-like shutdown
// is signaled by the listener closing, dispatching each according to
// d.Mode.
func (d *Dispatcher) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		switch d.Mode {
		case MTSingle:
			if err := d.Handler(conn); err != nil {
				shmif.Warnf("proxy: connection handler error: %v", err)
			}
		case MTFork:
			go func(c net.Conn) {
				if err := d.dispatchForked(c); err != nil {
					shmif.Warnf("proxy: forked connection error: %v", err)
				}
			}(conn)
		}
	}
}

func (d *Dispatcher) dispatchForked(conn net.Conn) error {
	if d.Forker != nil {
		return d.Forker(conn, d.Handler)
	}
	return d.Handler(conn)
}

// PrivSep is the host-provided privilege-separation primitive a forked
// child calls before running the bridge (§4.5: "the child closes the
// listening fd and calls the host-provided privilege-separation primitive
// before running the bridge"). Production hosts might drop capabilities
// or chroot; the default is a no-op.
type PrivSep func() error

var NoPrivSep PrivSep = func() error { return nil }

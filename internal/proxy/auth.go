package proxy

import (
	"errors"
	"net"
)

// Authenticator performs the a12 handshake over conn. The wire protocol
// itself is out of this package's scope; production wiring supplies an
// implementation backed by the a12 transport library.
type Authenticator interface {
	Authenticate(conn net.Conn) error
}

// ErrAuthFailed wraps any handshake failure reported by an Authenticator.
var ErrAuthFailed = errors.New("proxy: a12 authentication failed")

// noAuth is a placeholder Authenticator that trusts every connection. The
// a12 wire protocol is out of this module's scope (§1); production
// wiring must replace NoAuth before exposing a listener beyond a trusted
// network.
type noAuth struct{}

func (noAuth) Authenticate(conn net.Conn) error { return nil }

// NoAuth is the zero-configuration Authenticator used until an a12
// client/server implementation is wired in.
var NoAuth Authenticator = noAuth{}

// LocalClient is the minimal surface the proxy needs from a local SHMIF
// endpoint to bridge it to an authenticated remote connection, without
// this package depending on the allocator directly (a bridged endpoint
// may be a freshly spawned child, an inherited fd, or an already-live
// segment).
type LocalClient interface {
	LiveChecker
	// Free tears the local endpoint down. signalDMS controls whether the
	// dead-man-switch is cleared, matching §4.5's "freed without
	// signalling dead-man-switch" on auth failure.
	Free(signalDMS bool) error
}

// authenticateConn runs auth against conn alone and, on failure, shuts
// the socket down half-duplex and closes it (§4.5). It never touches a
// local endpoint: callers that bring one up only after authentication
// succeeds have nothing to free on this path.
func authenticateConn(auth Authenticator, conn net.Conn) error {
	if auth == nil {
		return nil
	}
	if err := auth.Authenticate(conn); err != nil {
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		conn.Close()
		return errors.Join(ErrAuthFailed, err)
	}
	return nil
}

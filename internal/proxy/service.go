package proxy

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

// LocalBridge builds the local SHMIF-side endpoint for one connection,
// the way ModeCL and ModeExec differ in §4.5: ModeCL brings up a waiting
// client segment, ModeExec additionally spawns a bound process against it.
type LocalBridge interface {
	// Bring brings up a local endpoint for a freshly authenticated
	// connection and returns it as a LocalClient the caller can later Free.
	Bring(ctx context.Context) (LocalClient, error)
}

// Proxy wires together the pieces built across cli.go, proxy.go, auth.go
// and dispatch.go into the single runnable unit described by §4.5 and the
// §6 CLI table.
type Proxy struct {
	Opts   Options
	Auth   Authenticator
	Dialer Dialer
	Bridge LocalBridge
	// Session bridges an authenticated connection to its local endpoint
	// for the life of the connection (§4.5). Defaults to NoBridge.
	Session BridgeSession
	// PrivSep runs in a forked child before it bridges a connection
	// (§4.5). Defaults to NoPrivSep.
	PrivSep PrivSep
	// ForkArgs are the argv entries a re-exec'd child is started with
	// under MTFork. cmd/afsrv-proxy/main.go passes its own CLI arguments so
	// the child can rebuild the same Options; the child recognizes itself
	// by AFSRV_PROXY_CONN_FD, not by argv.
	ForkArgs []string
}

// New builds a Proxy from parsed CLI options.
func New(opts Options, auth Authenticator, bridge LocalBridge) *Proxy {
	return &Proxy{Opts: opts, Auth: auth, Bridge: bridge}
}

// retryPolicy derives the RetryPolicy implied by p.Opts.
func (p *Proxy) retryPolicy() RetryPolicy {
	return RetryPolicy{RetryCount: p.Opts.RetryCount}
}

// session returns p.Session, defaulting to NoBridge.
func (p *Proxy) session() BridgeSession {
	if p.Session != nil {
		return p.Session
	}
	return NoBridge
}

// privSep returns p.PrivSep, defaulting to NoPrivSep.
func (p *Proxy) privSep() PrivSep {
	if p.PrivSep != nil {
		return p.PrivSep
	}
	return NoPrivSep
}

// runBridgeSession hands conn and local to the configured BridgeSession
// for the life of the connection, then tears the local endpoint down and
// closes conn regardless of how the session ended (§4.5).
func (p *Proxy) runBridgeSession(ctx context.Context, conn net.Conn, local LocalClient) error {
	err := p.session().Run(ctx, conn, local)
	local.Free(err == nil)
	conn.Close()
	return err
}

// HandleInheritedConn runs the connection handler matching p.Opts.Mode
// against a connection inherited from a re-exec'ing MTFork parent
// (§4.5), after calling the configured privilege-separation primitive —
// the other half of the "child closes the listening fd and calls the
// host-provided privilege-separation primitive before running the
// bridge" sequence ReExecForker's parent side begins.
func (p *Proxy) HandleInheritedConn(conn net.Conn) error {
	if err := p.privSep()(); err != nil {
		conn.Close()
		return fmt.Errorf("proxy: privilege separation: %w", err)
	}
	switch p.Opts.Mode {
	case ModeSRV, ModeSRVInherit:
		return p.dialOutFor(conn)
	default:
		return p.handleConn(conn)
	}
}

// Run drives the proxy according to its configured Mode until the
// listener (ModeCL/ModeExec) or dial loop (ModeSRV/ModeSRVInherit)
// terminates.
func (p *Proxy) Run(ctx context.Context) error {
	switch p.Opts.Mode {
	case ModeCL, ModeExec:
		return p.runListen(ctx)
	case ModeSRV, ModeSRVInherit:
		return p.runDial(ctx)
	default:
		return fmt.Errorf("proxy: unknown mode %d", p.Opts.Mode)
	}
}

func (p *Proxy) runListen(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.Opts.Port))
	if err != nil {
		return fmt.Errorf("proxy: listen: %w", err)
	}
	defer ln.Close()

	if p.Opts.Mode == ModeExec {
		shmif.Warnf("proxy: armed exec on auth success: %s", joinExecArgs(p.Opts.ExecArgs))
	}

	d := &Dispatcher{
		Mode:    p.Opts.MTMode,
		Handler: p.handleConn,
	}
	if p.Opts.MTMode == MTFork {
		d.Forker = ReExecForker(p.ForkArgs...)
	}
	return d.Serve(ln)
}

// handleConn authenticates conn before bringing up its local endpoint
// (§4.5: ModeExec "spawns a given binary as the local SHMIF client upon
// successful authentication" — an unauthenticated connection must never
// trigger a spawn, the same ordering §4.4 requires for sending the
// segment key only after verification).
func (p *Proxy) handleConn(conn net.Conn) error {
	if err := authenticateConn(p.Auth, conn); err != nil {
		return err
	}
	local, err := p.Bridge.Bring(context.Background())
	if err != nil {
		conn.Close()
		return fmt.Errorf("proxy: bring up local endpoint: %w", err)
	}
	return p.runBridgeSession(context.Background(), conn, local)
}

// runDial implements the SRV/SRV_INHERIT half of §4.5: it opens a local
// connpoint (a named rendezvous for -s, an inherited fd for -S) and, for
// each local client accepted on it, dials out a fresh outbound connection
// to the remote peer and authenticates it. Successive local clients are
// served according to p.Opts.MTMode, the same dispatch table -t/-exec
// drive for the listening modes.
func (p *Proxy) runDial(ctx context.Context) error {
	ln, err := p.connpointListener()
	if err != nil {
		return fmt.Errorf("proxy: connpoint listen: %w", err)
	}
	defer ln.Close()

	d := &Dispatcher{
		Mode:    p.Opts.MTMode,
		Handler: p.dialOutFor,
	}
	if p.Opts.MTMode == MTFork {
		d.Forker = ReExecForker(p.ForkArgs...)
	}
	return d.Serve(ln)
}

// connpointListener opens the local-side listener a runDial session
// accepts clients on: an inherited fd for -S, or a freshly bound named
// rendezvous socket for -s (§4.5, §4.1's "stale file is unlinked first").
func (p *Proxy) connpointListener() (net.Listener, error) {
	if p.Opts.Mode == ModeSRVInherit {
		return listenFromFD(p.Opts.SockFD)
	}
	path, err := shmif.RendezvousPath(p.Opts.Connpoint)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	os.Chmod(path, shmif.RendezvousPerm)
	return ln, nil
}

// dialOutFor is the per-client handler runDial's Dispatcher invokes for
// each local connection accepted on the connpoint: it brings up the local
// endpoint, dials the remote peer under the retry policy, and runs
// authentication against the resulting connection.
func (p *Proxy) dialOutFor(conn net.Conn) error {
	defer conn.Close()

	local, err := p.Bridge.Bring(context.Background())
	if err != nil {
		return fmt.Errorf("proxy: bring up local endpoint: %w", err)
	}
	remote, err := ConnectWithRetry(context.Background(), p.Dialer, p.Opts.Host, p.Opts.Port, p.retryPolicy(), local)
	if err != nil {
		local.Free(false)
		return err
	}
	if err := authenticateConn(p.Auth, remote); err != nil {
		local.Free(false)
		return err
	}
	return p.runBridgeSession(context.Background(), remote, local)
}

// listenFromFD adapts an inherited listening fd (-S) into a net.Listener.
func listenFromFD(fd int) (net.Listener, error) {
	return shmif.ListenerFromFD(fd)
}

// Command afsrv-proxy is the network proxy entry point (§6 CLI table):
// bridging a local SHMIF endpoint to a remote a12 peer in one of four
// connection topologies.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/arcan-fe/frameserver-core/internal/proxy"
	"github.com/arcan-fe/frameserver-core/internal/shmif"
	"github.com/arcan-fe/frameserver-core/internal/spawner"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "keystore" {
		runKeystore(args[1:])
		return
	}

	if fdStr := os.Getenv(proxy.ForkConnEnv); fdStr != "" {
		runForkedConn(fdStr, args)
		return
	}

	opts, err := proxy.ParseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "afsrv-proxy:", err)
		os.Exit(1)
	}

	if cp, ok := proxy.ExitRedirect(opts); ok {
		shmif.Warnf("proxy: exit-redirect armed against %s", cp)
	}

	p := proxy.New(opts, proxy.NoAuth, &execBridge{opts: opts})
	p.ForkArgs = args
	if err := p.Run(context.Background()); err != nil {
		shmif.Warnf("proxy: run: %v", err)
		os.Exit(1)
	}
}

// runForkedConn is the child half of MTFork re-exec (§4.5): ReExecForker's
// parent side passes the accepted connection through fd 3 and names it in
// AFSRV_PROXY_CONN_FD, since the child still needs the original CLI
// arguments to know its Mode and rebuild the same Proxy the parent was
// serving. The inherited fd's type (TCP for listening modes, Unix-domain
// for the SRV connpoint) is resolved generically by net.FileConn.
func runForkedConn(fdStr string, args []string) {
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "afsrv-proxy: bad", proxy.ForkConnEnv, fdStr)
		os.Exit(1)
	}

	opts, err := proxy.ParseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "afsrv-proxy:", err)
		os.Exit(1)
	}

	f := os.NewFile(uintptr(fd), "afsrv-proxy-inherited-conn")
	conn, err := net.FileConn(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "afsrv-proxy: adopt inherited connection:", err)
		os.Exit(1)
	}
	f.Close()

	p := proxy.New(opts, proxy.NoAuth, &execBridge{opts: opts})
	if err := p.HandleInheritedConn(conn); err != nil {
		shmif.Warnf("proxy: forked connection handler: %v", err)
		os.Exit(1)
	}
}

// execBridge brings up the local SHMIF side of a connection: a bare
// waiting segment for ModeCL/ModeSRV, or a spawned child bound to the
// segment Spawn allocates for ModeExec (§4.5: "execs a binary as the local
// client on successful authentication" — Proxy.handleConn calls Bring only
// once the connection has authenticated).
type execBridge struct {
	opts proxy.Options
}

func (b *execBridge) Bring(ctx context.Context) (proxy.LocalClient, error) {
	if b.opts.Mode != proxy.ModeExec {
		seg, err := shmif.Allocate(shmif.AllocateOptions{})
		if err != nil {
			return nil, fmt.Errorf("afsrv-proxy: allocate local segment: %w", err)
		}
		seg.SetState(shmif.StateLive)
		return &segmentClient{seg: seg}, nil
	}

	var externalArg []string
	if len(b.opts.ExecArgs) > 1 {
		externalArg = b.opts.ExecArgs[1:]
	}
	handle, err := spawner.Spawn(spawner.Setup{
		External:    b.opts.ExecBin,
		ExternalArg: externalArg,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("afsrv-proxy: spawn exec target: %w", err)
	}
	return &segmentClient{seg: handle.Segment, pid: handle.PID}, nil
}

// segmentClient adapts a *shmif.Segment to proxy.LocalClient.
type segmentClient struct {
	seg *shmif.Segment
	pid int
}

func (c *segmentClient) Alive() bool {
	return c.seg.Header().DMS()
}

// Free clears the dead-man-switch first when signalDMS is set. Release
// also clears it as part of teardown, so the page ends with it cleared
// whichever value signalDMS has.
func (c *segmentClient) Free(signalDMS bool) error {
	if signalDMS {
		c.seg.Header().SetDMS(false)
	}
	return c.seg.Release()
}

// fileKeyStore is a minimal line-oriented keystore backend rooted at
// ARCAN_STATEPATH. The on-disk format is explicitly out of scope; this
// exists only so the "keystore" subcommand has somewhere to write.
type fileKeyStore struct {
	dir string
}

func (s *fileKeyStore) Register(tag, host string, port int) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("afsrv-proxy: keystore dir: %w", err)
	}
	f, err := os.OpenFile(s.dir+"/keystore", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("afsrv-proxy: open keystore: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\t%s\t%d\n", tag, host, port)
	return err
}

func runKeystore(args []string) {
	dir, ok := shmif.StatePath()
	if !ok {
		fmt.Fprintln(os.Stderr, "afsrv-proxy: ARCAN_STATEPATH must be set for keystore commands")
		os.Exit(1)
	}
	if err := proxy.ApplyKeystoreCommand(args, &fileKeyStore{dir: dir}); err != nil {
		fmt.Fprintln(os.Stderr, "afsrv-proxy:", err)
		os.Exit(1)
	}
}

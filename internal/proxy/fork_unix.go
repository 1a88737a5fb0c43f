//go:build unix

package proxy

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
)

// ForkConnEnv is the environment variable a re-exec'd child reads to learn
// which inherited fd carries the accepted connection (§4.5 MT_FORK: "the
// child closes the listening fd" — by construction it never had it, since
// only the connection fd is passed through ExtraFiles).
const ForkConnEnv = "AFSRV_PROXY_CONN_FD"

// filer is satisfied by both *net.TCPConn and *net.UnixConn, the two
// concrete connection types a Dispatcher ever hands to a Forker (the
// listening-mode TCP accept loop and the SRV-mode connpoint's Unix-domain
// accept loop).
type filer interface {
	File() (*os.File, error)
}

// ReExecForker forks per connection by re-executing the current binary
// with the connection handed through ExtraFiles, the way a
// process-isolation fork is expressed in pure Go without cgo (no direct
// fork(2) wrapper is available once goroutines exist). The parent closes
// its connection fd immediately after handoff (§4.5).
func ReExecForker(extraArgs ...string) func(net.Conn, ConnHandler) error {
	return func(conn net.Conn, _ ConnHandler) error {
		f, ok := conn.(filer)
		if !ok {
			return fmt.Errorf("proxy: ReExecForker requires a connection with a File method, got %T", conn)
		}
		connFile, err := f.File()
		if err != nil {
			return fmt.Errorf("proxy: extract connection fd: %w", err)
		}
		defer connFile.Close()
		// Child inherits the duplicate fd from connFile, not the
		// original socket, so the parent's own close below is safe.
		defer conn.Close()

		executable, err := os.Executable()
		if err != nil {
			return fmt.Errorf("proxy: resolve executable: %w", err)
		}

		cmd := exec.Command(executable, extraArgs...)
		cmd.ExtraFiles = []*os.File{connFile}
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", ForkConnEnv, 3))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("proxy: start forked handler: %w", err)
		}
		go cmd.Wait()
		return nil
	}
}

// Package spawner implements the authoritative child lifecycle (§4.3):
// forking a trusted frameserver binary with its segment credentials and a
// pre-connected control socket. The nanny is scheduled by
// shmif.Segment.Release, not here — it guards teardown, not spawn.
package spawner

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

// ErrBadSetup is returned when neither a builtin mode nor an external path
// is supplied.
var ErrBadSetup = errors.New("spawner: setup must specify either a builtin mode or an external path")

// Resolver locates a builtin helper binary by mode name, standing in for
// the host engine's path resolver (out of scope per §1, injected here as
// an interface).
type Resolver interface {
	Resolve(mode string) (path string, applPath string, err error)
}

// Setup configures Spawn (§4.3): either a builtin mode name plus resource
// string, or an external path with explicit argv/envv.
type Setup struct {
	// Builtin, when non-empty, names a well-known helper mode ("decode",
	// "encode", ...) resolved via Resolver.
	Builtin  string
	Resource string // ARCAN_ARG pass-through, meaningful for both forms

	// External, when Builtin is empty, is an explicit path to exec.
	External    string
	ExternalArg []string
	ExternalEnv []string
}

// Handle is the parent-side record of a spawned child: the allocated
// segment plus the retained end of the control socket.
type Handle struct {
	Segment *shmif.Segment
	PID     int
	Control *os.File
}

// Liveness polls h.PID with a non-blocking wait and marks h.Segment dead
// the moment the child has exited (§4.3's liveness monitoring, distinct
// from the nanny's post-Release kill guarantee at §4.2; §7's "child death
// ... detected by non-blocking wait returning the child PID ... marks the
// segment dead"). A caller loop may poll this once per frame the way
// original_source's validity check is called by its engine; the
// background waiter started in Spawn also marks the segment dead as soon
// as it reaps the child, so a caller that never polls still converges.
func (h *Handle) Liveness() (alive bool, err error) {
	exited, err := checkChildExited(h.PID)
	if err != nil {
		return false, err
	}
	if exited {
		h.Segment.SetState(shmif.StateDead)
		return false, nil
	}
	return true, nil
}

// Spawn allocates a segment with no rendezvous, forks a socket pair, and
// execs the target binary in the child with its credentials passed
// through the environment (§4.3). The returned segment starts LIVE:
// authoritative children are trusted and do not negotiate.
func Spawn(setup Setup, resolver Resolver) (*Handle, error) {
	if setup.Builtin == "" && setup.External == "" {
		return nil, ErrBadSetup
	}

	seg, err := shmif.Allocate(shmif.AllocateOptions{})
	if err != nil {
		return nil, fmt.Errorf("spawner: allocate segment: %w", err)
	}
	seg.SetState(shmif.StateLive)

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		seg.Release()
		return nil, fmt.Errorf("spawner: socketpair: %w", err)
	}
	parentFd, childFd := fds[0], fds[1]
	parentFile := os.NewFile(uintptr(parentFd), "afsrv-control-parent")
	childFile := os.NewFile(uintptr(childFd), "afsrv-control-child")
	defer childFile.Close()

	if err := syscall.SetNonblock(parentFd, true); err != nil {
		parentFile.Close()
		seg.Release()
		return nil, fmt.Errorf("spawner: set control socket nonblocking: %w", err)
	}

	path, applPath, argv, env, err := buildCommand(setup, resolver, seg)
	if err != nil {
		parentFile.Close()
		seg.Release()
		return nil, err
	}

	cmd := exec.Command(path, argv...)
	cmd.Env = append(env, shmif.EnvApplPath+"="+applPath)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", shmif.EnvSockinFD, 3))
	// The parent is an interactive debugger's session leader in common
	// development setups; an unmasked SIGINT there would otherwise reach
	// and reap the child mid-handshake.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		seg.Release()
		return nil, fmt.Errorf("spawner: start child: %w", err)
	}

	handle := &Handle{Segment: seg, PID: cmd.Process.Pid, Control: parentFile}
	seg.Header().SetParent(uint32(cmd.Process.Pid))
	seg.ChildPID = cmd.Process.Pid

	go func() {
		cmd.Wait()
		seg.SetState(shmif.StateDead)
	}()

	return handle, nil
}

func buildCommand(setup Setup, resolver Resolver, seg *shmif.Segment) (path, applPath string, argv, env []string, err error) {
	base := os.Environ()

	if setup.Builtin != "" {
		if resolver == nil {
			return "", "", nil, nil, fmt.Errorf("spawner: builtin mode %q requires a resolver", setup.Builtin)
		}
		p, ap, rerr := resolver.Resolve(setup.Builtin)
		if rerr != nil {
			return "", "", nil, nil, fmt.Errorf("spawner: resolve builtin %q: %w", setup.Builtin, rerr)
		}
		env = append(base, shmif.EnvArg+"="+setup.Resource)
		return p, ap, nil, env, nil
	}

	env = append(base, setup.ExternalEnv...)
	env = append(env,
		shmif.EnvArg+"="+setup.Resource,
		shmif.EnvShmKey+"="+seg.Key,
		fmt.Sprintf("%s=%d", shmif.EnvShmSize, seg.Header().SegmentSize()),
	)
	return setup.External, filepath.Dir(setup.External), setup.ExternalArg, env, nil
}

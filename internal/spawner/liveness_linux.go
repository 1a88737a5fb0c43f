//go:build linux

package spawner

import "golang.org/x/sys/unix"

// checkChildExited performs the non-blocking wait §4.3's liveness
// monitoring and §7's child-death detection both rest on: "detected by
// non-blocking wait returning the child PID". Grounded on
// original_source/src/platform/posix/frameserver.c's validity check
// (waitpid(child, &status, WNOHANG)) and mirrored by
// internal/nanny/wait4_linux.go's osWaiter.TryWait, which the grace-period
// kill guarantee uses for the same primitive at a different layer (§4.2).
func checkChildExited(pid int) (exited bool, err error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		if err == unix.ECHILD {
			return true, nil
		}
		return false, err
	}
	return wpid == pid, nil
}

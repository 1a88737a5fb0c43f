//go:build !linux

package spawner

import "errors"

func checkChildExited(pid int) (exited bool, err error) {
	return false, errors.New("spawner: liveness check not supported on this platform")
}

// Package nanny implements the grace-period kill supervisor described in
// §4.2: a short-lived background worker per killed child that guarantees
// termination without the host maintaining a PID-indexed table of live
// children.
package nanny

import (
	"log"
	"os"
	"sync/atomic"
	"time"
)

// envDebugNoNanny mirrors shmif.EnvDebugNoNanny (§6). Duplicated as a
// literal rather than imported: shmif.Segment.Release schedules the
// nanny, so this package cannot import shmif without a cycle.
const envDebugNoNanny = "ARCAN_DEBUG_NONANNY"

func nannyDisabled() bool {
	return os.Getenv(envDebugNoNanny) != ""
}

var logger = log.New(os.Stderr, "frameserver: ", log.LstdFlags)

// PollInterval is how often a scheduled worker checks on its child.
var PollInterval = time.Second

// setPollInterval lets tests speed up the poll loop rather than waiting
// out real seconds.
func setPollInterval(d time.Duration) { PollInterval = d }

// MaxFailedChecks is the number of non-blocking wait failures tolerated
// before the worker escalates to an unconditional kill (§4.2, §8 property
// 3: "a kill signal reaches P within at most 11 seconds of release").
const MaxFailedChecks = 10

// Waiter abstracts the non-blocking wait-for-child primitive so tests can
// simulate exits without forking real processes. Production code is
// backed by osWaiter (wait4_linux.go).
type Waiter interface {
	// TryWait reports whether pid has already exited.
	TryWait(pid int) (exited bool, err error)
	// Kill sends an unconditional kill signal to pid.
	Kill(pid int) error
}

var defaultWaiter Waiter = osWaiter{}

// scheduled counts workers currently running, exposed for tests that need
// to wait for a nanny's worker goroutine to finish without a sleep loop.
var scheduled atomic.Int64

// Scheduled reports how many nanny workers are currently active.
func Scheduled() int64 { return scheduled.Load() }

// Schedule starts an independent worker supervising pid. If
// ARCAN_DEBUG_NONANNY is set the worker still counts checks internally but
// never kills, matching §4.2's "process-wide environment toggle disables
// the nanny entirely" and §6's ARCAN_DEBUG_NONANNY.
func Schedule(pid int) {
	scheduleWith(pid, defaultWaiter)
}

// scheduleWith is Schedule with an injectable Waiter, used by tests.
func scheduleWith(pid int, w Waiter) {
	scheduled.Add(1)
	go func() {
		defer scheduled.Add(-1)
		run(pid, w)
	}()
}

func run(pid int, w Waiter) {
	disabled := nannyDisabled()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	failed := 0
	for range ticker.C {
		exited, err := w.TryWait(pid)
		if err != nil || exited {
			return
		}
		failed++
		if failed < MaxFailedChecks {
			continue
		}
		if disabled {
			logger.Printf("nanny: grace period elapsed for pid %d, nanny disabled, not killing", pid)
			return
		}
		if err := w.Kill(pid); err != nil {
			logger.Printf("nanny: kill pid %d failed: %v", pid, err)
		}
		return
	}
}

package nanny

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeWaiter struct {
	exitAfter int32 // TryWait reports exited once calls >= exitAfter
	calls     atomic.Int32
	killed    atomic.Bool
	killedPID atomic.Int32
}

func (f *fakeWaiter) TryWait(pid int) (bool, error) {
	n := f.calls.Add(1)
	return n >= f.exitAfter, nil
}

func (f *fakeWaiter) Kill(pid int) error {
	f.killed.Store(true)
	f.killedPID.Store(int32(pid))
	return nil
}

func waitForIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for Scheduled() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for nanny worker to finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNannyStopsSupervisingOnExit(t *testing.T) {
	origInterval := PollInterval
	setPollInterval(time.Millisecond)
	defer setPollInterval(origInterval)

	w := &fakeWaiter{exitAfter: 2}
	scheduleWith(4242, w)
	waitForIdle(t)

	if w.killed.Load() {
		t.Fatal("nanny killed a child that already exited")
	}
}

func TestNannyKillsAfterMaxFailedChecks(t *testing.T) {
	origInterval := PollInterval
	setPollInterval(time.Millisecond)
	defer setPollInterval(origInterval)

	w := &fakeWaiter{exitAfter: 1 << 30} // never exits on its own
	scheduleWith(1337, w)
	waitForIdle(t)

	if !w.killed.Load() {
		t.Fatal("expected nanny to kill an unresponsive child")
	}
	if w.killedPID.Load() != 1337 {
		t.Fatalf("killed pid = %d, want 1337", w.killedPID.Load())
	}
	if n := w.calls.Load(); n < MaxFailedChecks {
		t.Fatalf("kill fired after only %d checks, want at least %d", n, MaxFailedChecks)
	}
}

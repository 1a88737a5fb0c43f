//go:build linux

package spawner

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/arcan-fe/frameserver-core/internal/nanny"
	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

func TestSpawnExternalPassesShmKeyAndExits(t *testing.T) {
	out, err := os.CreateTemp("", "spawner-env-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(out.Name())
	out.Close()

	setup := Setup{
		External:    "/bin/sh",
		ExternalArg: []string{"-c", "env > " + out.Name()},
		Resource:    "file.mkv",
	}

	handle, err := Spawn(setup, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer handle.Segment.Release()
	defer handle.Control.Close()

	if handle.PID <= 0 {
		t.Fatalf("PID = %d, want positive", handle.PID)
	}

	var contents []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		contents, _ = os.ReadFile(out.Name())
		if len(contents) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	body := string(contents)
	if !strings.Contains(body, "ARCAN_SHMKEY="+handle.Segment.Key) {
		t.Errorf("child env missing ARCAN_SHMKEY=%s, got:\n%s", handle.Segment.Key, body)
	}
	if !strings.Contains(body, "ARCAN_SOCKIN_FD=3") {
		t.Errorf("child env missing ARCAN_SOCKIN_FD=3, got:\n%s", body)
	}
	if !strings.Contains(body, "ARCAN_ARG=file.mkv") {
		t.Errorf("child env missing ARCAN_ARG=file.mkv, got:\n%s", body)
	}
}

// TestHandleLivenessDetectsExitAndMarksSegmentDead mirrors §7's "child
// death ... detected by non-blocking wait returning the child PID ...
// marks the segment dead", a liveness check distinct from the nanny's
// post-Release kill guarantee (§4.2).
func TestHandleLivenessDetectsExitAndMarksSegmentDead(t *testing.T) {
	handle, err := Spawn(Setup{External: "/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer handle.Segment.Release()
	defer handle.Control.Close()

	deadline := time.Now().Add(2 * time.Second)
	var alive bool
	for time.Now().Before(deadline) {
		alive, err = handle.Liveness()
		if err != nil {
			t.Fatalf("Liveness: %v", err)
		}
		if !alive {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if alive {
		t.Fatal("expected Liveness to report the exited child as dead")
	}
	if handle.Segment.State() != shmif.StateDead {
		t.Fatalf("segment state = %v, want StateDead", handle.Segment.State())
	}

	// Release must still run its real teardown: a liveness-driven
	// StateDead must not short-circuit it (§3 testable property 2).
	if err := handle.Segment.Release(); err != nil {
		t.Fatalf("Release after liveness-detected death: %v", err)
	}
}

func TestSpawnDoesNotScheduleNannyUntilRelease(t *testing.T) {
	// Releases in earlier tests schedule nanny workers that run until their
	// first poll tick; wait them out so the counts below belong to this test.
	idleBy := time.Now().Add(5 * time.Second)
	for nanny.Scheduled() != 0 && time.Now().Before(idleBy) {
		time.Sleep(10 * time.Millisecond)
	}

	handle, err := Spawn(Setup{External: "/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer handle.Control.Close()

	if got := nanny.Scheduled(); got != 0 {
		t.Fatalf("nanny.Scheduled() = %d right after Spawn, want 0: the nanny must not guard a live child", got)
	}

	// /bin/true exits almost immediately; Spawn's own background cmd.Wait
	// reaps it, so by the time Release runs the pid is already gone.
	time.Sleep(50 * time.Millisecond)

	if err := handle.Segment.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if got := nanny.Scheduled(); got == 0 {
		t.Fatalf("nanny.Scheduled() = 0 right after Release, want >0: the kill guarantee must attach at teardown")
	}
}

type fakeResolver struct {
	path, applPath string
}

func (f fakeResolver) Resolve(mode string) (string, string, error) {
	return f.path, f.applPath, nil
}

func TestSpawnBuiltinRequiresResolver(t *testing.T) {
	_, err := Spawn(Setup{Builtin: "decode", Resource: "file.mkv"}, nil)
	if err == nil {
		t.Fatal("expected error spawning a builtin mode without a resolver")
	}
}

func TestSpawnRejectsEmptySetup(t *testing.T) {
	if _, err := Spawn(Setup{}, nil); err != ErrBadSetup {
		t.Fatalf("err = %v, want ErrBadSetup", err)
	}
}

//go:build linux

package shmif

import (
	"os"
	"testing"
)

func TestAllocateWithoutRendezvousIsImmediatelyLive(t *testing.T) {
	seg, err := Allocate(AllocateOptions{KeyPrefix: "segtest"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer seg.Release()

	if seg.State() != StateLive {
		t.Fatalf("state = %v, want LIVE", seg.State())
	}
	if !seg.Header().DMS() {
		t.Fatal("dms should be set true on allocation")
	}
	if seg.Header().Cookie() != buildCookie {
		t.Fatalf("cookie = %#x, want host cookie %#x", seg.Header().Cookie(), buildCookie)
	}
}

func TestAllocateSemaphoreNamesMatchKey(t *testing.T) {
	seg, err := Allocate(AllocateOptions{KeyPrefix: "segtest"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer seg.Release()

	for _, suffix := range []byte{'v', 'a', 'e'} {
		want, _ := SemaphoreName(seg.Key, suffix)
		if _, err := OpenSemaphore(want); err != nil {
			t.Errorf("expected semaphore %q to be open: %v", want, err)
		}
	}
}

func TestAllocateWithRendezvousListensThenReleaseUnlinks(t *testing.T) {
	seg, err := Allocate(AllocateOptions{KeyPrefix: "segtest", Rendezvous: "rztest1"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if seg.State() != StateListen {
		t.Fatalf("state = %v, want LISTEN", seg.State())
	}
	path := seg.RendezvousPath()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("rendezvous socket not present at %s: %v", path, err)
	}

	if err := seg.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("rendezvous path still exists after Release: %v", err)
	}
	if _, err := os.Stat(ShmPath(seg.Key)); !os.IsNotExist(err) {
		t.Fatalf("shm path still exists after Release: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	seg, err := Allocate(AllocateOptions{KeyPrefix: "segtest"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := seg.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := seg.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
}

func TestResizeShrinkWithin80PercentIsNoOp(t *testing.T) {
	seg, err := Allocate(AllocateOptions{KeyPrefix: "segtest"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer seg.Release()

	ok, err := seg.Resize(256, 256)
	if err != nil || !ok {
		t.Fatalf("initial resize failed: ok=%v err=%v", ok, err)
	}
	sizeAfterFirst := seg.Header().SegmentSize()

	// 252x252 needs ~97% of the video bytes of 256x256, so the segment
	// would shrink to ~99% of its size, within the no-op window.
	ok, err = seg.Resize(252, 252)
	if err != nil || !ok {
		t.Fatalf("second resize failed: ok=%v err=%v", ok, err)
	}
	if seg.Header().SegmentSize() != sizeAfterFirst {
		t.Fatalf("no-op resize changed segment size: %d -> %d", sizeAfterFirst, seg.Header().SegmentSize())
	}
}

func TestResizeRejectsOversize(t *testing.T) {
	seg, err := Allocate(AllocateOptions{KeyPrefix: "segtest"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer seg.Release()

	_, err = seg.Resize(60000, 60000)
	if err != ErrSegmentTooLarge {
		t.Fatalf("err = %v, want ErrSegmentTooLarge", err)
	}
}

func TestResizeRequiresLiveState(t *testing.T) {
	seg, err := Allocate(AllocateOptions{KeyPrefix: "segtest", Rendezvous: "rztest2"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer seg.Release()

	if _, err := seg.Resize(64, 64); err != ErrNotLive {
		t.Fatalf("err = %v, want ErrNotLive", err)
	}
}

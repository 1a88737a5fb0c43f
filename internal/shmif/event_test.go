package shmif

import (
	"context"
	"io"
	"testing"
	"time"
)

func newTestRing(t *testing.T, capacity uint64) *EventRing {
	t.Helper()
	size := EventRingHeaderSize + capacity*EventSize
	mem := make([]byte, size)
	hdr := eventRingHeaderAt(mem, 0)
	hdr.SetCapacity(capacity)
	return NewEventRing(mem, 0)
}

func TestEventRingPushPop(t *testing.T) {
	r := newTestRing(t, 4)

	ev := NewSegmentEvent("afsrv_7", 3)
	if !r.PushNonBlocking(ev) {
		t.Fatal("push failed on empty ring")
	}
	if r.IsEmpty() {
		t.Fatal("ring reports empty after push")
	}

	got, ok := r.PopNonBlocking()
	if !ok {
		t.Fatal("pop failed on non-empty ring")
	}
	if got.Kind != EventKindNewSegment || got.Tag != 3 {
		t.Fatalf("unexpected event: %+v", got)
	}
	if string(got.Key[:7]) != "afsrv_7" {
		t.Fatalf("key = %q, want afsrv_7", got.Key[:7])
	}
}

func TestEventRingFillsAndDrains(t *testing.T) {
	r := newTestRing(t, 2)

	if !r.PushNonBlocking(Event{Tag: 1}) {
		t.Fatal("first push should succeed")
	}
	if !r.PushNonBlocking(Event{Tag: 2}) {
		t.Fatal("second push should succeed")
	}
	if !r.IsFull() {
		t.Fatal("ring should report full at capacity")
	}
	if r.PushNonBlocking(Event{Tag: 3}) {
		t.Fatal("push into full ring should fail")
	}

	first, _ := r.PopNonBlocking()
	if first.Tag != 1 {
		t.Fatalf("expected FIFO order, got tag %d first", first.Tag)
	}
	second, _ := r.PopNonBlocking()
	if second.Tag != 2 {
		t.Fatalf("expected FIFO order, got tag %d second", second.Tag)
	}
	if _, ok := r.PopNonBlocking(); ok {
		t.Fatal("pop on drained ring should fail")
	}
}

func TestEventRingCloseDrainsThenEOF(t *testing.T) {
	r := newTestRing(t, 2)
	r.PushNonBlocking(Event{Tag: 9})
	r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := r.PopBlockingContext(ctx)
	if err != nil {
		t.Fatalf("expected buffered event before EOF, got err %v", err)
	}
	if ev.Tag != 9 {
		t.Fatalf("tag = %d, want 9", ev.Tag)
	}

	_, err = r.PopBlockingContext(ctx)
	if err != io.EOF {
		t.Fatalf("expected io.EOF after drain, got %v", err)
	}
}

func TestEventRingPopBlockingContextCancel(t *testing.T) {
	r := newTestRing(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.PopBlockingContext(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

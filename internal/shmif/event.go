package shmif

import (
	"context"
	"errors"
	"io"
	"time"
	"unsafe"
)

// EventSize is the fixed size, in bytes, of Event. Event rings store a flat
// array of these starting at the ring's data offset, rather than a byte
// stream — the two queues the page carries are queues of discrete events,
// not an arbitrary byte pipe.
const EventSize = 96

// EventCategory groups events the way the host's frame callback (§4, §7)
// distinguishes them.
type EventCategory uint16

const (
	EventCategorySystem   EventCategory = 0
	EventCategoryIO       EventCategory = 1
	EventCategoryVideo    EventCategory = 2
	EventCategoryAudio    EventCategory = 3
	EventCategoryExternal EventCategory = 4
)

// EventKind enumerates the event payloads this module produces. Most
// frameserver event kinds (input, resize, ...) are out of scope per §1;
// only the ones the core itself emits are modeled.
type EventKind uint16

const (
	EventKindNone       EventKind = 0
	EventKindNewSegment EventKind = 1 // §4.6: carries the new segment's key + caller tag
	EventKindFDTransfer EventKind = 2 // §4.6: paired notification that a descriptor was pushed on the control socket
)

// Event is the fixed-layout record carried by an EventRing.
type Event struct {
	Category EventCategory // 0x00
	Kind     EventKind     // 0x02
	Tag      uint32        // 0x04: caller-supplied correlation tag (§4.6 S5)
	Key      [64]byte      // 0x08: segment key payload for EventKindNewSegment
	Extra    [24]byte      // 0x48: room for kind-specific scalars
}

// NewSegmentEvent builds the NEWSEGMENT event enqueued by the subsegment
// broker (§4.6) into the parent's outgoing queue.
func NewSegmentEvent(key string, tag uint32) Event {
	var ev Event
	ev.Category = EventCategoryExternal
	ev.Kind = EventKindNewSegment
	ev.Tag = tag
	copy(ev.Key[:], key)
	return ev
}

// ErrEventRingClosed names the closed-ring condition. The ring methods do
// not return it: PopBlockingContext reports a closed, drained ring as
// io.EOF, and PushNonBlocking reports a closed ring by returning false.
var ErrEventRingClosed = errors.New("shmif: event ring closed")

// EventRing is a single-producer single-consumer ring of fixed-size Event
// records mapped directly over shared memory: a slot-counted queue rather
// than an arbitrary byte stream.
type EventRing struct {
	mem      []byte
	hdrOff   uint64
	dataOff  uint64
	capacity uint64 // power of two, in slots
	capMask  uint64
}

// NewEventRing wraps the ring header already initialized at hdrOff within
// mem. The data area of capacity slots immediately follows the header.
func NewEventRing(mem []byte, hdrOff uint64) *EventRing {
	hdr := eventRingHeaderAt(mem, hdrOff)
	cap_ := hdr.Capacity()
	return &EventRing{
		mem:      mem,
		hdrOff:   hdrOff,
		dataOff:  hdrOff + EventRingHeaderSize,
		capacity: cap_,
		capMask:  cap_ - 1,
	}
}

func (r *EventRing) header() *EventRingHeader {
	return eventRingHeaderAt(r.mem, r.hdrOff)
}

func (r *EventRing) slot(idx uint64) *Event {
	pos := idx & r.capMask
	off := r.dataOff + pos*EventSize
	return (*Event)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.mem[0])) + uintptr(off)))
}

// IsEmpty reports whether the ring currently holds no events.
func (r *EventRing) IsEmpty() bool { return r.header().Used() == 0 }

// IsFull reports whether the ring has no free slots.
func (r *EventRing) IsFull() bool { return r.header().Available() == 0 }

// Close marks the ring closed; readers drain remaining events, after
// which PopBlockingContext returns io.EOF.
func (r *EventRing) Close() {
	hdr := r.header()
	hdr.SetClosed(true)
	hdr.bumpData()
	hdr.bumpSpace()
	futexWake(&hdr.dataSeq, 1)
	futexWake(&hdr.spaceSeq, 1)
}

// PushNonBlocking enqueues ev if there is room, returning false otherwise.
// The per-frame host callback (§5) never blocks, so the NEWSEGMENT/
// FDTRANSFER enqueue uses this; the ring has no blocking push.
func (r *EventRing) PushNonBlocking(ev Event) bool {
	hdr := r.header()
	if hdr.Closed() {
		return false
	}
	w, rd := hdr.WriteIndex(), hdr.ReadIndex()
	if w-rd >= r.capacity {
		return false
	}
	*r.slot(w) = ev
	hdr.setWriteIndex(w + 1)
	if w-rd == 0 {
		hdr.bumpData()
		futexWake(&hdr.dataSeq, 1)
	}
	return true
}

// PopNonBlocking dequeues one event if available.
func (r *EventRing) PopNonBlocking() (Event, bool) {
	hdr := r.header()
	w, rd := hdr.WriteIndex(), hdr.ReadIndex()
	if w == rd {
		return Event{}, false
	}
	ev := *r.slot(rd)
	hdr.setReadIndex(rd + 1)
	if w-rd == r.capacity {
		hdr.bumpSpace()
		futexWake(&hdr.spaceSeq, 1)
	}
	return ev, true
}

// PopBlockingContext blocks until an event is available, the ring closes,
// or ctx is done. Because it blocks, it is not called from the host's
// per-frame callback; within this module only its tests call it.
func (r *EventRing) PopBlockingContext(ctx context.Context) (Event, error) {
	hdr := r.header()
	for {
		if ev, ok := r.PopNonBlocking(); ok {
			return ev, nil
		}
		if hdr.Closed() {
			return Event{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		default:
		}
		seq := hdr.DataSeq()
		if err := futexWait(&hdr.dataSeq, seq); err != nil {
			// No futex on this platform (or spurious wake): fall back to a
			// short poll rather than spin.
			select {
			case <-ctx.Done():
				return Event{}, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
}

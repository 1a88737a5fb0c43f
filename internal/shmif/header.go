package shmif

import (
	"sync/atomic"
	"unsafe"
)

// PageHeaderSize is the fixed size, in bytes, of PageHeader. Every field
// lives at a stable, tested offset so a mismatched cookie or version can
// be detected before either side dereferences anything past it.
const PageHeaderSize = 128

// EventRingHeaderSize is the fixed size, in bytes, of EventRingHeader.
const EventRingHeaderSize = 64

// PageHeader is the fixed header at offset zero of every segment's shared
// page (§3, §6). The dms, parent, segment size and cookie fields are
// accessed through atomic loads/stores because either side of the segment
// may poll them without holding a lock — the dead-man switch in particular
// is written by either end and polled by the other. The version, dimension
// and layout fields are read and written plainly.
type PageHeader struct {
	dms         uint32   // 0x00: dead-man switch, nonzero while alive
	parent      uint32   // 0x04: owning (or hinting) process id
	major       uint8    // 0x08: ABI major version
	minor       uint8    // 0x09: ABI minor version
	_pad0       uint16   // 0x0A
	segmentSize uint32   // 0x0C: total mapped size in bytes
	cookie      uint64   // 0x10: build-dependent ABI magic
	w           uint16   // 0x18: video width hint
	h           uint16   // 0x1A: video height hint
	_pad1       uint32   // 0x1C
	videoOff    uint64   // 0x20: offset to video buffer
	videoSize   uint64   // 0x28: video buffer size in bytes
	audioOff    uint64   // 0x30: offset to audio buffer
	audioSize   uint64   // 0x38: audio buffer size in bytes
	inEvOff     uint64   // 0x40: offset to the inbound event ring header
	inEvCap     uint64   // 0x48: inbound event ring capacity (slots)
	outEvOff    uint64   // 0x50: offset to the outbound event ring header
	outEvCap    uint64   // 0x58: outbound event ring capacity (slots)
	reserved    [32]byte // 0x60-0x7F
}

func (h *PageHeader) DMS() bool             { return atomic.LoadUint32(&h.dms) != 0 }
func (h *PageHeader) SetDMS(alive bool)     { atomic.StoreUint32(&h.dms, boolU32(alive)) }
func (h *PageHeader) Parent() uint32        { return atomic.LoadUint32(&h.parent) }
func (h *PageHeader) SetParent(pid uint32)  { atomic.StoreUint32(&h.parent, pid) }
func (h *PageHeader) Major() uint8          { return h.major }
func (h *PageHeader) Minor() uint8          { return h.minor }
func (h *PageHeader) SetVersion(major, minor uint8) {
	h.major = major
	h.minor = minor
}
func (h *PageHeader) SegmentSize() uint32        { return atomic.LoadUint32(&h.segmentSize) }
func (h *PageHeader) SetSegmentSize(sz uint32)   { atomic.StoreUint32(&h.segmentSize, sz) }
func (h *PageHeader) Cookie() uint64             { return atomic.LoadUint64(&h.cookie) }
func (h *PageHeader) SetCookie(c uint64)         { atomic.StoreUint64(&h.cookie, c) }
func (h *PageHeader) Dimensions() (w, h_ uint16) { return h.w, h.h }
func (h *PageHeader) SetDimensions(w, h_ uint16) {
	h.w = w
	h.h = h_
}
func (h *PageHeader) VideoOffset() uint64      { return h.videoOff }
func (h *PageHeader) VideoSize() uint64        { return h.videoSize }
func (h *PageHeader) AudioOffset() uint64      { return h.audioOff }
func (h *PageHeader) AudioSize() uint64        { return h.audioSize }
func (h *PageHeader) InboundEventOffset() uint64  { return h.inEvOff }
func (h *PageHeader) InboundEventCap() uint64     { return h.inEvCap }
func (h *PageHeader) OutboundEventOffset() uint64 { return h.outEvOff }
func (h *PageHeader) OutboundEventCap() uint64    { return h.outEvCap }

func (h *PageHeader) SetLayout(videoOff, videoSize, audioOff, audioSize, inEvOff, inEvCap, outEvOff, outEvCap uint64) {
	h.videoOff, h.videoSize = videoOff, videoSize
	h.audioOff, h.audioSize = audioOff, audioSize
	h.inEvOff, h.inEvCap = inEvOff, inEvCap
	h.outEvOff, h.outEvCap = outEvOff, outEvCap
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// EventRingHeader is the header of one of the two bounded event-queue ring
// buffers carried in the page (§3): monotonic write/read indices plus
// futex-style sequence counters over a slot-counted ring of fixed-size
// Event records.
type EventRingHeader struct {
	capacity uint64   // 0x00: capacity in slots, power of two
	widx     uint64   // 0x08: monotonic write index (producer)
	ridx     uint64   // 0x10: monotonic read index (consumer)
	dataSeq  uint32   // 0x18: incremented by producer, futex wait/wake key
	spaceSeq uint32   // 0x1C: incremented by consumer, futex wait/wake key
	closed   uint32   // 0x20: nonzero once the owning side declares EOF
	_pad     uint32   // 0x24
	reserved [24]byte // 0x28-0x3F
}

func (r *EventRingHeader) Capacity() uint64    { return atomic.LoadUint64(&r.capacity) }
func (r *EventRingHeader) SetCapacity(c uint64) { atomic.StoreUint64(&r.capacity, c) }
func (r *EventRingHeader) WriteIndex() uint64  { return atomic.LoadUint64(&r.widx) }
func (r *EventRingHeader) ReadIndex() uint64   { return atomic.LoadUint64(&r.ridx) }
func (r *EventRingHeader) Closed() bool        { return atomic.LoadUint32(&r.closed) != 0 }
func (r *EventRingHeader) SetClosed(c bool)    { atomic.StoreUint32(&r.closed, boolU32(c)) }
func (r *EventRingHeader) DataSeq() uint32     { return atomic.LoadUint32(&r.dataSeq) }
func (r *EventRingHeader) SpaceSeq() uint32    { return atomic.LoadUint32(&r.spaceSeq) }
func (r *EventRingHeader) bumpData() uint32    { return atomic.AddUint32(&r.dataSeq, 1) }
func (r *EventRingHeader) bumpSpace() uint32   { return atomic.AddUint32(&r.spaceSeq, 1) }

func (r *EventRingHeader) Used() uint64 {
	return atomic.LoadUint64(&r.widx) - atomic.LoadUint64(&r.ridx)
}

func (r *EventRingHeader) Available() uint64 {
	return r.Capacity() - r.Used()
}

func (r *EventRingHeader) setWriteIndex(idx uint64) { atomic.StoreUint64(&r.widx, idx) }
func (r *EventRingHeader) setReadIndex(idx uint64)  { atomic.StoreUint64(&r.ridx, idx) }

// headerAt reinterprets the bytes at the start of mem as a *PageHeader.
// Callers must ensure mem is at least PageHeaderSize long.
func headerAt(mem []byte) *PageHeader {
	return (*PageHeader)(unsafe.Pointer(&mem[0]))
}

func eventRingHeaderAt(mem []byte, off uint64) *EventRingHeader {
	return (*EventRingHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(&mem[0])) + uintptr(off)))
}

package shmif

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/arcan-fe/frameserver-core/internal/nanny"
)

// DefaultSegmentSize is the platform-defined start size for a freshly
// allocated page (§4.1): big enough for a small video buffer, the two
// event rings and their headers, with room to grow before the first
// Resize.
const DefaultSegmentSize = 1 << 20 // 1 MiB

// MaxSegmentSize bounds Resize (§4.1: "refuses sizes above the maximum").
const MaxSegmentSize = 64 << 20 // 64 MiB

// DefaultEventRingCapacity is the slot count of each event ring, a power
// of two so index wraparound is a mask rather than a modulo.
const DefaultEventRingCapacity = 256

// ABIMajor and ABIMinor are the version fields stamped into every page
// this build produces (§3, §6).
const (
	ABIMajor uint8 = 1
	ABIMinor uint8 = 0
)

// State is the explicit tagged-variant encoding of a segment's lifecycle
// (§9 design note: "make the state explicit as a tagged variant and
// dispatch on it" rather than swapping per-frame callback pointers).
type State int

const (
	StateListen State = iota
	StateVerifying
	StateLive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateVerifying:
		return "VERIFYING"
	case StateLive:
		return "LIVE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors returned across the host-callback boundary (§7:
// "the core never throws across the host callback boundary").
var (
	ErrBadArgument      = errors.New("shmif: bad argument")
	ErrSegmentTooLarge  = errors.New("shmif: requested size exceeds maximum")
	ErrCookieMismatch   = errors.New("shmif: page cookie mismatch")
	ErrSegmentDead      = errors.New("shmif: segment is dead")
	ErrNotLive          = errors.New("shmif: operation requires a LIVE segment")
)

// NoChildPID is the sentinel meaning "externally connected, no process to
// supervise" (§3).
const NoChildPID = -1

// Segment is the unit of isolation this package manages: a mapped page,
// its three semaphores, an optional rendezvous listener, and the
// bookkeeping needed to tear all of it down exactly once.
type Segment struct {
	Key  string
	Mem  []byte
	file *os.File

	hdr    *PageHeader
	InRing *EventRing
	OutRing *EventRing

	VideoSem *Semaphore
	AudioSem *Semaphore
	EventSem *Semaphore

	Rendezvous     net.Listener
	rendezvousPath string

	// Control is the host-retained end of a subsegment's control-socket
	// pair (§3, §4.6): the other end is descriptor-passed to the child,
	// and this one stays open for the life of the segment as the ongoing
	// channel for descriptor passing and out-of-band notifications. Nil
	// for a non-subsegment, which has no such pair.
	Control *os.File

	ChildPID   int
	Subsegment bool
	Socksig    bool
	PBO        bool

	// released tracks whether Release has already torn resources down,
	// independently of state: a liveness check or a failed Resize may
	// mark the segment StateDead to report it as no longer usable without
	// having freed anything yet, and Release must still run its real
	// teardown exactly once when it is eventually called (§3 testable
	// property 2).
	released bool

	// ExpectedKey is the 64-byte shared secret the client must echo
	// during the handshake, or nil when none is configured (§3, §4.4).
	ExpectedKey []byte

	// Incoming and IncomingOffset are the scratch buffer and fill cursor
	// for the handshake's byte-at-a-time line read (§3, §4.4).
	Incoming       []byte
	IncomingOffset int

	state State
}

// State reports the segment's current lifecycle state.
func (s *Segment) State() State { return s.state }

// AllocateOptions configures Allocate (§4.1).
type AllocateOptions struct {
	// KeyPrefix seeds NextKey's probing; empty uses the package default.
	KeyPrefix string
	// Rendezvous, if non-empty, requests a listening filesystem socket
	// named from this value.
	Rendezvous string
	// Subsegment marks a segment allocated by the subsegment broker
	// (§4.6): it never schedules a nanny and inherits ChildPID rather
	// than owning it.
	Subsegment bool
	// ChildPID is the pid hint carried by subsegments; ignored otherwise.
	ChildPID int
}

// Allocate creates a new shared-memory page, opens its three semaphores,
// and optionally stands up a rendezvous listener (§4.1).
func Allocate(opts AllocateOptions) (*Segment, error) {
	key, err := NextKey(opts.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("shmif: allocate: %w", err)
	}

	seg, err := createPage(key, DefaultSegmentSize)
	if err != nil {
		return nil, fmt.Errorf("shmif: allocate: %w", err)
	}
	seg.Subsegment = opts.Subsegment
	if opts.Subsegment {
		seg.ChildPID = opts.ChildPID
	} else {
		seg.ChildPID = NoChildPID
	}

	if err := seg.openSemaphores(); err != nil {
		seg.unmapAndRemove()
		return nil, fmt.Errorf("shmif: allocate: %w", err)
	}

	if opts.Rendezvous != "" {
		if err := seg.listenRendezvous(opts.Rendezvous); err != nil {
			seg.closeSemaphores()
			seg.unmapAndRemove()
			return nil, fmt.Errorf("shmif: allocate: %w", err)
		}
		seg.Socksig = true
		seg.state = StateListen
	} else {
		seg.state = StateLive
	}

	return seg, nil
}

func createPage(key string, size uint32) (*Segment, error) {
	path := ShmPath(key)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("create page file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("truncate page file: %w", err)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap page: %w", err)
	}

	seg := &Segment{
		Key:  key,
		Mem:  mem,
		file: file,
	}
	seg.hdr = headerAt(mem)
	seg.initLayout(size)
	return seg, nil
}

// initLayout zero-fills derived offsets and initializes the header fields
// Allocate is responsible for (§4.1: "dms=true, parent=host_pid, version
// fields, segment_size, and cookie").
func (s *Segment) initLayout(size uint32) {
	h := s.hdr
	h.SetDMS(true)
	h.SetParent(uint32(os.Getpid()))
	h.SetVersion(ABIMajor, ABIMinor)
	h.SetSegmentSize(size)
	h.SetCookie(buildCookie)

	inHdrOff := uint64(PageHeaderSize)
	inDataSize := uint64(DefaultEventRingCapacity) * EventSize
	outHdrOff := inHdrOff + EventRingHeaderSize + inDataSize
	outDataSize := uint64(DefaultEventRingCapacity) * EventSize
	videoOff := outHdrOff + EventRingHeaderSize + outDataSize
	videoSize := (uint64(size) - videoOff) / 2
	audioOff := videoOff + videoSize
	audioSize := uint64(size) - audioOff

	h.SetLayout(videoOff, videoSize, audioOff, audioSize,
		inHdrOff, DefaultEventRingCapacity, outHdrOff, DefaultEventRingCapacity)

	inHdr := eventRingHeaderAt(s.Mem, inHdrOff)
	inHdr.SetCapacity(DefaultEventRingCapacity)
	outHdr := eventRingHeaderAt(s.Mem, outHdrOff)
	outHdr.SetCapacity(DefaultEventRingCapacity)

	s.InRing = NewEventRing(s.Mem, inHdrOff)
	s.OutRing = NewEventRing(s.Mem, outHdrOff)
}

func (s *Segment) openSemaphores() error {
	vname, err := SemaphoreName(s.Key, 'v')
	if err != nil {
		return err
	}
	aname, err := SemaphoreName(s.Key, 'a')
	if err != nil {
		return err
	}
	ename, err := SemaphoreName(s.Key, 'e')
	if err != nil {
		return err
	}

	// Semaphores are opened, not created: a privileged helper is
	// expected to have created them already (§4.1). Tests and
	// single-binary demo hosts fall back to creating them themselves.
	open := func(name string) (*Semaphore, error) {
		sem, err := OpenSemaphore(name)
		if errors.Is(err, ErrSemaphoreNotFound) {
			return CreateSemaphore(name, 0)
		}
		return sem, err
	}

	v, err := open(vname)
	if err != nil {
		return fmt.Errorf("open video semaphore: %w", err)
	}
	a, err := open(aname)
	if err != nil {
		v.Close()
		return fmt.Errorf("open audio semaphore: %w", err)
	}
	e, err := open(ename)
	if err != nil {
		v.Close()
		a.Close()
		return fmt.Errorf("open event semaphore: %w", err)
	}

	s.VideoSem, s.AudioSem, s.EventSem = v, a, e
	return nil
}

func (s *Segment) closeSemaphores() {
	for _, sem := range []*Semaphore{s.VideoSem, s.AudioSem, s.EventSem} {
		if sem != nil {
			sem.Close()
		}
	}
}

func (s *Segment) listenRendezvous(name string) error {
	path, err := RendezvousPath(name)
	if err != nil {
		return err
	}
	if err := unlinkStale(path); err != nil {
		return fmt.Errorf("unlink stale rendezvous path: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on rendezvous path: %w", err)
	}
	if unixLn, ok := ln.(*net.UnixListener); ok {
		unixLn.SetUnlinkOnClose(false) // Release() unlinks explicitly exactly once
	}
	if len(path) > 0 && path[0] != 0 {
		os.Chmod(path, RendezvousPerm)
	}
	s.Rendezvous = ln
	s.rendezvousPath = path
	return nil
}

// videoBytesFor is the byte size of a w*h BGRA8888 video buffer.
func videoBytesFor(w, h uint16) uint64 {
	return uint64(w) * uint64(h) * 4
}

// Resize refuses sizes above MaxSegmentSize and treats a shrink within 80%
// of the current size as a no-op (§4.1, testable property 5).
func (s *Segment) Resize(w, h uint16) (bool, error) {
	if s.state != StateLive {
		return false, ErrNotLive
	}
	curSize := uint64(s.hdr.SegmentSize())
	curVideoSize := s.hdr.VideoSize()
	newVideoSize := videoBytesFor(w, h)
	newSize := curSize - curVideoSize + newVideoSize

	if newSize <= curSize && newSize >= (curSize*8)/10 {
		s.hdr.SetDimensions(w, h)
		return true, nil
	}
	if newSize > MaxSegmentSize {
		return false, ErrSegmentTooLarge
	}

	saved := *s.hdr

	if err := munmapImpl(s.Mem); err != nil {
		s.state = StateDead
		return false, fmt.Errorf("shmif: resize: unmap: %w", err)
	}
	if err := s.file.Truncate(int64(newSize)); err != nil {
		s.state = StateDead
		return false, fmt.Errorf("shmif: resize: truncate: %w", err)
	}
	mem, err := mmapFile(s.file, int(newSize))
	if err != nil {
		s.state = StateDead
		return false, fmt.Errorf("shmif: resize: remap: %w", err)
	}
	s.Mem = mem
	s.hdr = headerAt(mem)
	*s.hdr = saved
	s.hdr.SetSegmentSize(uint32(newSize))
	s.hdr.SetLayout(s.hdr.VideoOffset(), newVideoSize, s.hdr.AudioOffset()+newVideoSize-curVideoSize, s.hdr.AudioSize(),
		s.hdr.InboundEventOffset(), s.hdr.InboundEventCap(), s.hdr.OutboundEventOffset(), s.hdr.OutboundEventCap())
	s.hdr.SetDimensions(w, h)
	s.InRing = NewEventRing(mem, s.hdr.InboundEventOffset())
	s.OutRing = NewEventRing(mem, s.hdr.OutboundEventOffset())
	return true, nil
}

// Release tears the segment down exactly once (§3 ownership & lifecycle,
// testable property 2): unmaps the page, unlinks its shm name and three
// semaphore names, closes the rendezvous listener and unlinks its path.
// For an authoritative, non-subsegment segment it also schedules the
// nanny against the owned child (§3 ownership & lifecycle: "Teardown ...
// schedules the nanny"; §4.2; §8 property 3), so the kill guarantee is
// tied to the segment actually being marked DEAD rather than to Spawn.
func (s *Segment) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	s.state = StateDead
	s.hdr.SetDMS(false)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.Rendezvous != nil {
		record(s.Rendezvous.Close())
		record(unlinkStale(s.rendezvousPath))
	}
	if s.Control != nil {
		record(s.Control.Close())
	}

	s.closeSemaphores()
	for _, suffix := range []byte{'v', 'a', 'e'} {
		if name, err := SemaphoreName(s.Key, suffix); err == nil {
			UnlinkSemaphore(name)
		}
	}

	record(s.unmapAndRemove())

	if !s.Subsegment && s.ChildPID != NoChildPID {
		nanny.Schedule(s.ChildPID)
	}

	return firstErr
}

func (s *Segment) unmapAndRemove() error {
	var firstErr error
	if s.Mem != nil {
		if err := munmapImpl(s.Mem); err != nil {
			firstErr = err
		}
		s.Mem = nil
	}
	if s.file != nil {
		s.file.Close()
		os.Remove(ShmPath(s.Key))
	}
	return firstErr
}

// SetState is used by the handshake package's connection state machine
// (§4.4) to advance or kill a segment it is driving through LISTEN →
// VERIFYING → LIVE/DEAD. Kept as a narrow setter rather than exporting the
// field so Release() remains the only path that tears resources down.
func (s *Segment) SetState(st State) { s.state = st }

// TakeRendezvous hands the listening socket to the caller and clears it
// from the segment, used once by the handshake package after Accept so a
// second accept on the same listener can never race a connected client
// (§4.1 invariant: "only one client ever binds to a given rendezvous
// socket path").
func (s *Segment) TakeRendezvous() net.Listener {
	ln := s.Rendezvous
	s.Rendezvous = nil
	return ln
}

// RendezvousPath exposes the bound path so handshake can unlink it
// immediately after accept, per §4.4's LISTEN→VERIFYING transition.
func (s *Segment) RendezvousPath() string { return s.rendezvousPath }

// Header exposes the page header for packages that need to read layout
// fields (spawner, subsegment) without reaching into package internals.
func (s *Segment) Header() *PageHeader { return s.hdr }

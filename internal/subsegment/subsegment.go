// Package subsegment implements the subsegment broker (§4.6): multiplexing
// additional segments over an existing authoritative connection by
// descriptor-passing a fresh control socket to the child.
package subsegment

import (
	"fmt"

	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

// MaxDimension is the platform maximum a width/height hint is clamped
// against (§4.6: "above platform maximum → 32").
const MaxDimension = 1 << 16

// PlaceholderDimension replaces a width or height hint that is zero or
// above MaxDimension (§4.6). A hint inside that range is stored in the new
// subsegment's header as given.
const PlaceholderDimension = 32

// Request configures Request (§4.6).
type Request struct {
	// Parent is the live, authoritative segment requesting the
	// subsegment.
	Parent *shmif.Segment
	// Input marks an input-only subsegment: no audio feed is attached.
	Input bool
	// Width, Height are hints clamped to [1, MaxDimension], defaulting to
	// PlaceholderDimension outside that range.
	Width, Height uint16
	// Tag is the caller-supplied correlation value carried in the
	// NEWSEGMENT event.
	Tag uint32
}

// FDPusher sends a file descriptor across a parent segment's control
// socket as an auxiliary (SCM_RIGHTS) message, paired with an FDTRANSFER
// notification. Implemented by SCMPusher (controlsock_linux.go) in production; an
// interface here keeps this package testable without real sockets.
type FDPusher interface {
	PushFD(fd int) error
}

// ErrNotLive is returned when the parent segment is not in the LIVE
// state, since subsegments only ever multiplex onto an established
// connection (§4.6: "on request from a live authoritative segment").
var ErrNotLive = shmif.ErrNotLive

// AudioMixer attaches a subsegment's audio output to the host's mixer,
// the Go side of arcan_audio_feed: a non-input subsegment gets an audio
// feed, an input-only one never does (§4.6). The mixer itself is a
// host-renderer responsibility out of this package's scope; an interface
// here keeps the attach-or-skip decision testable without one.
type AudioMixer interface {
	AttachFeed(seg *shmif.Segment) error
}

func clampDimension(v uint16) uint16 {
	if v == 0 || int(v) > MaxDimension {
		return PlaceholderDimension
	}
	return v
}

// Broker allocates subsegments for a single parent connection and pushes
// their control-socket ends to the child.
type Broker struct {
	Parent *shmif.Segment
	Pusher FDPusher
	// Mixer, if set, is asked to attach an audio feed for every non-input
	// subsegment (§4.6). Left nil, no feed is attached at all.
	Mixer AudioMixer
}

// New returns a Broker bound to a live parent segment.
func New(parent *shmif.Segment, pusher FDPusher) *Broker {
	return &Broker{Parent: parent, Pusher: pusher}
}

// Request allocates a new segment with no rendezvous socket, pushes a
// fresh control-socket fd to the child, and enqueues a NEWSEGMENT event in
// the parent's outgoing queue (§4.6).
func (b *Broker) Request(req Request) (*shmif.Segment, error) {
	if b.Parent.State() != shmif.StateLive {
		return nil, ErrNotLive
	}

	w := clampDimension(req.Width)
	h := clampDimension(req.Height)

	child, err := shmif.Allocate(shmif.AllocateOptions{
		Subsegment: true,
		ChildPID:   b.Parent.ChildPID,
	})
	if err != nil {
		return nil, fmt.Errorf("subsegment: allocate: %w", err)
	}
	child.Header().SetDimensions(w, h)
	child.SetState(shmif.StateLive)

	sendFd, hostFile, err := newControlSocketPair()
	if err != nil {
		child.Release()
		return nil, fmt.Errorf("subsegment: control socketpair: %w", err)
	}
	// child.Control is the host's ongoing handle to this subsegment's
	// control channel (§3); it stays open until child.Release() closes
	// it, not here, since the child's SCM_RIGHTS-received end is useless
	// once its only peer is gone.
	child.Control = hostFile

	if b.Pusher != nil {
		if err := b.Pusher.PushFD(sendFd); err != nil {
			child.Release()
			return nil, fmt.Errorf("subsegment: push control fd: %w", err)
		}
	}

	fdEv := shmif.Event{Category: shmif.EventCategoryExternal, Kind: shmif.EventKindFDTransfer, Tag: req.Tag}
	copy(fdEv.Key[:], child.Key)
	b.Parent.OutRing.PushNonBlocking(fdEv)

	newSegEv := shmif.NewSegmentEvent(child.Key, req.Tag)
	if !b.Parent.OutRing.PushNonBlocking(newSegEv) {
		shmif.Warnf("subsegment: parent outqueue full, dropped NEWSEGMENT for %s", child.Key)
	}

	if !req.Input && b.Mixer != nil {
		if err := b.Mixer.AttachFeed(child); err != nil {
			child.Release()
			return nil, fmt.Errorf("subsegment: attach audio feed: %w", err)
		}
	}

	return child, nil
}

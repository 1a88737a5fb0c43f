// Package handshake drives the non-authoritative connection state machine
// (§4.4): a rendezvous listener accepting an untrusted peer, an optional
// timing-safe pre-shared-key challenge, and the moment the segment key is
// handed over and the channel becomes the bidirectional event transport.
package handshake

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

// KeyLimit is the fixed width of the handshake key line (§8 scenario S2:
// "pre-load expected key = 64 bytes").
const KeyLimit = 64

// sendKeyRetries bounds the send-key write loop (§4.4).
const sendKeyRetries = 10

// ErrHandshakeOverflow describes an incoming line that exceeds KeyLimit
// without a terminating LF. Poll does not return it: on overflow it
// releases the segment and sends nothing to the peer (§7).
var ErrHandshakeOverflow = errors.New("handshake: key line exceeds limit without LF")

// Conn drives one segment's LISTEN → VERIFYING → LIVE/DEAD transitions. It
// owns the socket accepted off the segment's rendezvous listener once the
// segment leaves LISTEN; the same socket becomes the event-queue transport
// immediately after a successful handshake, so this type never reads a
// byte beyond the key line (§4.4 rationale).
type Conn struct {
	Segment *shmif.Segment
	sock    net.Conn
}

// New wraps a segment allocated with a rendezvous socket
// (Segment.State() == StateListen).
func New(seg *shmif.Segment) *Conn {
	return &Conn{Segment: seg}
}

// Socket returns the connected peer socket once the handshake has
// progressed past LISTEN, or nil before that.
func (c *Conn) Socket() net.Conn { return c.sock }

// Poll drives one state transition per call, matching the host's
// per-frame POLL command (§4.4, §5). Each socket operation it makes waits
// at most one millisecond.
func (c *Conn) Poll() error {
	switch c.Segment.State() {
	case shmif.StateListen:
		return c.pollListen()
	case shmif.StateVerifying:
		return c.pollVerifying()
	default:
		return nil
	}
}

// Destroy implements the "any state, DESTROY → DEAD" row: release
// unconditionally regardless of where the state machine was.
func (c *Conn) Destroy() error {
	if c.sock != nil {
		c.sock.Close()
	}
	return c.Segment.Release()
}

func (c *Conn) pollListen() error {
	ln, ok := c.Segment.Rendezvous.(*net.UnixListener)
	if !ok || ln == nil {
		return nil
	}

	// Short-deadline poll keeps the per-frame callback from blocking (§5).
	// A deadline already in the past would fail Accept without trying it.
	ln.SetDeadline(time.Now().Add(time.Millisecond))
	conn, err := ln.Accept()
	ln.SetDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		// ERR/HUP/NVAL on the listening fd: release (§4.4 table, row 2).
		return c.Segment.Release()
	}

	c.Segment.TakeRendezvous()
	ln.Close()
	unlinkErr := removeRendezvousPath(c.Segment)

	c.sock = conn
	c.Segment.SetState(shmif.StateVerifying)
	c.Segment.Incoming = make([]byte, KeyLimit)
	c.Segment.IncomingOffset = 0

	if unlinkErr != nil {
		shmif.Warnf("handshake: unlink rendezvous path: %v", unlinkErr)
	}

	// "Fall through to VERIFYING/POLL in same tick" (§4.4 table, row 1).
	return c.pollVerifying()
}

func removeRendezvousPath(seg *shmif.Segment) error {
	path := seg.RendezvousPath()
	if path == "" {
		return nil
	}
	return unlinkPath(path)
}

func (c *Conn) pollVerifying() error {
	if len(c.Segment.ExpectedKey) == 0 {
		return c.sendKeyAndGoLive()
	}

	if deadliner, ok := c.sock.(interface{ SetReadDeadline(time.Time) error }); ok {
		deadliner.SetReadDeadline(time.Now().Add(time.Millisecond))
	}
	var b [1]byte
	n, err := c.sock.Read(b[:])
	if deadliner, ok := c.sock.(interface{ SetReadDeadline(time.Time) error }); ok {
		deadliner.SetReadDeadline(time.Time{})
	}
	if n == 0 {
		if err != nil && isTimeout(err) {
			return nil // no byte available this tick
		}
		if err != nil {
			return c.Segment.Release()
		}
		return nil
	}

	seg := c.Segment
	if b[0] == '\n' {
		ok := constantTimeCompareKey(seg.Incoming[:seg.IncomingOffset], seg.ExpectedKey)
		if ok {
			return c.sendKeyAndGoLive()
		}
		return seg.Release()
	}

	if seg.IncomingOffset >= len(seg.Incoming) {
		// Buffer fills without LF (§4.4 table, row 5).
		return seg.Release()
	}
	seg.Incoming[seg.IncomingOffset] = b[0]
	seg.IncomingOffset++
	return nil
}

// constantTimeCompareKey zero-pads got to KeyLimit and compares it to want
// with a constant-time XOR accumulation (§4.4: "XOR accumulate, return
// zero iff equal"), independent of where the first differing byte falls
// (§8 testable property 4).
func constantTimeCompareKey(got, want []byte) bool {
	padded := make([]byte, KeyLimit)
	copy(padded, got)
	wantPadded := make([]byte, KeyLimit)
	copy(wantPadded, want)

	var acc byte
	for i := 0; i < KeyLimit; i++ {
		acc |= padded[i] ^ wantPadded[i]
	}
	return acc == 0
}

// sendKeyAndGoLive implements the send-key procedure (§4.4): format key +
// LF, toggle the socket non-blocking, write with bounded retries treating
// EAGAIN/EWOULDBLOCK/EINTR as retryable, then advance to LIVE.
func (c *Conn) sendKeyAndGoLive() error {
	line := append([]byte(c.Segment.Key), '\n')

	var n int
	var err error
	for attempt := 0; attempt < sendKeyRetries; attempt++ {
		if deadliner, ok := c.sock.(interface{ SetWriteDeadline(time.Time) error }); ok {
			deadliner.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		}
		n, err = c.sock.Write(line)
		if deadliner, ok := c.sock.(interface{ SetWriteDeadline(time.Time) error }); ok {
			deadliner.SetWriteDeadline(time.Time{})
		}
		if err == nil && n == len(line) {
			c.Segment.SetState(shmif.StateLive)
			return nil
		}
		if err != nil && !isTimeout(err) {
			break
		}
	}
	return c.Segment.Release()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func unlinkPath(path string) error {
	if len(path) > 0 && path[0] == 0 {
		return nil // abstract namespace: nothing on disk to remove
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

//go:build linux

package handshake

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

func dialRendezvous(t *testing.T, seg *shmif.Segment) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", seg.RendezvousPath(), time.Second)
	if err != nil {
		t.Fatalf("dial rendezvous: %v", err)
	}
	return conn
}

// TestHandshakeScenarioS1 mirrors §8 S1: empty expected key, client sends
// "k\n" and receives the 32-byte... in this implementation, the generated
// key followed by LF, and the segment goes LIVE.
func TestHandshakeScenarioS1(t *testing.T) {
	seg, err := shmif.Allocate(shmif.AllocateOptions{KeyPrefix: "hs", Rendezvous: "test1"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer seg.Release()

	conn := New(seg)
	client := dialRendezvous(t, seg)
	defer client.Close()

	// LISTEN -> VERIFYING (accept) -> LIVE (expected key empty, send key).
	for i := 0; i < 5 && seg.State() != shmif.StateLive; i++ {
		if err := conn.Poll(); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if seg.State() != shmif.StateLive {
		t.Fatalf("state = %v, want LIVE", seg.State())
	}

	client.Write([]byte("k\n"))
	client.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("read key line: %v", err)
	}
	if line != seg.Key+"\n" {
		t.Fatalf("key line = %q, want %q", line, seg.Key+"\n")
	}
}

// TestHandshakeScenarioS2 mirrors §8 S2: a 64-byte expected key, client
// sends a line differing only in the final byte before LF, and the
// segment is released without ever sending the key.
func TestHandshakeScenarioS2(t *testing.T) {
	seg, err := shmif.Allocate(shmif.AllocateOptions{KeyPrefix: "hs", Rendezvous: "test2"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	expected := make([]byte, 64)
	for i := range expected {
		expected[i] = 0x41
	}
	seg.ExpectedKey = expected

	conn := New(seg)
	client := dialRendezvous(t, seg)
	defer client.Close()

	for i := 0; i < 5 && seg.State() != shmif.StateVerifying; i++ {
		conn.Poll()
		time.Sleep(10 * time.Millisecond)
	}
	if seg.State() != shmif.StateVerifying {
		t.Fatalf("state = %v, want VERIFYING", seg.State())
	}

	bad := make([]byte, 64)
	for i := 0; i < 63; i++ {
		bad[i] = 0x41
	}
	bad[63] = 0x42
	client.Write(append(bad, '\n'))

	for i := 0; i < 80 && seg.State() != shmif.StateDead; i++ {
		conn.Poll()
		time.Sleep(10 * time.Millisecond)
	}
	if seg.State() != shmif.StateDead {
		t.Fatalf("state = %v, want DEAD", seg.State())
	}
}

func TestConstantTimeCompareKey(t *testing.T) {
	want := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd")
	if !constantTimeCompareKey(want, want) {
		t.Fatal("identical keys should compare equal")
	}
	diff := append([]byte{}, want...)
	diff[0] = 'X'
	if constantTimeCompareKey(diff, want) {
		t.Fatal("differing keys should not compare equal")
	}
}

func TestConstantTimeCompareKeyVariance(t *testing.T) {
	want := make([]byte, KeyLimit)
	for i := range want {
		want[i] = byte(i)
	}

	timeFor := func(diffAt int) time.Duration {
		candidate := append([]byte{}, want...)
		if diffAt < len(candidate) {
			candidate[diffAt]++
		}
		start := time.Now()
		const runs = 10000
		for i := 0; i < runs; i++ {
			constantTimeCompareKey(candidate, want)
		}
		return time.Since(start)
	}

	early := timeFor(0)
	late := timeFor(KeyLimit - 1)

	ratio := float64(early) / float64(late)
	if ratio < 0.5 || ratio > 2.0 {
		t.Fatalf("compare time varies with mismatch position: early=%v late=%v ratio=%.2f", early, late, ratio)
	}
}

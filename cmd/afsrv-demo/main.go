// Command afsrv-demo is a minimal host loop wiring the allocator, the
// authoritative spawner, the handshake state machine, and the subsegment
// broker: either spawn a child bound to a fresh segment, or stand up a
// rendezvous listener and drive the non-authoritative handshake to LIVE,
// then tear the session down cleanly on exit.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/arcan-fe/frameserver-core/internal/handshake"
	"github.com/arcan-fe/frameserver-core/internal/shmif"
	"github.com/arcan-fe/frameserver-core/internal/spawner"
	"github.com/arcan-fe/frameserver-core/internal/subsegment"
)

// envResolver resolves a builtin mode name to a binary path through an
// environment variable convention (AFSRV_<MODE>_BIN), standing in for the
// host engine's own builtin-frameserver path table (out of scope, §1).
type envResolver struct{}

func (envResolver) Resolve(mode string) (path string, applPath string, err error) {
	envVar := "AFSRV_" + mode + "_BIN"
	p := os.Getenv(envVar)
	if p == "" {
		return "", "", fmt.Errorf("afsrv-demo: no binary configured for builtin %q (set %s)", mode, envVar)
	}
	return p, "", nil
}

func main() {
	var (
		listen     = flag.String("listen", "", "stand up a rendezvous socket under this name instead of spawning")
		builtin    = flag.String("builtin", "", "builtin mode name, resolved via AFSRV_<MODE>_BIN")
		external   = flag.String("external", "", "path to an external frameserver binary")
		resource   = flag.String("resource", "", "ARCAN_ARG resource string")
		subseg     = flag.Bool("subsegment", false, "request one subsegment after the session is live")
		subWidth   = flag.Uint("subsegment-width", 64, "subsegment width hint")
		subHeight  = flag.Uint("subsegment-height", 48, "subsegment height hint")
		holdFor    = flag.Duration("hold", 2*time.Second, "how long to hold the session open before releasing")
	)
	flag.Parse()

	if *listen != "" {
		runListen(*listen, *holdFor)
		return
	}
	runSpawn(*builtin, *external, *resource, *subseg, uint16(*subWidth), uint16(*subHeight), *holdFor)
}

// runListen demonstrates the non-authoritative path (§4.4): a rendezvous
// listener polled until a peer completes the handshake or the hold
// deadline passes.
func runListen(name string, hold time.Duration) {
	seg, err := shmif.Allocate(shmif.AllocateOptions{Rendezvous: name})
	if err != nil {
		fmt.Fprintln(os.Stderr, "afsrv-demo: allocate:", err)
		os.Exit(1)
	}
	defer seg.Release()

	fmt.Printf("listening key=%s rendezvous=%s\n", seg.Key, seg.RendezvousPath())

	conn := handshake.New(seg)
	deadline := time.Now().Add(hold)
	for time.Now().Before(deadline) {
		if err := conn.Poll(); err != nil {
			fmt.Fprintln(os.Stderr, "afsrv-demo: handshake poll:", err)
			return
		}
		if seg.State() == shmif.StateLive {
			fmt.Println("afsrv-demo: handshake completed, segment is LIVE")
			return
		}
		if seg.State() == shmif.StateDead {
			fmt.Println("afsrv-demo: handshake failed, segment is DEAD")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Println("afsrv-demo: hold deadline reached without a completed handshake")
}

// runSpawn demonstrates the authoritative path (§4.3), optionally handing
// the child a subsegment (§4.6) once it is up.
func runSpawn(builtin, external, resource string, subseg bool, subWidth, subHeight uint16, hold time.Duration) {
	setup := spawner.Setup{
		Builtin:  builtin,
		External: external,
		Resource: resource,
	}

	handle, err := spawner.Spawn(setup, envResolver{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "afsrv-demo: spawn:", err)
		os.Exit(1)
	}
	defer handle.Segment.Release()

	fmt.Printf("spawned pid=%d key=%s cookie=%#x\n", handle.PID, handle.Segment.Key, handle.Segment.Header().Cookie())

	if subseg {
		broker := subsegment.New(handle.Segment, subsegment.SCMPusher{Fd: int(handle.Control.Fd())})
		child, err := broker.Request(subsegment.Request{
			Parent: handle.Segment,
			Width:  subWidth,
			Height: subHeight,
			Tag:    1,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "afsrv-demo: subsegment request:", err)
		} else {
			defer child.Release()
			fmt.Printf("subsegment key=%s\n", child.Key)
		}
	}

	deadline := time.Now().Add(hold)
	for time.Now().Before(deadline) {
		if !handle.Segment.Header().DMS() {
			fmt.Println("afsrv-demo: child cleared dead-man-switch, exiting early")
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	shmif.Warnf("afsrv-demo: releasing session for pid=%d", handle.PID)
}

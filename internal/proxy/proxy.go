// Package proxy implements the network proxy (§4.5): bridging a local
// SHMIF endpoint to a remote peer over an authenticated stream transport,
// in four connection modes and two dispatch strategies.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/arcan-fe/frameserver-core/internal/shmif"
)

// Mode selects which of the four top-level connection topologies (§4.5) a
// Proxy runs.
type Mode int

const (
	// ModeSRV opens a local connpoint and, per local client, dials out to
	// the remote peer (-s connpoint host port).
	ModeSRV Mode = iota
	// ModeCL accepts inbound TCP and brings up a local SHMIF client
	// (-l port [host]).
	ModeCL
	// ModeSRVInherit is ModeSRV over an already-open inherited fd
	// (-S fd host port).
	ModeSRVInherit
	// ModeExec is a ModeCL variant that execs a binary as the local
	// client on successful authentication.
	ModeExec
)

// DispatchMode selects how successive connections are served (§4.5).
type DispatchMode int

const (
	// MTSingle serves one connection at a time in-process.
	MTSingle DispatchMode = iota
	// MTFork forks a new process per connection.
	MTFork
)

// TraceGroups is the fixed, ordered set of trace bitmap names accepted by
// -d (§6 CLI table), mirroring the C source's trace_groups array so bit i
// always names the same group across versions.
var TraceGroups = []string{
	"video", "audio", "system", "event",
	"missing", "alloc", "crypto", "vdetail", "btransfer",
}

// ParseTraceSpec parses a -d argument: either a decimal bitmap or a
// comma-separated list of group names (§6). Unknown names are skipped
// silently.
func ParseTraceSpec(spec string) int {
	if spec == "" {
		return 0
	}
	if n, err := parseDecimal(spec); err == nil {
		return n
	}
	var bitmap int
	for _, part := range strings.Split(spec, ",") {
		for i, name := range TraceGroups {
			if strings.EqualFold(name, part) {
				bitmap |= 1 << i
				break
			}
		}
	}
	return bitmap
}

func parseDecimal(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errors.New("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not decimal")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// RetryPolicy implements §4.5's retry backoff for outbound connections:
// "a simple linearly-growing sleep (1s -> 2s -> ... -> 10s, capped),
// retrying up to retry_count attempts or forever when the count is
// negative."
type RetryPolicy struct {
	RetryCount int // negative means unlimited
}

// MaxBackoff caps the linear backoff growth.
const MaxBackoff = 10 * time.Second

// Backoff returns the sleep duration before the (1-indexed) attempt-th
// retry.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Second
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}

// Exhausted reports whether attempt retries have used up the policy's
// budget. A negative RetryCount never exhausts.
func (p RetryPolicy) Exhausted(attempt int) bool {
	if p.RetryCount < 0 {
		return false
	}
	return attempt >= p.RetryCount
}

// Dialer abstracts the outbound TCP connect so tests can simulate
// transient failures without a real network.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// BridgeSession pumps data between an authenticated remote connection and
// a local SHMIF endpoint for the life of the connection (§4.5: "run the
// a12 client half bridged to the shmif server half"; §5: "the proxy's
// a12_connect loop polls with infinite timeout"). The a12 wire protocol
// itself is out of this module's scope; production wiring supplies an
// implementation backed by the a12 transport library, the same way
// Authenticator stands in for the handshake half of that protocol.
type BridgeSession interface {
	Run(ctx context.Context, conn net.Conn, local LocalClient) error
}

// noBridge is a placeholder BridgeSession that does nothing: it neither
// reads nor writes, and returns as soon as it is called. Production
// wiring must replace NoBridge before a connection can carry real frame
// data.
type noBridge struct{}

func (noBridge) Run(ctx context.Context, conn net.Conn, local LocalClient) error { return nil }

// NoBridge is the zero-configuration BridgeSession used until an a12
// client/server implementation is wired in.
var NoBridge BridgeSession = noBridge{}

// netDialer is the production Dialer.
type netDialer struct{}

func (netDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	return (&net.Dialer{}).DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
}

// LiveChecker reports whether the local SHMIF client a retry loop is
// serving is still alive, so the loop can abort early (§4.5: "aborts
// early if the associated local SHMIF client has died").
type LiveChecker interface {
	Alive() bool
}

// ErrClientDead is returned by ConnectWithRetry when the local client died
// while waiting to retry.
var ErrClientDead = errors.New("proxy: local client died during retry wait")

// ErrRetriesExhausted is returned once RetryPolicy.RetryCount attempts
// have all failed.
var ErrRetriesExhausted = errors.New("proxy: retry count exhausted")

// ConnectWithRetry repeatedly dials host:port under policy, honoring
// ctx cancellation and an optional liveness check on each backoff (§4.5).
func ConnectWithRetry(ctx context.Context, dialer Dialer, host string, port int, policy RetryPolicy, live LiveChecker) (net.Conn, error) {
	if dialer == nil {
		dialer = netDialer{}
	}
	attempt := 0
	for {
		conn, err := dialer.Dial(ctx, host, port)
		if err == nil {
			return conn, nil
		}
		shmif.Warnf("proxy: connect to %s:%d failed: %v", host, port, err)

		attempt++
		if policy.Exhausted(attempt) {
			return nil, fmt.Errorf("%w: %s:%d", ErrRetriesExhausted, host, port)
		}
		if live != nil && !live.Alive() {
			return nil, ErrClientDead
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
}

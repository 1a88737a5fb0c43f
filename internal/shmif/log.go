package shmif

import (
	"log"
	"os"
)

// Logger is the package-wide sink for protocol-violation warnings and other
// diagnostics that must never reach an untrusted peer. Embedding hosts may
// replace it wholesale; nothing in this module assumes a particular
// destination.
var Logger = log.New(os.Stderr, "frameserver: ", log.LstdFlags)

// Warnf logs a one-line warning. Callers on a protocol-violation path must
// route through here rather than writing anything back to the peer.
func Warnf(format string, args ...any) {
	Logger.Printf(format, args...)
}

// Package shmif implements the segment allocator at the core of the
// frameserver control plane: the shared-memory page layout, the three
// named semaphores paired with a segment, the rendezvous listening socket,
// and the small amount of process-environment and key-generation plumbing
// every other package in this module builds on.
//
// The page layout mirrors a classic shared-memory IPC header: a fixed-size
// struct at offset zero, atomically-accessed fields, and two ring buffers
// whose offsets are stored in that header rather than computed from a
// compile-time constant, so the same page can host rings of different
// sizes without a format change.
package shmif

// Package engine implements the two interchangeable execution strategies a
// Context selects at open time: ThreadPoolEngine (synchronous positional
// vector I/O on a fixed worker pool) and RingEngine (a kernel asynchronous
// submission ring driven by an external reactor). Both satisfy the same
// queue-facing capability set spec.md's redesign notes call for —
// {init, deinit, kick} here, with lock/unlock folded into
// internal/queue.Queue's own mutex rather than duplicated per engine.
package engine

import "github.com/blkio-go/blkio/internal/queue"

// Engine is the per-queue execution strategy selected at Context open.
type Engine interface {
	// Init starts whatever background execution the engine needs (worker
	// goroutines, or ring registration with the reactor) against q.
	Init(q *queue.Queue) error
	// Deinit stops the engine and waits for its workers/ring to quiesce.
	Deinit()
	// Kick wakes the engine if it might be idle with pending work, used
	// after an enqueue and by the ring engine's self-kick fix.
	Kick()
}

// DiscardLimits mirrors the discard configuration negotiated at open time.
type DiscardLimits struct {
	MaxSectors      uint32
	MaxSegments     uint16
	SectorAlignment uint32
	SectorSize      int64
}

// Reactor is the external event loop the ring engine registers its ring
// file descriptor with, per spec.md §6's reactor interface: register a
// descriptor with a completion callback, invoked whenever it becomes
// readable, and unregister it. The core never polls the descriptor itself.
type Reactor interface {
	Register(fd int, onReadable func()) error
	Unregister(fd int) error
}

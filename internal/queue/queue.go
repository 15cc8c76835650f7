// Package queue composes a slot arena, the ordering gate policy, and the
// mutex/condition-variable pair that coordinate workers and submitters,
// implementing the enqueue/dequeue/complete operations of spec.md §4.3.
// Grounded on the teacher's internal/queue/runner.go, which paired a single
// Runner's mutex/cond with its TagState bookkeeping; this package narrows
// that down to the pure queue-discipline slice of the teacher's Runner,
// leaving engine-specific I/O to internal/engine.
package queue

import (
	"sync"

	"github.com/blkio-go/blkio/internal/gate"
	"github.com/blkio-go/blkio/internal/ioreq"
	"github.com/blkio-go/blkio/internal/slot"
)

// Queue is one of a Context's Q independent request queues.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	arena       *slot.Arena
	gateEnabled bool

	// InFlight is a spare counter guarded by the queue mutex. Neither engine
	// updates it, so it stays 0 unless a caller sets it.
	InFlight int

	stopped bool
}

// New builds a Queue with room for capacity in-flight requests.
func New(capacity int, gateEnabled bool) *Queue {
	q := &Queue{arena: slot.NewArena(capacity), gateEnabled: gateEnabled}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue pops the head of the free list, attaches req, applies the
// OrderingGate policy, and appends the slot to the pending list. ok is
// false (too-big) if the arena was full; no slot is consumed in that case.
// pending reports whether the new slot immediately needs an engine kick
// (true) or starts out gate-blocked (false).
func (q *Queue) Enqueue(req *ioreq.Request) (idx int, pending bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.ComputeBlockKey()
	idx, ok = q.arena.Alloc(req)
	if !ok {
		return -1, false, false
	}

	blocked := false
	if q.gateEnabled {
		blocked = gate.Classify(q.arena, idx, req)
	}
	pending = !blocked
	if pending {
		q.cond.Signal()
	}
	return idx, pending, true
}

// Dequeue blocks until a pending-status slot is available or Stop has been
// called, then claims the slot, moving it to the busy list. Thread-pool
// workers call this; the ring engine uses TryDequeue instead since it never
// blocks a goroutine on the condition variable.
func (q *Queue) Dequeue() (idx int, req *ioreq.Request, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return -1, nil, false
		}
		if idx, ok := q.arena.Dequeue(); ok {
			return idx, q.arena.Request(idx), true
		}
		q.cond.Wait()
	}
}

// Stop wakes every worker blocked in Dequeue and makes future Dequeue calls
// return immediately with ok=false.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// TryDequeue claims a pending slot without blocking, used by the ring
// engine's submit pass.
func (q *Queue) TryDequeue() (idx int, req *ioreq.Request, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok = q.arena.Dequeue()
	if !ok {
		return -1, nil, false
	}
	return idx, q.arena.Request(idx), true
}

// Requeue puts a busy slot back at the head of the pending list, used by
// the ring engine when a dequeued slot cannot be staged because the
// submission ring is momentarily full.
func (q *Queue) Requeue(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.arena.Requeue(idx)
}

// Complete removes idx from whichever list owns it, runs the OrderingGate
// unblock pass keyed on the completed request's BlockKey, and returns the
// slot to free.
func (q *Queue) Complete(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req := q.arena.Request(idx)
	key := req.BlockKey
	q.arena.Complete(idx)
	if q.gateEnabled {
		gate.Unblock(q.arena, key)
		q.cond.Broadcast()
	}
}

// CancelPending attempts to remove idx from the pending list before any
// worker has claimed it. ok is false if idx is no longer pending (a worker
// already claimed it, or it was already completed).
func (q *Queue) CancelPending(idx int) (req *ioreq.Request, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.arena.StatusOf(idx)
	if st != slot.StatusPending && st != slot.StatusBlocked {
		return nil, false
	}
	req = q.arena.Request(idx)
	key := req.BlockKey
	q.arena.Complete(idx)
	if q.gateEnabled {
		gate.Unblock(q.arena, key)
	}
	return req, true
}

// RequestAt returns the request currently occupying idx (nil for a free
// slot), used by the ring engine's reap path to recover a request from a
// completion's user-data field and by Cancel to confirm a slot still holds
// the request being cancelled.
func (q *Queue) RequestAt(idx int) *ioreq.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.arena.Request(idx)
}

// StatusOf returns idx's current status, used by Cancel to decide whether a
// request is still pending/blocked (synchronous cancel) or busy (must race
// the in-flight I/O).
func (q *Queue) StatusOf(idx int) slot.Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.arena.StatusOf(idx)
}

// Depth reports the queue's current pending+busy occupancy, for the
// queue-depth metric.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.arena.PendingLen() + q.arena.BusyLen()
}

// Lock/Unlock expose the queue mutex directly to the engine, matching
// spec.md's capability set {init, deinit, lock, unlock, kick}. Neither
// engine in this module calls them.
func (q *Queue) Lock()   { q.mu.Lock() }
func (q *Queue) Unlock() { q.mu.Unlock() }

// Kick wakes any goroutine blocked in Dequeue. Neither engine calls it:
// RingEngine.Kick and its self-kick run the engine's own submit pass.
func (q *Queue) Kick() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

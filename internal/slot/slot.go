package slot

import "github.com/blkio-go/blkio/internal/ioreq"

// Status is a slot's position in the {free, blocked, pending, busy, done}
// state machine spec.md §3 describes. blocked and pending share the same
// pending list — status alone distinguishes which of a pending-list entry's
// two states it's in; done is not tracked at all, since a slot moves
// straight from busy to free once its callback has fired.
type Status int

const (
	StatusFree Status = iota
	StatusBlocked
	StatusPending
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusBlocked:
		return "blocked"
	case StatusPending:
		return "pending"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Arena is a fixed-capacity pool of request slots, partitioned by exactly
// three intrusive lists — free, pending, busy — per spec.md's redesign note
// that the source's three tail-queues become three lists of indices here.
// blocked is a status tag on pending-list members, not a fourth list: this
// is what the note means by "status... determining list membership" while
// still matching "only slots in state pending are eligible for dequeue".
// All methods assume the caller holds whatever lock guards the arena.
type Arena struct {
	reqs   []*ioreq.Request
	status []Status
	links  []link

	free, pending, busy list
}

// NewArena allocates an arena with room for capacity in-flight requests.
func NewArena(capacity int) *Arena {
	a := &Arena{
		reqs:   make([]*ioreq.Request, capacity),
		status: make([]Status, capacity),
		links:  make([]link, capacity),
		free:   newList(),
		pending: newList(),
		busy:   newList(),
	}
	for i := 0; i < capacity; i++ {
		a.free.pushBack(a.links, i)
	}
	return a
}

// Cap returns the arena's fixed capacity.
func (a *Arena) Cap() int { return len(a.reqs) }

// Alloc takes a free slot and appends it to the pending list with status
// pending, returning its slot index. ok is false if the arena is full
// (spec.md's "too big" case). Callers that need the gate's blocked state
// call MarkBlocked afterward, before anything else observes the slot.
func (a *Arena) Alloc(req *ioreq.Request) (idx int, ok bool) {
	idx, ok = a.free.popFront(a.links)
	if !ok {
		return -1, false
	}
	a.reqs[idx] = req
	a.status[idx] = StatusPending
	a.pending.pushBack(a.links, idx)
	req.Slot = idx
	return idx, true
}

// Request returns the request occupying idx.
func (a *Arena) Request(idx int) *ioreq.Request { return a.reqs[idx] }

// StatusOf returns idx's current status.
func (a *Arena) StatusOf(idx int) Status { return a.status[idx] }

// MarkBlocked tags a pending-list member idx as blocked, without moving it
// off the pending list.
func (a *Arena) MarkBlocked(idx int) { a.status[idx] = StatusBlocked }

// Promote tags a blocked pending-list member idx back to pending, making it
// eligible for Dequeue. Used by the ordering gate's unblock pass.
func (a *Arena) Promote(idx int) { a.status[idx] = StatusPending }

// Dequeue walks the pending list front to back for the first member tagged
// pending (skipping blocked ones), removes it from the pending list, and
// moves it to the busy list.
func (a *Arena) Dequeue() (idx int, ok bool) {
	found := -1
	a.pending.each(a.links, func(i int) bool {
		if a.status[i] == StatusPending {
			found = i
			return false
		}
		return true
	})
	if found == -1 {
		return -1, false
	}
	a.pending.remove(a.links, found)
	a.status[found] = StatusBusy
	a.busy.pushBack(a.links, found)
	return found, true
}

// Requeue moves a busy-list member idx back to the front of the pending
// list, tagged pending again. Used by the ring engine when it dequeues a
// slot but finds the submission ring full: the slot must not lose its
// place at the head of the queue, since submission order within a queue is
// FIFO.
func (a *Arena) Requeue(idx int) {
	a.busy.remove(a.links, idx)
	a.status[idx] = StatusPending
	a.pending.pushFront(a.links, idx)
}

// Complete removes idx from whichever list owns it (busy, or pending if it
// was cancelled before a worker claimed it) and returns it to free.
func (a *Arena) Complete(idx int) {
	switch a.status[idx] {
	case StatusBusy:
		a.busy.remove(a.links, idx)
	case StatusPending, StatusBlocked:
		a.pending.remove(a.links, idx)
	}
	a.status[idx] = StatusFree
	if req := a.reqs[idx]; req != nil {
		req.Slot = -1
	}
	a.reqs[idx] = nil
	a.free.pushBack(a.links, idx)
}

// EachPendingList visits every slot on the pending list (both pending- and
// blocked-tagged), front to back — used by the ordering gate to scan
// predecessors, since a blocked predecessor is still "earlier" for
// collision purposes.
func (a *Arena) EachPendingList(fn func(idx int) bool) { a.pending.each(a.links, fn) }

// EachBlocked visits only the blocked-tagged members of the pending list.
func (a *Arena) EachBlocked(fn func(idx int) bool) {
	stop := false
	a.pending.each(a.links, func(idx int) bool {
		if stop {
			return false
		}
		if a.status[idx] == StatusBlocked {
			if !fn(idx) {
				stop = true
				return false
			}
		}
		return true
	})
}

// EachBusy visits every busy-list slot front to back.
func (a *Arena) EachBusy(fn func(idx int) bool) { a.busy.each(a.links, fn) }

// FreeLen, PendingLen, BusyLen report list occupancy (pending includes
// blocked members), used for metrics' queue-depth gauge and for tests.
func (a *Arena) FreeLen() int    { return a.free.size }
func (a *Arena) PendingLen() int { return a.pending.size }
func (a *Arena) BusyLen() int    { return a.busy.size }

// BlockedLen counts blocked-tagged members of the pending list.
func (a *Arena) BlockedLen() int {
	n := 0
	a.EachBlocked(func(int) bool { n++; return true })
	return n
}

// Package gate implements the OrderingGate policy: a newly-enqueued request
// is held back in the blocked state until any earlier pending or in-flight
// request in the same queue whose range ends where the new one begins has
// completed. It is grounded on the teacher's queue.Runner completion
// handling (internal/queue/runner.go's processRequests/handleCompletion),
// generalized from the teacher's single completion-batch loop into a
// reusable policy over an internal/slot.Arena.
package gate

import (
	"github.com/blkio-go/blkio/internal/ioreq"
	"github.com/blkio-go/blkio/internal/slot"
)

// Classify scans the arena's pending list (pending- and blocked-tagged
// members alike, since a blocked predecessor is still "earlier") and then
// its busy list, excluding selfIdx, for a predecessor whose BlockKey equals
// req.Offset. If one is found, selfIdx is tagged blocked and Classify
// returns true. req.BlockKey must already be set via req.ComputeBlockKey
// before calling Classify.
func Classify(arena *slot.Arena, selfIdx int, req *ioreq.Request) (blocked bool) {
	check := func(idx int) bool {
		if idx == selfIdx {
			return true
		}
		if arena.Request(idx).BlockKey == req.Offset {
			blocked = true
			return false
		}
		return true
	}
	arena.EachPendingList(check)
	if !blocked {
		arena.EachBusy(check)
	}
	if blocked {
		arena.MarkBlocked(selfIdx)
	}
	return blocked
}

// Unblock runs the single-pass unblock scan required on completion of a
// slot whose BlockKey was completedKey: every blocked slot whose request
// offset equals completedKey is promoted to pending. The relation is
// one-to-many: several blocked requests may share the same start offset.
func Unblock(arena *slot.Arena, completedKey int64) {
	arena.EachBlocked(func(idx int) bool {
		if arena.Request(idx).Offset == completedKey {
			arena.Promote(idx)
		}
		return true
	})
}

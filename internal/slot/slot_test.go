package slot

import (
	"testing"

	"github.com/blkio-go/blkio/internal/ioreq"
)

func TestAllocExhaustion(t *testing.T) {
	a := NewArena(2)
	r1, r2, r3 := &ioreq.Request{}, &ioreq.Request{}, &ioreq.Request{}

	if _, ok := a.Alloc(r1); !ok {
		t.Fatalf("expected slot 1 to allocate")
	}
	if _, ok := a.Alloc(r2); !ok {
		t.Fatalf("expected slot 2 to allocate")
	}
	if _, ok := a.Alloc(r3); ok {
		t.Fatalf("expected arena to be full")
	}
	if got := a.PendingLen(); got != 2 {
		t.Errorf("PendingLen() = %d, want 2", got)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	a := NewArena(4)
	req := &ioreq.Request{}
	idx, ok := a.Alloc(req)
	if !ok {
		t.Fatal("alloc failed")
	}
	if a.StatusOf(idx) != StatusPending {
		t.Fatalf("status = %v, want pending", a.StatusOf(idx))
	}

	a.MarkBlocked(idx)
	if a.StatusOf(idx) != StatusBlocked || a.BlockedLen() != 1 || a.PendingLen() != 1 {
		t.Fatalf("after MarkBlocked: status=%v blocked=%d pending=%d", a.StatusOf(idx), a.BlockedLen(), a.PendingLen())
	}

	a.Promote(idx)
	if a.StatusOf(idx) != StatusPending || a.PendingLen() != 1 {
		t.Fatalf("after Promote: status=%v pending=%d", a.StatusOf(idx), a.PendingLen())
	}

	gotIdx, ok := a.Dequeue()
	if !ok || gotIdx != idx {
		t.Fatalf("Dequeue() = (%d, %v), want (%d, true)", gotIdx, ok, idx)
	}
	if a.StatusOf(idx) != StatusBusy || a.BusyLen() != 1 || a.PendingLen() != 0 {
		t.Fatalf("after Dequeue: status=%v busy=%d pending=%d", a.StatusOf(idx), a.BusyLen(), a.PendingLen())
	}

	a.Complete(idx)
	if a.StatusOf(idx) != StatusFree || a.FreeLen() != 4 {
		t.Fatalf("after Complete: status=%v free=%d", a.StatusOf(idx), a.FreeLen())
	}
	if req.Slot != -1 {
		t.Errorf("req.Slot = %d, want -1 after Complete", req.Slot)
	}
	if a.Request(idx) != nil {
		t.Errorf("Request(idx) should be nil after Complete")
	}
}

func TestDequeueSkipsBlockedSlots(t *testing.T) {
	a := NewArena(4)
	blocked := &ioreq.Request{}
	idxBlocked, _ := a.Alloc(blocked)
	a.MarkBlocked(idxBlocked)

	pending := &ioreq.Request{}
	idxPending, _ := a.Alloc(pending)

	idx, ok := a.Dequeue()
	if !ok || idx != idxPending {
		t.Fatalf("Dequeue() = (%d, %v), want (%d, true) skipping the blocked slot", idx, ok, idxPending)
	}
}

func TestCompleteFromPendingBeforeDispatch(t *testing.T) {
	a := NewArena(4)
	req := &ioreq.Request{}
	idx, _ := a.Alloc(req)

	a.Complete(idx)
	if a.StatusOf(idx) != StatusFree || a.PendingLen() != 0 {
		t.Fatalf("cancel-before-dispatch: status=%v pending=%d", a.StatusOf(idx), a.PendingLen())
	}
}

func TestPendingListOrderAndRemovalDuringIteration(t *testing.T) {
	a := NewArena(4)
	var idxs []int
	for i := 0; i < 3; i++ {
		idx, ok := a.Alloc(&ioreq.Request{})
		if !ok {
			t.Fatal("alloc failed")
		}
		idxs = append(idxs, idx)
	}

	var visited []int
	a.EachPendingList(func(idx int) bool {
		visited = append(visited, idx)
		if idx == idxs[1] {
			a.MarkBlocked(idx)
		}
		return true
	})
	if len(visited) != 3 {
		t.Fatalf("visited %d slots, want 3", len(visited))
	}
	if a.PendingLen() != 3 || a.BlockedLen() != 1 {
		t.Fatalf("pending=%d blocked=%d, want 3/1", a.PendingLen(), a.BlockedLen())
	}
}

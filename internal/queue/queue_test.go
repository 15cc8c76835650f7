package queue

import (
	"testing"
	"time"

	"github.com/blkio-go/blkio/internal/ioreq"
)

func TestEnqueueDequeueComplete(t *testing.T) {
	q := New(2, true)
	req := &ioreq.Request{Op: ioreq.OpWrite, Offset: 0, IOVec: []ioreq.IOVec{{Base: make([]byte, 512)}}}

	idx, pending, ok := q.Enqueue(req)
	if !ok || !pending {
		t.Fatalf("Enqueue() = (%d, %v, %v), want (_, true, true)", idx, pending, ok)
	}

	gotIdx, gotReq, ok := q.Dequeue()
	if !ok || gotIdx != idx || gotReq != req {
		t.Fatalf("Dequeue() = (%d, %v, %v)", gotIdx, gotReq, ok)
	}

	q.Complete(idx)
	if q.Depth() != 0 {
		t.Errorf("Depth() = %d, want 0 after Complete", q.Depth())
	}
}

func TestEnqueueTooBig(t *testing.T) {
	q := New(1, false)
	_, _, ok := q.Enqueue(&ioreq.Request{})
	if !ok {
		t.Fatalf("expected first enqueue to succeed")
	}
	_, _, ok = q.Enqueue(&ioreq.Request{})
	if ok {
		t.Fatalf("expected second enqueue to report too-big")
	}
}

func TestOrderingGateBlocksSuccessorUntilUnblock(t *testing.T) {
	q := New(4, true)
	a := &ioreq.Request{Op: ioreq.OpWrite, Offset: 0, IOVec: []ioreq.IOVec{{Base: make([]byte, 512)}}}
	b := &ioreq.Request{Op: ioreq.OpWrite, Offset: 512, IOVec: []ioreq.IOVec{{Base: make([]byte, 512)}}}

	idxA, pendingA, _ := q.Enqueue(a)
	if !pendingA {
		t.Fatalf("A should be immediately pending")
	}
	idxB, pendingB, _ := q.Enqueue(b)
	if pendingB {
		t.Fatalf("B should be blocked behind A")
	}

	gotA, _, _ := q.Dequeue()
	if gotA != idxA {
		t.Fatalf("expected to dequeue A first, got slot %d", gotA)
	}
	q.Complete(idxA)

	done := make(chan int, 1)
	go func() {
		idx, _, ok := q.Dequeue()
		if ok {
			done <- idx
		}
	}()

	select {
	case idx := <-done:
		if idx != idxB {
			t.Errorf("dequeued slot %d, want B's slot %d", idx, idxB)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for B to unblock and dequeue")
	}
}

func TestCancelPendingBeforeDispatch(t *testing.T) {
	q := New(2, false)
	req := &ioreq.Request{}
	idx, _, _ := q.Enqueue(req)

	gotReq, ok := q.CancelPending(idx)
	if !ok || gotReq != req {
		t.Fatalf("CancelPending() = (%v, %v), want (req, true)", gotReq, ok)
	}
	if q.Depth() != 0 {
		t.Errorf("Depth() = %d, want 0 after cancel", q.Depth())
	}
}

func TestStopUnblocksWaitingDequeue(t *testing.T) {
	q := New(2, false)
	done := make(chan bool, 1)
	go func() {
		_, _, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Errorf("Dequeue() ok = true after Stop, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Stop to unblock Dequeue")
	}
}

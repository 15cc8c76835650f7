package cancelwait

import (
	"runtime"
	"testing"
	"time"
)

// TestPushSignalWaitWakes exercises the whole loop on the test goroutine's
// own thread: pin to an OS thread, push a record naming that thread, send
// ourselves SIGCONT, and confirm Wait returns instead of blocking forever.
func TestPushSignalWaitWakes(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := WorkerThreadID()
	r := NewRecord()
	Push(r)

	if err := SignalWorker(tid); err != nil {
		t.Fatalf("SignalWorker: %v", err)
	}

	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after SIGCONT delivery")
	}
}

// TestPopAllDrainsEveryRecord confirms multiple concurrently-pushed records
// all come back out of a single popAll call, since a real SIGCONT delivery
// can't be correlated to one particular pusher and must wake everyone.
func TestPopAllDrainsEveryRecord(t *testing.T) {
	ensureHandler()

	const n = 8
	records := make([]*Record, n)
	for i := range records {
		records[i] = NewRecord()
		Push(records[i])
	}

	popped := popAll()
	if len(popped) != n {
		t.Fatalf("popAll returned %d records, want %d", len(popped), n)
	}

	seen := map[*Record]bool{}
	for _, r := range popped {
		seen[r] = true
	}
	for i, r := range records {
		if !seen[r] {
			t.Errorf("record %d not present in popAll result", i)
		}
	}

	if stuck := popAll(); stuck != nil {
		t.Errorf("stack not empty after full drain: %v", stuck)
	}
}

// TestRecordResetAllowsReuse confirms a Record can be pushed, drained, and
// pushed again across a canceller's retry loop without a fresh allocation.
func TestRecordResetAllowsReuse(t *testing.T) {
	r := NewRecord()
	Push(r)
	r.wake()
	r.Wait() // must not block: already done

	Push(r) // reset() must have cleared done
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the record was woken again")
	case <-time.After(50 * time.Millisecond):
	}

	r.wake()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after second wake")
	}
}

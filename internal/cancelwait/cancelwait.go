// Package cancelwait implements the process-wide lock-free wait-record
// stack used to interrupt a thread-pool worker blocked in a positional
// syscall, per spec.md's cancellation algorithm: a canceller pushes a
// Record onto the stack, sends the
// platform continue signal (SIGCONT) to that thread, then waits on the
// record. Go delivers SIGCONT to a runtime-managed signal goroutine rather
// than to a handler frame on the interrupted thread itself, so there is no
// way to tell which record a given delivery corresponds to; every delivery
// therefore wakes every record currently on the stack, and callers loop
// re-checking real slot state (not this package's state) to decide whether
// to wait again. This is the one process-wide singleton the core keeps,
// same as the teacher keeps package-level state for cgroup/device paths;
// it exists because the signal handler runs on an arbitrary thread and
// must find waiters without any other context to identify them by.
package cancelwait

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Record is one canceller's wait slot. Callers allocate one per cancel
// attempt, push it, signal the target worker, then Wait.
type Record struct {
	next unsafe.Pointer // *Record, set only while linked into the stack

	mu   sync.Mutex
	cond *sync.Cond
	done bool
}

// NewRecord returns a Record ready to Push and Wait on.
func NewRecord() *Record {
	r := &Record{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Wait blocks until a SIGCONT delivery pops this record, or returns
// immediately if it already has been. Spurious wakeups are expected: the
// handler wakes every record on every delivery, regardless of which
// worker the signal actually interrupted, so callers must re-check the
// condition they actually care about (the slot's status) after Wait
// returns and Push/Wait again if it has not yet reached done.
func (r *Record) Wait() {
	r.mu.Lock()
	for !r.done {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

// reset clears done so the same Record can be pushed again on the next
// iteration of the canceller's retry loop, avoiding a fresh allocation per
// spin.
func (r *Record) reset() {
	r.mu.Lock()
	r.done = false
	r.mu.Unlock()
}

func (r *Record) wake() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	r.cond.Signal()
}

var top unsafe.Pointer // *Record, Treiber stack head

// push links r onto the process-wide stack with a compare-and-swap loop.
func push(r *Record) {
	for {
		old := atomic.LoadPointer(&top)
		atomic.StorePointer(&r.next, old)
		if atomic.CompareAndSwapPointer(&top, old, unsafe.Pointer(r)) {
			return
		}
	}
}

// popAll detaches the entire stack in one CAS and returns its records,
// head first. Called only from the signal-delivery goroutine.
func popAll() []*Record {
	for {
		old := atomic.LoadPointer(&top)
		if old == nil {
			return nil
		}
		if atomic.CompareAndSwapPointer(&top, old, nil) {
			var records []*Record
			for n := (*Record)(old); n != nil; {
				records = append(records, n)
				n = (*Record)(atomic.LoadPointer(&n.next))
			}
			return records
		}
	}
}

var installOnce sync.Once

// ensureHandler installs the process-wide SIGCONT listener exactly once,
// lazily on first use, per spec.md's "installed once at process-first-use
// via a one-shot initialiser."
func ensureHandler() {
	installOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, unix.SIGCONT)
		go func() {
			for range ch {
				for _, r := range popAll() {
					r.wake()
				}
			}
		}()
	})
}

// Push installs the handler if needed and publishes r for discovery by the
// next SIGCONT delivery.
func Push(r *Record) {
	ensureHandler()
	r.reset()
	push(r)
}

// SignalWorker sends SIGCONT to the OS thread identified by tid (as
// returned by WorkerThreadID on that thread), interrupting whatever
// blocking syscall it is in with EINTR.
func SignalWorker(tid int32) error {
	return unix.Tgkill(os.Getpid(), int(tid), unix.SIGCONT)
}

// WorkerThreadID returns the calling goroutine's OS thread id. Callers
// must have called runtime.LockOSThread first and keep holding it for as
// long as the returned id stays meaningful to a canceller, matching the
// teacher's per-queue worker pinning in internal/queue/runner.go's ioLoop.
func WorkerThreadID() int32 {
	return int32(unix.Gettid())
}

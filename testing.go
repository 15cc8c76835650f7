package blkio

import "sync"

// FakeReactor is an in-repo stand-in for the external event loop the ring
// engine registers its completion descriptor with (OpenOptions.Reactor).
// Grounded on the teacher's MockBackend: a small, hand-written test double
// rather than a generated or mocking-library one, tracking just enough
// state for a unit test to drive and inspect it.
//
// A real reactor invokes onReadable from its own poller goroutine whenever
// the descriptor becomes readable. FakeReactor instead exposes Notify so a
// test can call it synchronously after arranging for the ring to have
// completions waiting, avoiding any dependency on a real epoll loop.
type FakeReactor struct {
	mu  sync.Mutex
	cbs map[int]func()
}

// NewFakeReactor creates an empty FakeReactor.
func NewFakeReactor() *FakeReactor {
	return &FakeReactor{cbs: make(map[int]func())}
}

// Register implements engine.Reactor.
func (r *FakeReactor) Register(fd int, onReadable func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cbs[fd] = onReadable
	return nil
}

// Unregister implements engine.Reactor.
func (r *FakeReactor) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cbs, fd)
	return nil
}

// Notify simulates fd becoming readable, invoking its registered callback
// on the calling goroutine. It is a no-op if fd was never registered (or
// was already unregistered), which happens harmlessly if a test notifies
// after Close.
func (r *FakeReactor) Notify(fd int) {
	r.mu.Lock()
	cb := r.cbs[fd]
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Registered reports whether fd currently has a callback registered, for
// tests asserting that Close/Deinit unregistered the ring's descriptor.
func (r *FakeReactor) Registered(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cbs[fd]
	return ok
}

// RecordingObserver is an Observer that records every call it receives,
// for tests asserting that a Context reports the operations it was asked
// to perform. Mirrors the teacher's MockBackend call-counting fields, but
// shaped to the Observer interface rather than Backend, since Backing
// itself talks to a real host fd and isn't usefully mocked (see
// RawPositionalReader's doc comment on why the engines address Fd()
// directly).
type RecordingObserver struct {
	mu sync.Mutex

	Reads    []ObservedIO
	Writes   []ObservedIO
	Discards []ObservedIO
	Flushes  []ObservedFlush
	Depths   []uint32
}

// ObservedIO is one recorded read/write/discard call.
type ObservedIO struct {
	Bytes     uint64
	LatencyNs uint64
	Success   bool
}

// ObservedFlush is one recorded flush call.
type ObservedFlush struct {
	LatencyNs uint64
	Success   bool
}

// NewRecordingObserver creates an empty RecordingObserver.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{}
}

func (o *RecordingObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Reads = append(o.Reads, ObservedIO{Bytes: bytes, LatencyNs: latencyNs, Success: success})
}

func (o *RecordingObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Writes = append(o.Writes, ObservedIO{Bytes: bytes, LatencyNs: latencyNs, Success: success})
}

func (o *RecordingObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Discards = append(o.Discards, ObservedIO{Bytes: bytes, LatencyNs: latencyNs, Success: success})
}

func (o *RecordingObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Flushes = append(o.Flushes, ObservedFlush{LatencyNs: latencyNs, Success: success})
}

func (o *RecordingObserver) ObserveQueueDepth(depth uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Depths = append(o.Depths, depth)
}

// Counts returns the number of recorded calls per operation, matching the
// shape of the teacher's MockBackend.CallCounts.
func (o *RecordingObserver) Counts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]int{
		"read":    len(o.Reads),
		"write":   len(o.Writes),
		"discard": len(o.Discards),
		"flush":   len(o.Flushes),
	}
}

var _ Observer = (*RecordingObserver)(nil)

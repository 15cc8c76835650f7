package blkio

import (
	"os"
	"time"

	"github.com/blkio-go/blkio/internal/align"
	"github.com/blkio-go/blkio/internal/backing"
	"github.com/blkio-go/blkio/internal/cancelwait"
	"github.com/blkio-go/blkio/internal/engine"
	"github.com/blkio-go/blkio/internal/logging"
	"github.com/blkio-go/blkio/internal/queue"
	"github.com/blkio-go/blkio/internal/slot"
)

// ErrCancelled is the error a request's callback receives when Cancel
// found it still pending and completed it itself (CancelledPending). Not
// one of spec.md §7's submission-time error kinds — this is synthesized
// purely for the cancellation path, which needed some non-nil err to
// distinguish "cancelled" from "succeeded" and the spec leaves the exact
// value to the implementation.
var ErrCancelled = NewError("cancel", CodeCancelled, "request cancelled before execution")

// OpenOptions carries the collaborators Config cannot express as plain
// strings/numbers: the ring engine's reactor is, per spec.md §6, an
// external collaborator the caller owns, the same way the option-string
// parser and any frontend emulator sit outside this core.
type OpenOptions struct {
	// Reactor registers the ring engine's completion file descriptor with
	// the caller's event loop. Required when Config.AIO is AIOIOUring.
	Reactor engine.Reactor

	// Observer receives per-operation metric callbacks. Defaults to a
	// MetricsObserver wrapping the Context's own Metrics.
	Observer Observer

	// Logger receives lifecycle messages. Defaults to logging.Default().
	Logger *logging.Logger
}

// queueState bundles one queue's slot arena and execution engine, plus (for
// the thread-pool engine only) the handle Cancel needs to find a busy
// slot's worker thread.
type queueState struct {
	q    *queue.Queue
	eng  engine.Engine
	pool *engine.ThreadPoolEngine // set only when cfg.AIO == AIOThreads
}

// Context is one open virtual block device's backend core, per spec.md §3:
// a backing object, Q independent queues each running the engine selected
// by cfg.AIO, and the alignment pool and metrics both share.
type Context struct {
	cfg Config

	back          backing.Backing // final view requests address: SubRange-wrapped if a sub-range is configured, else the raw backing
	readOnly      bool
	subRangeStart int64 // absolute byte offset of the sub-range on the host fd, 0 if none
	lockHeld      bool
	lockLen       int64

	alignment int64
	pool      *align.Pool
	metrics   *Metrics
	observer  Observer
	logger    *logging.Logger

	queues []queueState
}

// detectKind stats path to decide whether it names a block device or a
// regular file, per spec.md §4.8's open sequence.
func detectKind(path string) (backing.Kind, os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, nil, err
	}
	if fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0 {
		return backing.KindBlockDevice, fi, nil
	}
	return backing.KindFile, fi, nil
}

// Open implements spec.md §4.8's open sequence: open the backing path
// read-write, degrading to read-only on failure; validate geometry; lock
// and wrap a sub-range if one was requested; then allocate Q queues, each
// with its own slot arena and engine instance.
func Open(cfg Config, opts *OpenOptions) (*Context, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	if cfg.NumQueues <= 0 {
		return nil, NewError("open", CodeInvalidArg, "NumQueues must be positive")
	}
	if cfg.AIO == AIOIOUring && opts.Reactor == nil {
		return nil, NewError("open", CodeInvalidArg, "io_uring engine requires a Reactor")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	kind, _, err := detectKind(cfg.Path)
	if err != nil {
		return nil, WrapError("open", err)
	}

	back, readOnly, err := openBacking(cfg, kind)
	if err != nil {
		return nil, WrapError("open", err)
	}

	if kind == backing.KindFile {
		sectorSize := int64(cfg.LogicalSectorSize)
		if back.Size() < sectorSize || back.Size()%sectorSize != 0 {
			back.Close()
			return nil, NewError("open", CodeInvalidArg, "file size must be >= and a multiple of the logical sector size")
		}
	}

	var view backing.Backing = back
	var lockHeld bool
	var subStart, subLen int64
	if cfg.SubRangeLengthSectors > 0 {
		sectorSize := int64(cfg.LogicalSectorSize)
		subStart = cfg.SubRangeStartSectors * sectorSize
		subLen = cfg.SubRangeLengthSectors * sectorSize
		if subStart < 0 || subLen <= 0 || subStart+subLen > back.Size() {
			back.Close()
			return nil, NewError("open", CodeInvalidArg, "sub-range escapes backing size")
		}
		if err := backing.LockSubRange(back.Fd(), subStart, subLen); err != nil {
			back.Close()
			return nil, WrapError("open", err)
		}
		lockHeld = true
		view = backing.NewSubRange(back, subStart, subLen)
	}

	alignment := int64(cfg.PhysicalSectorSize)
	if alignment <= 0 {
		alignment = 512
	}

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	c := &Context{
		cfg:           cfg,
		back:          view,
		readOnly:      readOnly,
		subRangeStart: subStart,
		lockHeld:      lockHeld,
		lockLen:       subLen,
		alignment:     alignment,
		pool:          align.NewPool(int(alignment)),
		metrics:       metrics,
		observer:      observer,
		logger:        logger,
	}

	discardLimits := engine.DiscardLimits{
		MaxSectors:      cfg.MaxDiscardSectors,
		MaxSegments:     cfg.MaxDiscardSegments,
		SectorAlignment: cfg.DiscardSectorAlignment,
		SectorSize:      int64(cfg.LogicalSectorSize),
	}

	for i := 0; i < cfg.NumQueues; i++ {
		q := queue.New(cfg.MaxReq(), cfg.OrderingGate && cfg.AIO != AIOIOUring)

		var eng engine.Engine
		var pool *engine.ThreadPoolEngine
		switch cfg.AIO {
		case AIOIOUring:
			eng = engine.NewRingEngine(engine.RingParams{
				Backing:         view,
				Pool:            c.pool,
				Alignment:       alignment,
				SubRangeStart:   subStart,
				BypassHostCache: cfg.BypassHostCache,
				WriteCacheOff:   cfg.WriteCacheOff,
				ReadOnly:        readOnly,
				Discard:         discardLimits,
				Reactor:         opts.Reactor,
				Logger:          logger,
			})
		default:
			pool = engine.NewThreadPoolEngine(engine.ThreadPoolParams{
				Backing:         view,
				Pool:            c.pool,
				Alignment:       alignment,
				SubRangeStart:   subStart,
				BypassHostCache: cfg.BypassHostCache,
				WriteCacheOff:   cfg.WriteCacheOff,
				ReadOnly:        readOnly,
				Discard:         discardLimits,
				Workers:         cfg.Workers,
				Logger:          logger,
			})
			eng = pool
		}

		if err := eng.Init(q); err != nil {
			c.unwindQueues(i)
			return nil, WrapError("open", err)
		}
		c.queues = append(c.queues, queueState{q: q, eng: eng, pool: pool})
	}

	logger.Infof("context opened: path=%s queues=%d aio=%v read-only=%v", cfg.Path, cfg.NumQueues, cfg.AIO, readOnly)
	return c, nil
}

// openBacking opens cfg.Path read-write, degrading to read-only on
// failure, per spec.md §4.8.
func openBacking(cfg Config, kind backing.Kind) (backing.Backing, bool, error) {
	readOnly := cfg.ReadOnly
	if kind == backing.KindBlockDevice {
		b, err := backing.OpenBlockDevice(cfg.Path, backing.BlockDeviceOptions{ReadOnly: readOnly, BypassHostCache: cfg.BypassHostCache})
		if err != nil && !readOnly {
			readOnly = true
			b, err = backing.OpenBlockDevice(cfg.Path, backing.BlockDeviceOptions{ReadOnly: true, BypassHostCache: cfg.BypassHostCache})
		}
		if err != nil {
			return nil, false, err
		}
		return b, readOnly, nil
	}

	b, err := backing.OpenFile(cfg.Path, backing.FileOptions{ReadOnly: readOnly, BypassHostCache: cfg.BypassHostCache})
	if err != nil && !readOnly {
		readOnly = true
		b, err = backing.OpenFile(cfg.Path, backing.FileOptions{ReadOnly: true, BypassHostCache: cfg.BypassHostCache})
	}
	if err != nil {
		return nil, false, err
	}
	return b, readOnly, nil
}

// unwindQueues tears down the first n already-initialised queues, mirroring
// the teacher's CreateAndServe cleanup-on-partial-failure loop, then
// releases the backing this Open call opened.
func (c *Context) unwindQueues(n int) {
	for i := 0; i < n; i++ {
		c.queues[i].eng.Deinit()
	}
	if c.lockHeld {
		backing.UnlockSubRange(c.back.Fd(), c.subRangeStart, c.lockLen)
	}
	c.back.Close()
}

// Close implements spec.md §4.8's close sequence: deinit every queue's
// engine, release the sub-range lock if held, then close the fd. Requests
// still queued are abandoned — their callbacks will not be invoked; the
// caller is responsible for quiescing submissions first.
func (c *Context) Close() error {
	for _, qs := range c.queues {
		qs.eng.Deinit()
	}
	c.queues = nil

	if c.lockHeld {
		backing.UnlockSubRange(c.back.Fd(), c.subRangeStart, c.lockLen)
	}
	c.metrics.Stop()
	err := WrapError("close", c.back.Close())
	c.logger.Infof("context closed: path=%s err=%v", c.cfg.Path, err)
	return err
}

func (c *Context) queueAt(qidx int) (*queueState, error) {
	if qidx < 0 || qidx >= len(c.queues) {
		return nil, NewQueueError("submit", qidx, CodeInvalidQidx, "qidx out of range")
	}
	return &c.queues[qidx], nil
}

// submitReadWrite implements the synchronous half of spec.md §4.1's
// "Failure modes": classify, and for a conversion, prepare (and for
// writes, pre-fill) the bounce buffer before the request ever reaches
// Enqueue, so an allocation or preparatory-read failure is returned here
// without a queue slot being consumed.
func (c *Context) submitReadWrite(req *Request) error {
	if req.Op == OpWrite && c.readOnly {
		return NewQueueError(req.Op.String(), req.QIdx, CodeReadOnlyFS, "context is read-only")
	}

	info := align.Classify(req, c.alignment, c.subRangeStart, c.cfg.BypassHostCache)
	if info.NeedConversion {
		if err := align.Prepare(&info, c.pool); err != nil {
			return NewQueueError(req.Op.String(), req.QIdx, CodeAllocFail, err.Error())
		}
		if req.Op == OpWrite {
			reader := backing.RawPositionalReader{Fd: c.back.Fd()}
			if err := align.WritePrefill(&info, req.IOVec, reader, c.pool); err != nil {
				align.Teardown(&info, c.pool)
				return WrapError(req.Op.String(), err)
			}
		}
	}
	req.SetAlignInfo(&info)
	return nil
}

// enqueue validates qidx, runs op-specific synchronous pre-submission
// work, then appends req to the target queue, kicking the engine if the
// new slot is immediately dequeue-eligible.
func (c *Context) enqueue(req *Request, op Op) error {
	req.Op = op
	qs, err := c.queueAt(req.QIdx)
	if err != nil {
		return err
	}

	if op == OpRead || op == OpWrite {
		if err := c.submitReadWrite(req); err != nil {
			return err
		}
	}

	// instrument wraps req.Callback before the request is handed to Enqueue:
	// once Enqueue returns, a worker on another goroutine may dequeue and
	// run it immediately, so Callback must already be in its final,
	// observer-wrapped form before that can race ahead of us.
	c.instrument(req, op)

	idx, pending, ok := qs.q.Enqueue(req)
	if !ok {
		if info, isInfo := req.AlignInfo().(*align.Info); isInfo && info.NeedConversion {
			align.Teardown(info, c.pool)
			req.SetAlignInfo(nil)
		}
		return NewQueueError(op.String(), req.QIdx, CodeTooBig, "queue is full")
	}
	req.Slot = idx
	if pending {
		qs.eng.Kick()
	}
	if c.observer != nil {
		c.observer.ObserveQueueDepth(uint32(qs.q.Depth()))
	}
	return nil
}

// instrument wraps req.Callback so completion reports the operation to
// c.observer: byte count (startResid - the Resid left once the engine is
// done, since Resid is the core's own "bytes remaining" counter), wall-clock
// latency from submission to completion, and success. A no-op when no
// observer is configured (c.observer is always non-nil after Open, but
// instrument is defensive since it runs on every submission).
func (c *Context) instrument(req *Request, op Op) {
	if c.observer == nil {
		return
	}
	orig := req.Callback
	start := time.Now()
	startResid := req.Resid

	req.Callback = func(r *Request, err error) {
		latencyNs := uint64(time.Since(start).Nanoseconds())
		success := err == nil
		var transferred uint64
		if d := startResid - r.Resid; d > 0 {
			transferred = uint64(d)
		}

		switch op {
		case OpRead:
			c.observer.ObserveRead(transferred, latencyNs, success)
		case OpWrite:
			c.observer.ObserveWrite(transferred, latencyNs, success)
		case OpDiscard:
			c.observer.ObserveDiscard(transferred, latencyNs, success)
		case OpFlush:
			c.observer.ObserveFlush(latencyNs, success)
		}

		if orig != nil {
			orig(r, err)
		}
	}
}

// Read submits req as a read, per spec.md §6's submission API. Errors
// detected before the request reaches the queue (invalid-qidx, too-big,
// alloc-fail) are returned here; errors detected during execution reach
// req.Callback instead.
func (c *Context) Read(req *Request) error { return c.enqueue(req, OpRead) }

// Write submits req as a write. Same synchronous/asynchronous error split
// as Read, plus read-only-fs.
func (c *Context) Write(req *Request) error { return c.enqueue(req, OpWrite) }

// Flush submits req as a cache flush.
func (c *Context) Flush(req *Request) error { return c.enqueue(req, OpFlush) }

// Discard submits req as a discard. Range validation (read-only-fs,
// not-supported, invalid-arg) happens during execution, inside the engine,
// and is delivered through req.Callback.
func (c *Context) Discard(req *Request) error { return c.enqueue(req, OpDiscard) }

// Cancel implements spec.md §4.7's algorithm. If req is still on the
// pending list it is completed here and its callback fires synchronously
// before Cancel returns (CancelledPending). If it is busy, a thread-pool
// engine races the in-flight syscall by pushing a cancelwait.Record,
// signalling the worker's OS thread, and waiting, looping until the slot
// leaves busy (CancelBusy) — the ring engine has no OS thread to target,
// so a busy slot there always returns CancelBusy immediately, per spec.md
// §4.7's note that its cancel "may only succeed while ... still pending".
func (c *Context) Cancel(req *Request) CancelResult {
	qs, err := c.queueAt(req.QIdx)
	if err != nil {
		return CancelNotFound
	}
	idx := req.Slot
	if idx < 0 || qs.q.RequestAt(idx) != req {
		return CancelNotFound
	}

	if cancelled, ok := qs.q.CancelPending(idx); ok {
		cancelled.Callback(cancelled, ErrCancelled)
		c.logger.Debugf("cancel: slot=%d qidx=%d result=pending", idx, req.QIdx)
		return CancelledPending
	}

	if qs.q.StatusOf(idx) != slot.StatusBusy {
		return CancelNotFound
	}

	if qs.pool == nil {
		c.logger.Debugf("cancel: slot=%d qidx=%d result=busy (ring engine, no worker to signal)", idx, req.QIdx)
		return CancelBusy
	}

	for qs.q.StatusOf(idx) == slot.StatusBusy {
		tid, ok := qs.pool.BusyThreadID(idx)
		if !ok {
			continue
		}
		rec := cancelwait.NewRecord()
		cancelwait.Push(rec)
		cancelwait.SignalWorker(tid)
		c.logger.Debugf("cancel: slot=%d qidx=%d signalling tid=%d", idx, req.QIdx, tid)
		rec.Wait()
	}
	c.logger.Debugf("cancel: slot=%d qidx=%d result=busy", idx, req.QIdx)
	return CancelBusy
}

// Size returns the logical size, in bytes, of the context's view of the
// backing: the sub-range length if one was configured, else the whole
// backing's size.
func (c *Context) Size() int64 { return c.back.Size() }

// SectorSize returns the configured logical and physical sector sizes.
func (c *Context) SectorSize() (logical, physical int) {
	return c.cfg.LogicalSectorSize, c.cfg.PhysicalSectorSize
}

// NumQueues returns the number of independent queues this context opened.
func (c *Context) NumQueues() int { return len(c.queues) }

// QueueDepth returns the configured Config.QueueDepth. Slot capacity per
// queue is Config.MaxReq (workers + 64, or 256 for io_uring), which does
// not depend on this value.
func (c *Context) QueueDepth() int { return c.cfg.QueueDepth }

// ReadOnly reports whether the context degraded to (or was opened as)
// read-only.
func (c *Context) ReadOnly() bool { return c.readOnly }

// DiscardCapable reports whether the backing advertises discard support.
func (c *Context) DiscardCapable() bool { return c.back.DiscardCapable() }

// Metrics returns the context's built-in metrics collector.
func (c *Context) Metrics() *Metrics { return c.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the context's metrics.
func (c *Context) MetricsSnapshot() MetricsSnapshot { return c.metrics.Snapshot() }

// QueueDepthAt returns the current pending+busy occupancy of queue qidx,
// for callers polling back-pressure or driving the queue-depth observer.
func (c *Context) QueueDepthAt(qidx int) (int, error) {
	qs, err := c.queueAt(qidx)
	if err != nil {
		return 0, err
	}
	return qs.q.Depth(), nil
}

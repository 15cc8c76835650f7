// Package ioreq defines the request payload shared across the queue, gate,
// align, and engine packages. It exists so those internal packages and the
// root blkio package can refer to the same concrete Request type without an
// import cycle (blkio -> internal/queue -> internal/ioreq, never the reverse).
package ioreq

// Op identifies the kind of operation a Request carries.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// IOVec is a single scatter-gather buffer, analogous to a C struct iovec.
type IOVec struct {
	Base []byte
}

// Len returns the length of the vector's buffer.
func (v IOVec) Len() int { return len(v.Base) }

// DiscardRange describes one [Sector, Sector+NumSectors) range to discard,
// per the {sector, num_sectors, flags} record spec.md §4.6 describes.
type DiscardRange struct {
	Sector     uint64
	NumSectors uint64
	Flags      uint32
}

// Callback is invoked exactly once when a Request reaches a terminal state
// (success, error, or cancel). err is nil on success.
type Callback func(req *Request, err error)

// Request is owned by the caller and borrowed by the core until the
// callback fires. Per spec.md §3, once handed to the core the request and
// its IOVecs must not be mutated or freed by the caller until Callback runs.
type Request struct {
	Op       Op
	Offset   int64 // byte offset within the logical backing object
	IOVec    []IOVec
	Resid    int64 // bytes remaining; decremented by the core on success
	QIdx     int
	Callback Callback

	// Ranges carries the discard range vector for OpDiscard. If empty and
	// Op is OpDiscard, a single range is derived from Offset/Resid.
	Ranges []DiscardRange

	// Slot is the index of the arena slot currently holding this request,
	// set by the queue on enqueue and read by the gate and engine. -1 means
	// the request is not currently enqueued.
	Slot int

	// BlockKey is offset+length for ordering-gate collision checks, or
	// BlockKeyInfinite for flush. Computed once at enqueue time.
	BlockKey int64

	// alignInfo is adapter scratch space, opaque to everything but
	// internal/align.
	alignInfo interface{}
}

// BlockKeyInfinite is the sentinel BlockKey value for OpFlush. No request
// offset equals it, so the ordering gate never blocks a request behind a
// flush.
const BlockKeyInfinite = int64(1) << 62

// AlignInfo returns the adapter's scratch data attached to this request, or
// nil if none has been attached yet.
func (r *Request) AlignInfo() interface{} { return r.alignInfo }

// SetAlignInfo attaches adapter scratch data to this request.
func (r *Request) SetAlignInfo(v interface{}) { r.alignInfo = v }

// TotalLen returns the sum of all IOVec lengths.
func (r *Request) TotalLen() int64 {
	var n int64
	for _, v := range r.IOVec {
		n += int64(v.Len())
	}
	return n
}

// ComputeBlockKey fills in BlockKey from Offset and the request shape, per
// spec.md §4.5's ordering-gate collision rule.
func (r *Request) ComputeBlockKey() {
	if r.Op == OpFlush {
		r.BlockKey = BlockKeyInfinite
		return
	}
	if r.Op == OpDiscard {
		var n int64
		if len(r.Ranges) > 0 {
			for _, rg := range r.Ranges {
				n += int64(rg.NumSectors)
			}
		} else {
			n = r.Resid
		}
		r.BlockKey = r.Offset + n
		return
	}
	r.BlockKey = r.Offset + r.TotalLen()
}

// CancelResult is returned by a cancel attempt.
type CancelResult int

const (
	// CancelledPending means the request was cancelled before execution
	// began; its callback has already fired synchronously from Cancel.
	CancelledPending CancelResult = iota
	// CancelBusy means the request was executing; its callback will still
	// fire from the worker's normal completion path.
	CancelBusy
	// CancelNotFound means the request was not found on any list (already
	// completed, or never submitted).
	CancelNotFound
)

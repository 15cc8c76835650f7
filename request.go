package blkio

import "github.com/blkio-go/blkio/internal/ioreq"

// Op identifies the kind of operation a Request carries.
type Op = ioreq.Op

const (
	OpRead    = ioreq.OpRead
	OpWrite   = ioreq.OpWrite
	OpFlush   = ioreq.OpFlush
	OpDiscard = ioreq.OpDiscard
)

// IOVec is a single scatter-gather buffer, analogous to a C struct iovec.
type IOVec = ioreq.IOVec

// DiscardRange describes one [Sector, Sector+NumSectors) range to discard,
// per the {sector, num_sectors, flags} record spec.md §4.6 describes.
type DiscardRange = ioreq.DiscardRange

// Callback is invoked exactly once when a Request reaches a terminal state
// (success, error, or cancel). err is nil on success.
type Callback = ioreq.Callback

// Request is owned by the caller and borrowed by the core until the
// callback fires. Per spec.md §3, once handed to the core the request and
// its IOVecs must not be mutated or freed by the caller until Callback runs.
type Request = ioreq.Request

// CancelResult is returned by Context.Cancel.
type CancelResult = ioreq.CancelResult

const (
	// CancelledPending means the request was cancelled before execution
	// began; its callback has already fired synchronously from Cancel.
	CancelledPending = ioreq.CancelledPending
	// CancelBusy means the request was executing; its callback will still
	// fire from the worker's normal completion path.
	CancelBusy = ioreq.CancelBusy
	// CancelNotFound means the request was not found on any list (already
	// completed, or never submitted).
	CancelNotFound = ioreq.CancelNotFound
)

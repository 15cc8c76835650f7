// Package blkio provides a bounded, multi-queue block I/O backend core for
// device-model processes servicing virtual block devices.
package blkio

import "github.com/blkio-go/blkio/internal/ioerr"

// ErrorCode is a high-level error category surfaced to submission callers,
// per spec.md §7.
type ErrorCode = ioerr.Code

const (
	// CodeInvalidQidx means qidx was outside [0, Q).
	CodeInvalidQidx = ioerr.CodeInvalidQidx
	// CodeTooBig means the target queue's slot arena is full.
	CodeTooBig = ioerr.CodeTooBig
	// CodeReadOnlyFS means a write or discard was attempted on a read-only context.
	CodeReadOnlyFS = ioerr.CodeReadOnlyFS
	// CodeNotSupported means discard was attempted on a backing without discard
	// capability, or an unknown operation was requested.
	CodeNotSupported = ioerr.CodeNotSupported
	// CodeInvalidArg means a malformed discard range or an over-long segment vector.
	CodeInvalidArg = ioerr.CodeInvalidArg
	// CodeIOError means the kernel returned failure from read/write/fsync/ioctl/fallocate.
	CodeIOError = ioerr.CodeIOError
	// CodeAllocFail means bounce-buffer allocation failed.
	CodeAllocFail = ioerr.CodeAllocFail
	// CodeCancelled means a request's callback was invoked because Cancel
	// found and completed it while still pending.
	CodeCancelled = ioerr.CodeCancelled
)

// Error is a structured error carrying the operation, queue, and error
// category.
type Error = ioerr.Error

// NewError creates a new structured error with the given operation and code.
func NewError(op string, code ErrorCode, msg string) *Error {
	return ioerr.New(op, code, msg)
}

// NewQueueError creates a new queue-scoped structured error.
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return ioerr.NewQueue(op, queue, code, msg)
}

// WrapError wraps an arbitrary error with blkio context, mapping syscall
// errno values to the appropriate ErrorCode.
func WrapError(op string, inner error) *Error {
	return ioerr.Wrap(op, inner)
}

// IsCode reports whether err carries the given ErrorCode.
func IsCode(err error, code ErrorCode) bool {
	return ioerr.IsCode(err, code)
}

// Package ioerr defines the structured error type shared across the
// backing, align, queue, and engine packages, mirroring the teacher's root
// errors.go but living internally so those packages and the root blkio
// package can share one concrete type without an import cycle (blkio ->
// internal/engine -> internal/ioerr, never the reverse). The root package
// re-exports everything here as type aliases.
package ioerr

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is a high-level error category surfaced to submission callers, per
// spec.md §7.
type Code string

const (
	CodeInvalidQidx  Code = "invalid-qidx"
	CodeTooBig       Code = "too-big"
	CodeReadOnlyFS   Code = "read-only-fs"
	CodeNotSupported Code = "not-supported"
	CodeInvalidArg   Code = "invalid-arg"
	CodeIOError      Code = "i/o-error"
	CodeAllocFail    Code = "alloc-fail"

	// CodeCancelled is not one of spec.md §7's submission-time error
	// kinds; it is synthesized only for a request cancelled while still
	// pending, whose callback Cancel itself invokes (spec.md §4.7).
	CodeCancelled Code = "cancelled"
)

// Error is a structured error carrying the operation, queue, and error
// category.
type Error struct {
	Op    string
	Queue int
	Code  Code
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Queue >= 0 {
		return fmt.Sprintf("blkio: %s (op=%s queue=%d)", msg, e.Op, e.Queue)
	}
	if e.Op != "" {
		return fmt.Sprintf("blkio: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("blkio: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison against another *Error by Code.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New creates a new structured error with the given operation and code.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewQueue creates a new queue-scoped structured error.
func NewQueue(op string, queue int, code Code, msg string) *Error {
	return &Error{Op: op, Queue: queue, Code: code, Msg: msg}
}

// Wrap wraps an arbitrary error with blkio context, mapping syscall errno
// values to the appropriate Code.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, Queue: be.Queue, Code: be.Code, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Queue: -1, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Queue: -1, Code: CodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.EROFS, syscall.EACCES:
		return CodeReadOnlyFS
	case syscall.EOPNOTSUPP, syscall.ENOSYS:
		return CodeNotSupported
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArg
	case syscall.ENOMEM:
		return CodeAllocFail
	default:
		return CodeIOError
	}
}

// IsCode reports whether err carries the given Code.
func IsCode(err error, code Code) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

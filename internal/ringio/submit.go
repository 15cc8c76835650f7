package ringio

import (
	"fmt"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Completion is one reaped CQE, trimmed to what callers need: the
// user-data tag they submitted it with and the syscall result (negative
// errno on failure, bytes transferred on success).
type Completion struct {
	UserData uint64
	Res      int32
}

// Submit calls io_uring_enter to hand the kernel every SQE queued since the
// last Submit, optionally blocking until minComplete completions are
// posted. Pass minComplete 0 for a non-blocking submit-only call, which is
// what the ring engine does after staging a batch and after each reactor
// notification.
func (r *Ring) Submit(minComplete uint32) (submitted uint32, err error) {
	tail := atomic.LoadUint32(r.sqTail)
	head := atomic.LoadUint32(r.sqHead)
	toSubmit := tail - head

	if toSubmit == 0 && minComplete == 0 {
		return 0, nil
	}

	flags := uint32(0)
	if minComplete > 0 {
		flags = enterGetEvents
	}

	for {
		r1, _, errno := syscall.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			uintptr(toSubmit),
			uintptr(minComplete),
			uintptr(flags),
			0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return uint32(r1), fmt.Errorf("ringio: io_uring_enter: %w", errno)
		}
		return uint32(r1), nil
	}
}

// Reap drains every completion currently posted on the CQ ring without
// blocking, advancing the consumer head as it goes and appending each to
// out. Call Submit with a non-zero minComplete first to wait for new
// completions; Reap only collects what is already visible.
func (r *Ring) Reap(out []Completion) []Completion {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)

	for head != tail {
		c := &r.cqes[head&r.cqMask]
		out = append(out, Completion{UserData: c.userData, Res: c.res})
		head++
	}
	atomic.StoreUint32(r.cqHead, head)
	return out
}

// InFlight reports how many published SQEs have not yet had a completion
// reaped (SQ tail minus CQ head). The ring engine does not call it; its
// self-kick is armed whenever the ring fills mid-drain.
func (r *Ring) InFlight() uint32 {
	return atomic.LoadUint32(r.sqTail) - atomic.LoadUint32(r.cqHead)
}

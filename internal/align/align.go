// Package align implements the AlignmentAdapter: it decides whether a
// request must be rewritten into a page-aligned bounce request before
// dispatch to a bypass-host-cache backing, and undoes the rewrite on
// completion. It is grounded on oddmario/directio's align()/allocAlignedBuf
// technique (over-allocate, slice to the aligned window) and on the
// teacher's internal/queue/pool.go size-bucketed sync.Pool ladder, adapted
// here into the sector-size-aligned bounce pool in pool.go.
package align

import (
	"github.com/blkio-go/blkio/internal/ioreq"
)

// Info is the per-request alignment record spec.md §3 describes, attached
// to a Request's opaque AlignInfo scratch field for the adapter's own use.
type Info struct {
	Alignment      int64
	Start          int64 // req.Offset + subRangeStart
	Head           int64 // Start mod Alignment
	AlignedStart   int64 // Start - Head
	OrgSize        int64 // sum of iov lengths
	End            int64 // Start + OrgSize
	Tail           int64 // alignment - (End mod alignment), 0 if End is aligned
	AlignedEnd     int64 // End - (End mod alignment)
	BouncedSize    int64
	NeedConversion bool

	// Bounce is the page-aligned scratch buffer substituted for the
	// caller's iovecs when NeedConversion is true.
	Bounce []byte
}

// Classify computes the Info record for req, given whether the backing is
// opened bypass-host-cache and the configured sub-range start. It does not
// allocate; call Prepare afterward if NeedConversion is true.
func Classify(req *ioreq.Request, alignment int64, subRangeStart int64, bypassHostCache bool) Info {
	start := req.Offset + subRangeStart
	orgSize := req.TotalLen()
	end := start + orgSize

	info := Info{
		Alignment: alignment,
		Start:     start,
		OrgSize:   orgSize,
		End:       end,
	}

	head := start % alignment
	info.Head = head
	info.AlignedStart = start - head

	endRmd := end % alignment
	if endRmd == 0 {
		info.Tail = 0
		info.AlignedEnd = end
	} else {
		info.Tail = alignment - endRmd
		info.AlignedEnd = end - endRmd
	}

	info.BouncedSize = info.Head + orgSize + info.Tail

	if !bypassHostCache {
		info.NeedConversion = false
		return info
	}

	if head != 0 {
		info.NeedConversion = true
		return info
	}
	if endRmd != 0 {
		info.NeedConversion = true
		return info
	}
	for _, v := range req.IOVec {
		base := uintptr(bufAddr(v.Base))
		if int64(base)%alignment != 0 || int64(v.Len())%alignment != 0 {
			info.NeedConversion = true
			return info
		}
	}
	info.NeedConversion = false
	return info
}

// PositionalReader performs a synchronous positional read, as used for the
// write pre-fill's head/tail reads. Satisfied by *os.File and by
// internal/backing's Backing implementations.
type PositionalReader interface {
	ReadAt(buf []byte, off int64) (int, error)
}

// Prepare allocates info.Bounce from pool, sized to BouncedSize. Per
// spec.md §4.1, allocation failure must be returned without having touched
// the queue, so Prepare is always called before a slot is reserved.
func Prepare(info *Info, pool *Pool) error {
	buf, err := pool.Get(info.BouncedSize)
	if err != nil {
		return err
	}
	info.Bounce = buf
	return nil
}

// WritePrefill fills info.Bounce for a write: head/tail reads from the
// backing run synchronously on the submitting goroutine (never through the
// queue), followed by copying the caller's iovecs back-to-back into the
// middle of the bounce buffer.
func WritePrefill(info *Info, iovs []ioreq.IOVec, r PositionalReader, pool *Pool) error {
	if info.Head > 0 {
		scratch, err := pool.Get(info.Alignment)
		if err != nil {
			return err
		}
		defer pool.Put(scratch)
		if _, err := r.ReadAt(scratch, info.AlignedStart); err != nil {
			return err
		}
		copy(info.Bounce[0:info.Head], scratch[:info.Head])
	}

	off := info.Head
	for _, v := range iovs {
		n := copy(info.Bounce[off:off+int64(v.Len())], v.Base)
		off += int64(n)
	}

	if info.Tail > 0 {
		scratch, err := pool.Get(info.Alignment)
		if err != nil {
			return err
		}
		defer pool.Put(scratch)
		if _, err := r.ReadAt(scratch, info.AlignedEnd); err != nil {
			return err
		}
		tailOff := info.Head + info.OrgSize
		copy(info.Bounce[tailOff:tailOff+info.Tail], scratch[len(scratch)-int(info.Tail):])
	}

	return nil
}

// ReadPostfill copies OrgSize bytes starting at Bounce[Head:] back into the
// caller's scatter buffers in order, stopping once OrgSize bytes have been
// distributed or the iovec is exhausted, whichever comes first.
func ReadPostfill(info *Info, iovs []ioreq.IOVec) {
	src := info.Bounce[info.Head:]
	var done int64
	for _, v := range iovs {
		if done >= info.OrgSize {
			break
		}
		remaining := info.OrgSize - done
		n := int64(v.Len())
		if n > remaining {
			n = remaining
		}
		copy(v.Base[:n], src[done:done+n])
		done += n
	}
}

// Teardown frees info.Bounce back to pool on every terminal path, success
// or error, of a converted request.
func Teardown(info *Info, pool *Pool) {
	if info.Bounce != nil {
		pool.Put(info.Bounce)
		info.Bounce = nil
	}
}

package ringio

import (
	"sync/atomic"
	"unsafe"
)

// Iovec mirrors unix.Iovec's (Base, Len) shape without importing unix here,
// so callers can build the vector straight from ioreq.IOVec.
type Iovec struct {
	Base *byte
	Len  uint64
}

// PrepReadv stages an IORING_OP_READV at absolute file offset off against
// fd, tagged with userData (the slot index, widened), and reports whether
// a submission slot was available. iovs must stay alive and unmoved until
// the matching completion is reaped.
func (r *Ring) PrepReadv(fd int32, iovs []Iovec, off int64, userData uint64) bool {
	return r.prepVectored(opRead, fd, iovs, off, userData)
}

// PrepWritev stages an IORING_OP_WRITEV, mirroring PrepReadv.
func (r *Ring) PrepWritev(fd int32, iovs []Iovec, off int64, userData uint64) bool {
	return r.prepVectored(opWrite, fd, iovs, off, userData)
}

// PrepFsync stages an IORING_OP_FSYNC against fd.
func (r *Ring) PrepFsync(fd int32, userData uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.peekSQELocked()
	if !ok {
		return false
	}
	*s = sqe{opcode: opFsync, fd: fd, userData: userData}
	r.advanceSQLocked()
	return true
}

func (r *Ring) prepVectored(op uint8, fd int32, iovs []Iovec, off int64, userData uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.peekSQELocked()
	if !ok {
		return false
	}
	*s = sqe{
		opcode:   op,
		fd:       fd,
		off:      uint64(off),
		addr:     uint64(uintptr(unsafe.Pointer(&iovs[0]))),
		length:   uint32(len(iovs)),
		userData: userData,
	}
	r.advanceSQLocked()
	return true
}

// peekSQELocked reserves the SQ slot at the current tail, refusing once the
// kernel hasn't yet consumed enough prior entries to make room. It also
// records the slot in the indirection array, as spec'd by io_uring's array
// layer, though since the array is never reordered this is the identity
// mapping. Caller holds r.mu.
func (r *Ring) peekSQELocked() (*sqe, bool) {
	tail := atomic.LoadUint32(r.sqTail)
	head := atomic.LoadUint32(r.sqHead)
	if tail-head >= r.sqEntriesN {
		return nil, false
	}
	idx := tail & r.sqMask
	r.sqArray[idx] = idx
	return &r.sqes[idx], true
}

// advanceSQLocked makes the just-filled SQE at the current tail visible to
// the kernel by incrementing the shared tail. Caller holds r.mu.
func (r *Ring) advanceSQLocked() {
	atomic.AddUint32(r.sqTail, 1)
}

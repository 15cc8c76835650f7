// Package ringio is a minimal raw io_uring transport for READV/WRITEV/
// FSYNC submissions: a single mmap'd submission/completion ring plus a
// separate SQE array mmap, driven by the raw io_uring_setup/io_uring_enter
// syscalls. Grounded on cloudwego-gopkg/internal/iouring, which implements
// this same general-purpose (non-URING_CMD) ring with a Peek/Advance
// producer-consumer API over IORING_FEAT_SINGLE_MMAP; the teacher's
// internal/uring/minimal.go does the analogous raw-syscall setup/mmap dance
// but only for URING_CMD's SQE128/CQE32 control-plane layout, which this
// package does not need since it issues ordinary vectored read/write/fsync.
package ringio

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opRead  = 1 // IORING_OP_READV
	opWrite = 2 // IORING_OP_WRITEV
	opFsync = 3 // IORING_OP_FSYNC

	enterGetEvents = 1 << 0

	featSingleMmap = 1 << 0
)

// sqe is the kernel's ordinary 64-byte submission queue entry layout.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	length      uint32
	rwFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	_           [2]uint64
}

// cqe is the kernel's ordinary 16-byte completion queue entry layout.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type ringOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array uint32
	resv1                                                    uint32
	resv2                                                    uint64
}

type params struct {
	sqEntries, cqEntries uint32
	flags                uint32
	sqThreadCPU          uint32
	sqThreadIdle         uint32
	features             uint32
	wqFd                 uint32
	resv                 [3]uint32
	sqOff                ringOffsets
	cqOff                ringOffsets
}

// Ring is one queue's submission/completion ring.
type Ring struct {
	fd     int
	params params

	ringMem []byte // single mmap covering both SQ and CQ ring headers
	sqesMem []byte // separate mmap for the SQE array

	mu sync.Mutex

	sqHead, sqTail *uint32
	sqMask         uint32
	sqEntriesN     uint32
	sqArray        []uint32
	sqes           []sqe

	cqHead, cqTail *uint32
	cqMask         uint32
	cqes           []cqe
}

// New creates a ring with room for entries submissions, matching the ring
// engine's fixed 256-entry-per-queue capacity.
func New(entries uint32) (*Ring, error) {
	p := params{sqEntries: entries, cqEntries: entries}

	fd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("ringio: io_uring_setup: %w", errno)
	}
	if p.features&featSingleMmap == 0 {
		syscall.Close(int(fd))
		return nil, fmt.Errorf("ringio: kernel lacks IORING_FEAT_SINGLE_MMAP (needs Linux 5.4+)")
	}

	r := &Ring{fd: int(fd), params: p}
	if err := r.mmapRings(); err != nil {
		syscall.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmapRings() error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := r.params.sqOff.array + r.params.sqEntries*4
	cqRingSize := r.params.cqOff.array + r.params.cqEntries*uint32(unsafe.Sizeof(cqe{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringMem, err := unix.Mmap(r.fd, 0, int(ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("ringio: mmap ring: %w", err)
	}

	sqesMem, err := unix.Mmap(r.fd, 0x10000000, int(r.params.sqEntries)*int(unsafe.Sizeof(sqe{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(ringMem)
		return fmt.Errorf("ringio: mmap SQEs: %w", err)
	}

	r.ringMem, r.sqesMem = ringMem, sqesMem
	r.sqHead = (*uint32)(unsafe.Pointer(&ringMem[r.params.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&ringMem[r.params.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&ringMem[r.params.sqOff.ringMask]))
	r.sqEntriesN = r.params.sqEntries
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&ringMem[r.params.sqOff.array])), r.params.sqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&sqesMem[0])), r.params.sqEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&ringMem[r.params.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&ringMem[r.params.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&ringMem[r.params.cqOff.ringMask]))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&ringMem[r.params.cqOff.array])), r.params.cqEntries)

	return nil
}

// Close unmaps the rings and closes the ring fd.
func (r *Ring) Close() error {
	unix.Munmap(r.sqesMem)
	unix.Munmap(r.ringMem)
	return syscall.Close(r.fd)
}

// Fd returns the ring's file descriptor, for reactor registration.
func (r *Ring) Fd() int { return r.fd }

// Capacity returns the ring's submission-entry capacity.
func (r *Ring) Capacity() uint32 { return r.sqEntriesN }

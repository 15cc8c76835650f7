package backing

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Block-device ioctl numbers from linux/fs.h. golang.org/x/sys/unix does not
// export these (they're filesystem ioctls, not socket/terminal ones its
// generator covers), so they're encoded here the way the teacher's internal
// uapi package encoded its own UBLK_* ioctl numbers: fixed command numbers
// taken directly from the kernel headers.
const (
	blkGetSize64 = 0x80081272 // _IOR(0x12, 114, size_t)
	blkSSZGet    = 0x1268     // _IO(0x12, 104), returns int
	blkPBSZGet   = 0x127b     // _IOR(0x12, 123, unsigned int)
	blkDiscard   = 0x1277     // _IO(0x12, 119), takes uint64[2]{start, len}
)

func ioctlGetUint64(fd int, req uintptr) (uint64, error) {
	var val uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&val)))
	if errno != 0 {
		return 0, errno
	}
	return val, nil
}

func blkDiscardRange(fd int, start, length uint64) error {
	arg := [2]uint64{start, length}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), blkDiscard, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return errno
	}
	return nil
}

package backing

import "golang.org/x/sys/unix"

// LockSubRange acquires an open-file-description advisory byte-range lock
// covering exactly [start, start+length) for the lifetime of the process's
// file descriptor, per spec.md's "Backing locks" rule: overlapping
// sub-ranges held by other processes are rejected at open time. OFD locks
// (F_OFD_SETLK), unlike classic POSIX record locks, are scoped to the open
// file description rather than the process, so they compose correctly with
// this core's single-fd-per-Context model.
func LockSubRange(fd uintptr, start, length int64) error {
	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  start,
		Len:    length,
		Pid:    0, // required to be zero for OFD locks
	}
	return unix.FcntlFlock(fd, unix.F_OFD_SETLK, &lock)
}

// UnlockSubRange releases a lock previously taken by LockSubRange. Closing
// the fd also releases it implicitly; this is provided for contexts that
// need to drop the lock without closing.
func UnlockSubRange(fd uintptr, start, length int64) error {
	lock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  start,
		Len:    length,
		Pid:    0,
	}
	return unix.FcntlFlock(fd, unix.F_OFD_SETLK, &lock)
}

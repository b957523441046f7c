package extfs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is the engine's error code, numerically equal to the Linux errno
// of the same name.
type Errno int

const (
	EPERM        = Errno(unix.EPERM)
	ENOENT       = Errno(unix.ENOENT)
	EIO          = Errno(unix.EIO)
	EEXIST       = Errno(unix.EEXIST)
	ENOTDIR      = Errno(unix.ENOTDIR)
	EISDIR       = Errno(unix.EISDIR)
	EINVAL       = Errno(unix.EINVAL)
	EFBIG        = Errno(unix.EFBIG)
	ENOSPC       = Errno(unix.ENOSPC)
	EMLINK       = Errno(unix.EMLINK)
	ENAMETOOLONG = Errno(unix.ENAMETOOLONG)
	ENOTEMPTY    = Errno(unix.ENOTEMPTY)
)

func (e Errno) Error() string {
	return unix.Errno(e).Error()
}

// Error reports a failed engine call.
type Error struct {
	Op    string
	Ino   uint32
	Errno Errno
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("extfs: %s inode %d: %v", e.Op, e.Ino, e.Errno)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the Errno and any underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Errno, e.Err}
	}
	return []error{e.Errno}
}

func fail(op string, ino uint32, errno Errno) error {
	return &Error{Op: op, Ino: ino, Errno: errno}
}

package fusefs

import (
	"context"
	"errors"
	"os"
	"syscall"

	"mergesync/internal/errdefs"
)

// ToErrno 把合并视图返回的错误映射为内核错误码
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, errdefs.ErrUnavailable), errors.Is(err, errdefs.ErrNotAllowed):
		return syscall.EAGAIN
	case errors.Is(err, errdefs.ErrBusy):
		return syscall.EBUSY
	case errors.Is(err, errdefs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, errdefs.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, errdefs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, errdefs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, errdefs.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, errdefs.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, errdefs.ErrOffline), errors.Is(err, errdefs.ErrIO), errors.Is(err, errdefs.ErrVerifyFailed):
		return syscall.EIO
	case errors.Is(err, errdefs.ErrBadHandle):
		return syscall.EBADF
	case errors.Is(err, errdefs.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, errdefs.ErrNotSupported):
		return syscall.ENOTSUP
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	}
	return syscall.EIO
}

// sysMode os.FileMode -> st_mode
func sysMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= syscall.S_IFDIR
	case m&os.ModeSymlink != 0:
		mode |= syscall.S_IFLNK
	case m&os.ModeNamedPipe != 0:
		mode |= syscall.S_IFIFO
	case m&os.ModeSocket != 0:
		mode |= syscall.S_IFSOCK
	default:
		mode |= syscall.S_IFREG
	}
	if m&os.ModeSetuid != 0 {
		mode |= syscall.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= syscall.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= syscall.S_ISVTX
	}
	return mode
}

// fileMode st_mode 中的权限位 -> os.FileMode
func fileMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)
	if mode&syscall.S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&syscall.S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&syscall.S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

//go:build linux

package iqfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

func syncFileRange(fd int, off, n int64) error {
	return unix.SyncFileRange(fd, off, n,
		unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|unix.SYNC_FILE_RANGE_WAIT_AFTER)
}

func rangeUnsupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ESPIPE)
}

func datasync(fd int) error { return unix.Fdatasync(fd) }

// reserve allocates [off, off+n), falling back to ftruncate on filesystems
// without fallocate support.
func reserve(fd int, off, n int64) error {
	if n <= 0 {
		return nil
	}
	err := unix.Fallocate(fd, 0, off, n)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return unix.Ftruncate(fd, off+n)
	}
	return err
}

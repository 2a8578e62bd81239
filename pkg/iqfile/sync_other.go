//go:build !linux

package iqfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errNoRange = errors.New("range write-back not supported")

func syncFileRange(fd int, off, n int64) error { return errNoRange }

func rangeUnsupported(err error) bool { return errors.Is(err, errNoRange) }

func datasync(fd int) error { return unix.Fsync(fd) }

func reserve(fd int, off, n int64) error {
	if n <= 0 {
		return nil
	}
	return unix.Ftruncate(fd, off+n)
}

// Package iqfile manages the raw capture output: creation and optional
// preallocation, append-only writes through a sliding shared mapping,
// range-scoped write-back and final trimming.
package iqfile

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// DefaultWindow is the size of one mapped extent of the output file.
const DefaultWindow = 256 << 20

// ErrFault wraps a memory fault taken while copying into the mapping, such
// as SIGBUS after the backing store ran out of space.
var ErrFault = errors.New("iqfile: fault writing mapping")

type Options struct {
	// Window is the mapped extent size, rounded up to a page. Zero selects
	// DefaultWindow.
	Window int64
}

func (o Options) window() int64 {
	w := o.Window
	if w <= 0 {
		w = DefaultWindow
	}
	return alignUp(w, int64(unix.Getpagesize()))
}

func alignUp(v, a int64) int64 {
	return (v + a - 1) / a * a
}

// PageFloor rounds off down to a page boundary.
func PageFloor(off int64) int64 {
	p := int64(unix.Getpagesize())
	return off / p * p
}

// Probe is the outcome of the preallocation zero-fill pass.
type Probe struct {
	Bytes   int64
	Elapsed time.Duration
}

// Rate is the measured write speed in bytes per second.
func (p Probe) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / p.Elapsed.Seconds()
}

// Allocate creates or truncates path. With preallocate set the file is
// reserved at its final size and zero-filled through a mapping, which both
// commits the blocks and measures how fast the disk takes writes.
func Allocate(path string, size int64, preallocate bool) (Probe, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return Probe{}, fmt.Errorf("create output %s: %w", path, err)
	}
	defer f.Close()
	if !preallocate || size <= 0 {
		return Probe{}, nil
	}

	glog.Infof("Preallocating output file (%.1f MB)", float64(size)/1e6)
	fd := int(f.Fd())
	if err := reserve(fd, 0, size); err != nil {
		return Probe{}, fmt.Errorf("preallocate %s: %w", path, err)
	}

	start := time.Now()
	window := Options{}.window()
	for off := int64(0); off < size; off += window {
		n := min(window, size-off)
		m, err := unix.Mmap(fd, off, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return Probe{}, fmt.Errorf("mmap: %w", err)
		}
		if err := zeroFill(m); err != nil {
			unix.Munmap(m)
			return Probe{}, err
		}
		err = unix.Msync(m, unix.MS_SYNC)
		unix.Munmap(m)
		if err != nil {
			return Probe{}, fmt.Errorf("msync: %w", err)
		}
	}
	p := Probe{Bytes: size, Elapsed: time.Since(start)}
	glog.Infof("Done! Write speed is %.1f MB/s", p.Rate()/1e6)
	return p, nil
}

func zeroFill(m []byte) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFault, r)
		}
	}()
	clear(m)
	return nil
}

// File is an append-only output file written through a window of shared
// mapping that slides forward with the cursor. It is owned by a single
// goroutine.
type File struct {
	f      *os.File
	fd     int
	window int64
	size   int64

	mapOff int64
	mapped []byte
	cursor int64
}

// Open opens an output file created by Allocate for appending from offset 0.
func Open(path string, opts Options) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, fd: int(f.Fd()), window: opts.window(), size: st.Size()}, nil
}

// Cursor is the number of bytes appended so far.
func (w *File) Cursor() int64 { return w.cursor }

// Size is the current length of the file on disk.
func (w *File) Size() int64 { return w.size }

// Append copies b at the cursor, growing the file by whole windows when
// needed and remapping as the cursor crosses a window boundary. A fault
// while touching the mapping is returned as ErrFault instead of crashing.
func (w *File) Append(b []byte) (err error) {
	if end := w.cursor + int64(len(b)); end > w.size {
		if err := w.grow(end); err != nil {
			return err
		}
	}
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w at offset %d: %v", ErrFault, w.cursor, r)
		}
	}()
	for len(b) > 0 {
		if err := w.mapAt(w.cursor); err != nil {
			return err
		}
		n := copy(w.mapped[w.cursor-w.mapOff:], b)
		b = b[n:]
		w.cursor += int64(n)
	}
	return nil
}

func (w *File) grow(end int64) error {
	size := alignUp(end, w.window)
	if err := reserve(w.fd, w.size, size-w.size); err != nil {
		return fmt.Errorf("extend output to %d bytes: %w", size, err)
	}
	glog.V(2).Infof("output grown to %d bytes", size)
	w.size = size
	return nil
}

func (w *File) mapAt(pos int64) error {
	if w.mapped != nil && pos >= w.mapOff && pos < w.mapOff+int64(len(w.mapped)) {
		return nil
	}
	if err := w.unmap(); err != nil {
		return err
	}
	off := pos / w.window * w.window
	n := min(w.window, w.size-off)
	m, err := unix.Mmap(w.fd, off, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap output [%d,+%d): %w", off, n, err)
	}
	_ = unix.Madvise(m, unix.MADV_SEQUENTIAL)
	w.mapOff, w.mapped = off, m
	return nil
}

func (w *File) unmap() error {
	if w.mapped == nil {
		return nil
	}
	// Schedule write-back of the window being retired without waiting.
	serr := unix.Msync(w.mapped, unix.MS_ASYNC)
	uerr := unix.Munmap(w.mapped)
	w.mapped = nil
	if serr != nil {
		return fmt.Errorf("msync: %w", serr)
	}
	if uerr != nil {
		return fmt.Errorf("munmap: %w", uerr)
	}
	return nil
}

// Close synchronously flushes the current window, unmaps it and closes the
// descriptor. The file keeps its allocated length; see Finalize.
func (w *File) Close() error {
	var err error
	if w.mapped != nil {
		if e := unix.Msync(w.mapped, unix.MS_SYNC); e != nil {
			err = fmt.Errorf("msync: %w", e)
		}
		if e := unix.Munmap(w.mapped); e != nil && err == nil {
			err = fmt.Errorf("munmap: %w", e)
		}
		w.mapped = nil
	}
	if w.f != nil {
		if e := w.f.Close(); e != nil && err == nil {
			err = e
		}
		w.f = nil
	}
	return err
}

// Finalize trims path to length bytes and forces everything to stable
// storage.
func Finalize(path string, length int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(length); err != nil {
		return fmt.Errorf("truncate to %d: %w", length, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

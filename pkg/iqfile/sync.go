package iqfile

import (
	"fmt"
	"os"
)

// Syncer forces write-back of byte ranges of the output file. It uses its
// own descriptor so it can run beside the writer in another process.
type Syncer struct {
	f        *os.File
	fallback bool
}

func OpenSyncer(path string) (*Syncer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open output for write-back: %w", err)
	}
	return &Syncer{f: f}, nil
}

// SyncRange writes back [off, off+n) and waits for it to reach the device.
// Where range-scoped write-back is unsupported it syncs the whole file's
// data instead.
func (s *Syncer) SyncRange(off, n int64) error {
	if n <= 0 {
		return nil
	}
	if !s.fallback {
		err := syncFileRange(int(s.f.Fd()), off, n)
		if err == nil {
			return nil
		}
		if !rangeUnsupported(err) {
			return fmt.Errorf("sync_file_range [%d,+%d): %w", off, n, err)
		}
		s.fallback = true
	}
	if err := datasync(int(s.f.Fd())); err != nil {
		return fmt.Errorf("fdatasync: %w", err)
	}
	return nil
}

// Fallback reports whether SyncRange degraded to whole-file syncs.
func (s *Syncer) Fallback() bool { return s.fallback }

func (s *Syncer) Close() error { return s.f.Close() }

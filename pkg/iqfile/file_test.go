package iqfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func pattern(n, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + seed)
	}
	return b
}

func TestAppendAcrossWindows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.iq")
	if _, err := Allocate(path, 0, false); err != nil {
		t.Fatal(err)
	}
	page := unix.Getpagesize()
	f, err := Open(path, Options{Window: int64(2 * page)})
	if err != nil {
		t.Fatal(err)
	}

	// 3000-byte buffers do not divide the window, so some straddle it.
	var want []byte
	for i := 0; i < 10; i++ {
		b := pattern(3000, i)
		if err := f.Append(b); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		want = append(want, b...)
	}
	if f.Cursor() != int64(len(want)) {
		t.Fatalf("cursor %d, want %d", f.Cursor(), len(want))
	}
	if f.Size()%int64(2*page) != 0 || f.Size() < f.Cursor() {
		t.Errorf("size %d not grown in whole windows", f.Size())
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := Finalize(path, int64(len(want))); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("file contents differ (len %d vs %d)", len(got), len(want))
	}
}

func TestPreallocateProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.iq")
	const size = 1 << 20
	p, err := Allocate(path, size, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Bytes != size {
		t.Errorf("probe covered %d bytes", p.Bytes)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != size {
		t.Fatalf("preallocated size %d, want %d", st.Size(), size)
	}

	// A preallocated file is written in place and never grows.
	f, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Append(pattern(size, 3)); err != nil {
		t.Fatal(err)
	}
	if f.Size() != size {
		t.Errorf("size changed to %d", f.Size())
	}
	f.Close()
}

func TestFinalizeTrimsToCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.iq")
	if _, err := Allocate(path, 64<<10, true); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	f.Append(pattern(5000, 1))
	f.Close()
	if err := Finalize(path, f.Cursor()); err != nil {
		t.Fatal(err)
	}
	st, _ := os.Stat(path)
	if st.Size() != 5000 {
		t.Errorf("size %d after finalize, want 5000", st.Size())
	}
}

func TestSyncerRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.iq")
	if _, err := Allocate(path, 0, false); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	s, err := OpenSyncer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	f.Append(pattern(10000, 0))
	if err := s.SyncRange(0, f.Cursor()); err != nil {
		t.Fatalf("SyncRange: %v", err)
	}
	f.Append(pattern(7000, 1))
	last := PageFloor(10000)
	if err := s.SyncRange(last, f.Cursor()-last); err != nil {
		t.Fatalf("SyncRange: %v", err)
	}
	if err := s.SyncRange(f.Cursor(), 0); err != nil {
		t.Fatalf("empty range: %v", err)
	}
}

func TestPageFloor(t *testing.T) {
	p := int64(unix.Getpagesize())
	for _, c := range []struct{ in, want int64 }{{0, 0}, {p - 1, 0}, {p, p}, {3*p + 7, 3 * p}} {
		if got := PageFloor(c.in); got != c.want {
			t.Errorf("PageFloor(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

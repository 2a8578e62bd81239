package capture

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dma/sdrcap/pkg/iqfile"
	"github.com/dma/sdrcap/pkg/radio"
	"github.com/dma/sdrcap/pkg/sched"
	"github.com/dma/sdrcap/pkg/shm_ring"
)

func TestMain(m *testing.M) {
	// Process-mode sessions re-execute this binary once per stage.
	if IsStageProcess() {
		os.Exit(RunStageProcess())
	}
	os.Exit(m.Run())
}

const simArgs = "kind=sim,pattern=seq,paced=true"

// testConfig is a small paced session: 1 MS/s, 1000-sample sc16 buffers.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Mode = ModeThread
	cfg.OutputPath = filepath.Join(t.TempDir(), "capture.iq")
	cfg.DeviceArgs = simArgs
	cfg.SampleRate = 1e6
	cfg.CenterFreqHz = 100e6
	cfg.Format = radio.SC16
	cfg.BufferSamples = 1000
	cfg.Duration = 60 * time.Millisecond
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.StartupTimeout = 5 * time.Second
	other := sched.Class{Policy: sched.Other, CPU: -1}
	cfg.Scheduling = Scheduling{Producer: other, Writer: other, Flusher: other}
	return cfg
}

func newRing(t *testing.T, cfg Config) *shm_ring.Ring {
	t.Helper()
	r, err := shm_ring.CreateAnon(cfg.Slots, cfg.BufferBytes())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func startSim(t *testing.T, cfg Config, args string) radio.Source {
	t.Helper()
	src, err := radio.Open(args, cfg.Format, cfg.BufferSamples)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Configure(cfg.tuning()); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	return src
}

// expectedBuffers regenerates the first n buffers the simulator delivers.
func expectedBuffers(t *testing.T, cfg Config, args string, n int) [][]byte {
	t.Helper()
	src := startSim(t, cfg, args)
	defer src.Close()
	out := make([][]byte, n)
	for i := range out {
		b, err := src.Receive(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// checkOutput verifies that the file is a gap-free sequence of whole
// buffers in capture order, each identical to what the radio delivered.
// It returns the sequence numbers found.
func checkOutput(t *testing.T, cfg Config, args string, captured int) []uint64 {
	t.Helper()
	data, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	bb := cfg.BufferBytes()
	if len(data)%bb != 0 {
		t.Fatalf("output length %d is not a whole number of %d-byte buffers", len(data), bb)
	}
	want := expectedBuffers(t, cfg, args, captured)
	var seqs []uint64
	for off := 0; off < len(data); off += bb {
		chunk := data[off : off+bb]
		seq := binary.LittleEndian.Uint64(chunk)
		if len(seqs) > 0 && seq <= seqs[len(seqs)-1] {
			t.Fatalf("buffer at offset %d has sequence %d after %d", off, seq, seqs[len(seqs)-1])
		}
		if seq >= uint64(captured) {
			t.Fatalf("buffer at offset %d has sequence %d, only %d captured", off, seq, captured)
		}
		if !bytes.Equal(chunk, want[seq]) {
			t.Fatalf("buffer %d corrupted at offset %d", seq, off)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func TestSizingAt56MSps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputPath = "/tmp/x.iq"
	cfg.SampleRate = 56e6
	cfg.BufferSamples = 2000
	cfg.Duration = time.Second
	cfg.Format = radio.FC32
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := cfg.TargetBuffers(); got != 28000 {
		t.Errorf("TargetBuffers = %d, want 28000", got)
	}
	if got := cfg.FileSize(); got != 448000000 {
		t.Errorf("FileSize = %d, want 448000000", got)
	}
	if got := cfg.ByteRate(); got != 448e6 {
		t.Errorf("ByteRate = %v", got)
	}

	// A duration that is not a whole number of buffers rounds up.
	cfg.Duration = 1500 * time.Microsecond
	if got := cfg.TargetBuffers(); got != 42 {
		t.Errorf("TargetBuffers(1.5ms) = %d, want 42", got)
	}
}

func TestValidate(t *testing.T) {
	base := testConfig(t)
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"zero rate":       func(c *Config) { c.SampleRate = 0 },
		"no output":       func(c *Config) { c.OutputPath = "" },
		"one slot":        func(c *Config) { c.Slots = 1 },
		"zero duration":   func(c *Config) { c.Duration = 0 },
		"bad mode":        func(c *Config) { c.Mode = "fork" },
		"bad device args": func(c *Config) { c.DeviceArgs = "kind=sim,oops" },
		"writer above producer": func(c *Config) {
			c.Scheduling.Producer = sched.Class{Policy: sched.FIFO, Priority: 10, CPU: -1}
			c.Scheduling.Writer = sched.Class{Policy: sched.FIFO, Priority: 20, CPU: -1}
		},
		"shorter than a buffer": func(c *Config) { c.Duration = time.Nanosecond },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestStallDropsWholeBuffersOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Slots = 32
	cfg.ClaimTimeout = time.Millisecond
	args := "kind=sim,pattern=seq"

	ring := newRing(t, cfg)
	src := startSim(t, cfg, args)
	defer src.Close()
	if _, err := iqfile.Allocate(cfg.OutputPath, 0, false); err != nil {
		t.Fatal(err)
	}
	out, err := iqfile.Open(cfg.OutputPath, iqfile.Options{})
	if err != nil {
		t.Fatal(err)
	}
	p := NewProducer(ring, src, cfg)
	w := NewWriter(ring, out, cfg)

	// Writer stalled: the first 32 buffers fill the ring, the next 18 drop.
	for i := 0; i < 50; i++ {
		if err := p.step(); err != nil {
			t.Fatal(err)
		}
	}
	c := ring.Counters()
	if c.Captured != 50 || c.Dropped != 18 {
		t.Fatalf("after stall: captured %d dropped %d, want 50 and 18", c.Captured, c.Dropped)
	}
	if ring.InFlight() != 32 {
		t.Fatalf("in flight %d, want 32", ring.InFlight())
	}

	// Stall clears.
	for i := 0; i < 32; i++ {
		if _, err := w.step(); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		if err := p.step(); err != nil {
			t.Fatal(err)
		}
		if _, err := w.step(); err != nil {
			t.Fatal(err)
		}
	}
	ring.RequestStop(shm_ring.StageWriter)
	if more, err := w.step(); more || err != nil {
		t.Fatalf("step after stop = (%v, %v)", more, err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	c = ring.Counters()
	if c.Dropped != 18 || c.Written != 42 {
		t.Fatalf("final: dropped %d written %d", c.Dropped, c.Written)
	}
	if err := iqfile.Finalize(cfg.OutputPath, int64(c.Bytes)); err != nil {
		t.Fatal(err)
	}

	seqs := checkOutput(t, cfg, args, 60)
	for i, s := range seqs {
		want := uint64(i)
		if i >= 32 {
			want = uint64(i + 18)
		}
		if s != want {
			t.Fatalf("position %d holds buffer %d, want %d", i, s, want)
		}
	}
}

func TestWriterDrainsQueuedBuffersOnStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Slots = 32
	args := "kind=sim,pattern=seq"

	ring := newRing(t, cfg)
	src := startSim(t, cfg, args)
	defer src.Close()
	if _, err := iqfile.Allocate(cfg.OutputPath, 0, false); err != nil {
		t.Fatal(err)
	}
	out, err := iqfile.Open(cfg.OutputPath, iqfile.Options{})
	if err != nil {
		t.Fatal(err)
	}
	p := NewProducer(ring, src, cfg)
	for i := 0; i < 20; i++ {
		if err := p.step(); err != nil {
			t.Fatal(err)
		}
	}
	if got := ring.Pending(); got != 20 {
		t.Fatalf("pending %d before stop, want 20", got)
	}

	// Stop lands while the whole backlog is still queued.
	ring.RequestStop(shm_ring.StageWriter)
	if err := NewWriter(ring, out, cfg).Run(); err != nil {
		t.Fatalf("writer: %v", err)
	}

	c := ring.Counters()
	if c.Written != 20 || c.Pending != 0 || c.InFlight != 0 {
		t.Fatalf("after drain: written %d pending %d in flight %d", c.Written, c.Pending, c.InFlight)
	}
	if c.Bytes != uint64(20*cfg.BufferBytes()) {
		t.Errorf("bytes %d, want %d", c.Bytes, 20*cfg.BufferBytes())
	}
	if err := iqfile.Finalize(cfg.OutputPath, int64(c.Bytes)); err != nil {
		t.Fatal(err)
	}
	for i, seq := range checkOutput(t, cfg, args, 20) {
		if seq != uint64(i) {
			t.Fatalf("position %d holds buffer %d", i, seq)
		}
	}
}

func checkByteLaw(t *testing.T, cfg Config, rep *Report) {
	t.Helper()
	c := rep.Stats
	want := (c.Captured - c.Dropped) * uint64(cfg.BufferBytes())
	if c.Bytes != want {
		t.Errorf("bytes written %d, want (%d-%d)*%d = %d", c.Bytes, c.Captured, c.Dropped, cfg.BufferBytes(), want)
	}
	if c.Written != c.Captured-c.Dropped {
		t.Errorf("buffers written %d, want %d", c.Written, c.Captured-c.Dropped)
	}
	if c.Pending != 0 || c.InFlight != 0 {
		t.Errorf("not drained: %d pending, %d in flight", c.Pending, c.InFlight)
	}
	st, err := os.Stat(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(st.Size()) != c.Bytes {
		t.Errorf("file size %d, bytes written %d", st.Size(), c.Bytes)
	}
}

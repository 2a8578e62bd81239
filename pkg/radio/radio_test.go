package radio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestParseArgs(t *testing.T) {
	a, err := ParseArgs("kind=dev, path=/dev/xdma0_c2h_0,num_recv_frames=1024")
	if err != nil {
		t.Fatal(err)
	}
	if a["kind"] != "dev" || a["path"] != "/dev/xdma0_c2h_0" || a["num_recv_frames"] != "1024" {
		t.Errorf("unexpected args %v", a)
	}

	a, err = ParseArgs("kind=exec,cmd=rx_tool -f {freq},{rate} -")
	if err != nil {
		t.Fatal(err)
	}
	if a["cmd"] != "rx_tool -f {freq},{rate} -" {
		t.Errorf("cmd = %q", a["cmd"])
	}

	a, err = ParseArgs("")
	if err != nil || a["kind"] != "sim" {
		t.Errorf("empty args = %v, %v", a, err)
	}

	if _, err := ParseArgs("kind=sim,bogus"); err == nil {
		t.Error("expected error for argument without '='")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"fc32": FC32, "SC16": SC16, "complex64": FC32} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("cu8"); err == nil {
		t.Error("expected error for cu8")
	}
	if FC32.BytesPerSample() != 8 || SC16.BytesPerSample() != 4 {
		t.Error("bytes per sample mismatch")
	}
}

func openSim(t *testing.T, args string, f Format, n int) *Simulator {
	t.Helper()
	src, err := Open(args, f, n)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", args, err)
	}
	if err := src.Configure(Tuning{CenterFreqHz: 1e9, SampleRate: 25e6, GainDB: -1}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return src.(*Simulator)
}

func TestSimulatorIsDeterministic(t *testing.T) {
	a := openSim(t, "kind=sim,seed=7", SC16, 2000)
	b := openSim(t, "kind=sim,seed=7", SC16, 2000)
	for i := 0; i < 5; i++ {
		x, err := a.Receive(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		y, _ := b.Receive(time.Second)
		if len(x) != 2000*4 {
			t.Fatalf("buffer length %d", len(x))
		}
		if !bytes.Equal(x, y) {
			t.Fatalf("buffer %d differs between identical simulators", i)
		}
	}
}

func TestSimulatorSequencePattern(t *testing.T) {
	s := openSim(t, "kind=sim,pattern=seq", FC32, 100)
	for i := uint64(0); i < 3; i++ {
		buf, err := s.Receive(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if got := binary.LittleEndian.Uint64(buf); got != i {
			t.Errorf("buffer %d stamped %d", i, got)
		}
	}
}

func TestSimulatorFailAfter(t *testing.T) {
	s := openSim(t, "kind=sim,fail_after=2", FC32, 10)
	for i := 0; i < 2; i++ {
		if _, err := s.Receive(time.Second); err != nil {
			t.Fatalf("buffer %d: %v", i, err)
		}
	}
	if _, err := s.Receive(time.Second); err == nil {
		t.Fatal("expected injected fault")
	}
}

func TestSimulatorPacedTimeout(t *testing.T) {
	// 1M samples at 25 MS/s is a 40ms buffer; a 1ms timeout cannot be met.
	s := openSim(t, "kind=sim,paced=true", SC16, 1000000)
	if _, err := s.Receive(time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSimulatorDefaultToneFollowsRate(t *testing.T) {
	for _, rate := range []float64{250e3, 1e6, 2e6, 56e6} {
		src, err := Open("kind=sim", SC16, 1000)
		if err != nil {
			t.Fatal(err)
		}
		if err := src.Configure(Tuning{CenterFreqHz: 100e6, SampleRate: rate, GainDB: -1}); err != nil {
			t.Errorf("default simulator at %v S/s: %v", rate, err)
		}
	}

	src, err := Open("kind=sim,tone=6e5", SC16, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Configure(Tuning{SampleRate: 1e6}); err == nil {
		t.Error("a 600 kHz tone at 1 MS/s should be rejected")
	}
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	if _, err := Open("kind=uhd", FC32, 2000); err == nil {
		t.Fatal("expected error")
	}
}

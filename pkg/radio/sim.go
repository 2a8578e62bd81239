package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/glog"
)

const (
	tableBits = 12
	tableSize = 1 << tableBits
)

// Simulator is a synthetic receiver producing a complex tone with a
// triangular dither, using an integer phase accumulator (DDS).
//
// Arguments: tone (Hz offset from center, default an eighth of the sample
// rate), amplitude (fraction
// of full scale, default 0.7), seed, paced (deliver at the real sample rate,
// default false), pattern=seq (first 8 bytes of every buffer carry its
// sequence number), fail_after (return an error after that many buffers).
type Simulator struct {
	format  Format
	samples int
	buf     []byte

	tone      float64
	toneSet   bool
	amplitude float64
	seed      int64
	paced     bool
	seqStamp  bool
	failAfter int64

	rate       float64
	tuningWord uint32
	phaseAcc   uint32
	rng        *rand.Rand
	cos, sin   [tableSize]float64

	started bool
	start   time.Time
	count   int64
}

func NewSimulator(a Args, format Format, bufferSamples int) (*Simulator, error) {
	s := &Simulator{
		format:  format,
		samples: bufferSamples,
		buf:     make([]byte, bufferSamples*format.BytesPerSample()),
	}
	var err error
	if _, s.toneSet = a["tone"]; s.toneSet {
		if s.tone, err = a.Float("tone", 0); err != nil {
			return nil, err
		}
	}
	if s.amplitude, err = a.Float("amplitude", 0.7); err != nil {
		return nil, err
	}
	if s.amplitude < 0 || s.amplitude > 1 {
		return nil, fmt.Errorf("amplitude %v out of range [0,1]", s.amplitude)
	}
	if s.seed, err = a.Int("seed", 1); err != nil {
		return nil, err
	}
	if s.paced, err = a.Bool("paced", false); err != nil {
		return nil, err
	}
	if s.failAfter, err = a.Int("fail_after", -1); err != nil {
		return nil, err
	}
	switch p := a.String("pattern", "tone"); p {
	case "tone":
	case "seq":
		s.seqStamp = true
	default:
		return nil, fmt.Errorf("unknown simulator pattern %q", p)
	}
	for i := 0; i < tableSize; i++ {
		rads := 2 * math.Pi * float64(i) / tableSize
		s.cos[i] = math.Cos(rads)
		s.sin[i] = math.Sin(rads)
	}
	s.rng = rand.New(rand.NewSource(s.seed))
	return s, nil
}

func (s *Simulator) Configure(t Tuning) error {
	if t.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %v", t.SampleRate)
	}
	if !s.toneSet {
		s.tone = t.SampleRate / 8
	}
	if math.Abs(s.tone) >= t.SampleRate/2 {
		return fmt.Errorf("tone offset %v Hz outside the %v Hz band", s.tone, t.SampleRate)
	}
	s.rate = t.SampleRate
	// Tuning Word = (Target / SampleRate) * 2^32
	s.tuningWord = uint32(int64(s.tone / t.SampleRate * 4294967296.0))
	glog.V(1).Infof("[SIM] tuned to %.3f MHz, tone %+.3f kHz, %s", t.CenterFreqHz/1e6, s.tone/1e3, s.format)
	return nil
}

func (s *Simulator) Start() error {
	if s.rate == 0 {
		return errors.New("simulator not configured")
	}
	s.started = true
	s.start = time.Now()
	return nil
}

func (s *Simulator) Receive(timeout time.Duration) ([]byte, error) {
	if !s.started {
		return nil, errors.New("simulator not streaming")
	}
	if s.failAfter >= 0 && s.count >= s.failAfter {
		return nil, fmt.Errorf("simulated receiver fault after %d buffers", s.count)
	}
	if s.paced {
		due := s.start.Add(time.Duration(float64(s.count+1) * float64(s.samples) / s.rate * float64(time.Second)))
		wait := time.Until(due)
		if wait > timeout {
			time.Sleep(timeout)
			return nil, ErrTimeout
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	s.fill()
	if s.seqStamp {
		binary.LittleEndian.PutUint64(s.buf, uint64(s.count))
	}
	s.count++
	return s.buf, nil
}

func (s *Simulator) fill() {
	bps := s.format.BytesPerSample()
	for i := 0; i < s.samples; i++ {
		idx := s.phaseAcc >> (32 - tableBits)
		// Triangular dither of about one LSB.
		dither := (s.rng.Float64() - s.rng.Float64()) / 32768.0
		valI := s.amplitude*s.cos[idx] + dither
		valQ := s.amplitude*s.sin[idx] + dither
		off := i * bps
		if s.format == SC16 {
			binary.LittleEndian.PutUint16(s.buf[off:], uint16(toInt16(valI)))
			binary.LittleEndian.PutUint16(s.buf[off+2:], uint16(toInt16(valQ)))
		} else {
			binary.LittleEndian.PutUint32(s.buf[off:], math.Float32bits(float32(valI)))
			binary.LittleEndian.PutUint32(s.buf[off+4:], math.Float32bits(float32(valQ)))
		}
		s.phaseAcc += s.tuningWord
	}
}

func toInt16(v float64) int16 {
	v *= math.MaxInt16
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	if v < math.MinInt16 {
		v = math.MinInt16
	}
	return int16(v)
}

func (s *Simulator) Stop() error {
	s.started = false
	return nil
}

func (s *Simulator) Close() error { return nil }

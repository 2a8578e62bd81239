// Package capture runs a capture session: a real-time producer pulling
// buffers from the radio into a shared slot ring, a real-time writer
// persisting them in order into a mapped output file, and a normal-priority
// write-back scheduler forcing incremental flushes, all orchestrated by a
// Session.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dma/sdrcap/pkg/radio"
	"github.com/dma/sdrcap/pkg/sched"
)

// Launch modes.
const (
	ModeProcess = "process"
	ModeThread  = "thread"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid capture config")

// Scheduling assigns a class to each stage. The producer must rank above
// the writer when both are real-time.
type Scheduling struct {
	Producer   sched.Class `json:"producer"`
	Writer     sched.Class `json:"writer"`
	Flusher    sched.Class `json:"flusher"`
	LockMemory bool        `json:"lock_memory"`
}

// For returns the class of the named stage.
func (s Scheduling) For(stage string) sched.Class {
	switch stage {
	case StageProducer:
		return s.Producer
	case StageWriter:
		return s.Writer
	}
	return s.Flusher
}

// Config is everything a session needs. It is validated once and not
// modified afterwards.
type Config struct {
	CenterFreqHz float64       `json:"center_freq_hz"`
	SampleRate   float64       `json:"sample_rate"`
	Duration     time.Duration `json:"duration"`
	OutputPath   string        `json:"output"`
	DeviceArgs   string        `json:"device_args"`
	Preallocate  bool          `json:"preallocate"`

	Format         radio.Format  `json:"format"`
	BufferSamples  int           `json:"buffer_samples"`
	Slots          int           `json:"slots"`
	GainDB         float64       `json:"gain_db"` // negative selects AGC
	Antenna        string        `json:"antenna,omitempty"`
	ReceiveTimeout time.Duration `json:"receive_timeout"`
	ClaimTimeout   time.Duration `json:"claim_timeout"`
	FlushInterval  time.Duration `json:"flush_interval"`
	Grace          time.Duration `json:"grace"`
	StartupTimeout time.Duration `json:"startup_timeout"`
	Window         int64         `json:"window_bytes"`
	Scheduling     Scheduling    `json:"scheduling"`
	FlushLogPath   string        `json:"flush_log,omitempty"`
	Mode           string        `json:"mode"`
}

func DefaultConfig() Config {
	return Config{
		CenterFreqHz:   1.0e9,
		SampleRate:     56e6,
		Duration:       300 * time.Second,
		Format:         radio.FC32,
		BufferSamples:  2000,
		Slots:          32,
		GainDB:         -1,
		ReceiveTimeout: 500 * time.Millisecond,
		ClaimTimeout:   100 * time.Millisecond,
		FlushInterval:  time.Second,
		Grace:          2 * time.Second,
		StartupTimeout: 15 * time.Second,
		Scheduling: Scheduling{
			Producer: sched.Class{Policy: sched.RR, Priority: 99, CPU: -1},
			Writer:   sched.Class{Policy: sched.RR, Priority: 10, CPU: -1},
			Flusher:  sched.Class{Policy: sched.Other, Priority: 0, CPU: -1},
		},
		Mode: ModeProcess,
	}
}

// LoadConfig reads a JSON config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return invalid("sample rate must be positive, got %v", c.SampleRate)
	case c.CenterFreqHz < 0:
		return invalid("center frequency must not be negative, got %v", c.CenterFreqHz)
	case c.Duration <= 0:
		return invalid("duration must be positive, got %v", c.Duration)
	case c.OutputPath == "":
		return invalid("no output path")
	case c.BufferSamples <= 0:
		return invalid("buffer length must be positive, got %d", c.BufferSamples)
	case c.Slots < 2 || c.Slots > 1<<16:
		return invalid("slot count %d out of range 2-65536", c.Slots)
	case c.Format != radio.FC32 && c.Format != radio.SC16:
		return invalid("unknown sample format %v", c.Format)
	case c.ReceiveTimeout <= 0 || c.ClaimTimeout <= 0 || c.FlushInterval <= 0 || c.StartupTimeout <= 0:
		return invalid("timeouts and the flush interval must be positive")
	case c.Grace < 0 || c.Window < 0:
		return invalid("grace and window must not be negative")
	case c.Mode != ModeProcess && c.Mode != ModeThread:
		return invalid("mode must be %q or %q, got %q", ModeProcess, ModeThread, c.Mode)
	}
	for _, st := range stages {
		if err := c.Scheduling.For(st.name).Validate(); err != nil {
			return invalid("%s scheduling: %v", st.name, err)
		}
	}
	p, w := c.Scheduling.Producer, c.Scheduling.Writer
	if p.Policy.RealTime() && w.Policy.RealTime() && p.Priority <= w.Priority {
		return invalid("producer priority %d must be above writer priority %d", p.Priority, w.Priority)
	}
	if _, err := radio.ParseArgs(c.DeviceArgs); err != nil {
		return invalid("%v", err)
	}
	if c.TargetBuffers() == 0 {
		return invalid("duration %v at %v S/s is shorter than one buffer", c.Duration, c.SampleRate)
	}
	return nil
}

// BufferBytes is the size of one sample buffer.
func (c Config) BufferBytes() int {
	return c.BufferSamples * c.Format.BytesPerSample()
}

// TargetBuffers is the number of whole buffers covering the requested
// duration, rounded up.
func (c Config) TargetBuffers() uint64 {
	samples := uint64(c.SampleRate * c.Duration.Seconds())
	bs := uint64(c.BufferSamples)
	return (samples + bs - 1) / bs
}

// FileSize is the final output size of a complete session without drops.
func (c Config) FileSize() int64 {
	return int64(c.TargetBuffers()) * int64(c.BufferBytes())
}

// ByteRate is the sustained write rate the session requires.
func (c Config) ByteRate() float64 {
	return c.SampleRate * float64(c.Format.BytesPerSample())
}

// Deadline bounds the producer's wall-clock run time.
func (c Config) Deadline() time.Duration {
	return c.Duration + c.Grace
}

// BufferDuration is the span of signal one buffer holds.
func (c Config) BufferDuration() time.Duration {
	return time.Duration(float64(c.BufferSamples) / c.SampleRate * float64(time.Second))
}

func (c Config) tuning() radio.Tuning {
	return radio.Tuning{CenterFreqHz: c.CenterFreqHz, SampleRate: c.SampleRate, GainDB: c.GainDB, Antenna: c.Antenna}
}

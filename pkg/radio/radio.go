// Package radio is the boundary to the receiver front-end. A Source hands
// out fixed-size buffers of raw interleaved I/Q samples, already in the
// session's wire format, in capture order.
package radio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout is returned by Receive when no full buffer arrived in time.
var ErrTimeout = errors.New("radio: receive timeout")

// Format is the on-the-wire and on-disk sample format.
type Format int

const (
	// FC32 is two little-endian float32 per sample (8 bytes).
	FC32 Format = iota
	// SC16 is two little-endian int16 per sample (4 bytes).
	SC16
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fc32", "complex64", "cf32":
		return FC32, nil
	case "sc16", "int16", "ci16":
		return SC16, nil
	}
	return 0, fmt.Errorf("unknown sample format %q (want fc32 or sc16)", s)
}

func (f Format) String() string {
	switch f {
	case FC32:
		return "fc32"
	case SC16:
		return "sc16"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// BytesPerSample is the size of one complex sample.
func (f Format) BytesPerSample() int {
	if f == SC16 {
		return 4
	}
	return 8
}

func (f Format) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Format) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Tuning is what Configure applies to the front-end.
type Tuning struct {
	CenterFreqHz float64
	SampleRate   float64
	GainDB       float64 // negative selects AGC
	Antenna      string
}

// Source is an open receiver.
type Source interface {
	Configure(t Tuning) error
	Start() error
	// Receive returns the next buffer. The slice is owned by the Source and
	// is only valid until the next call.
	Receive(timeout time.Duration) ([]byte, error)
	Stop() error
	Close() error
}

// Args are comma separated key=value device arguments, e.g.
// "kind=dev,path=/dev/xdma0_c2h_0". A "cmd" key swallows the rest of the
// string so command lines may contain commas.
type Args map[string]string

func ParseArgs(s string) (Args, error) {
	a := Args{}
	s = strings.TrimSpace(s)
	for s != "" {
		var part string
		if strings.HasPrefix(s, "cmd=") {
			part, s = s, ""
		} else if i := strings.IndexByte(s, ','); i >= 0 {
			part, s = s[:i], s[i+1:]
		} else {
			part, s = s, ""
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("device argument %q is not key=value", part)
		}
		a[strings.TrimSpace(k)] = strings.TrimSpace(v)
		s = strings.TrimSpace(s)
	}
	if a["kind"] == "" {
		a["kind"] = "sim"
	}
	return a, nil
}

func (a Args) String(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}

func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("device argument %s: %w", key, err)
	}
	return f, nil
}

func (a Args) Int(key string, def int64) (int64, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("device argument %s: %w", key, err)
	}
	return n, nil
}

func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("device argument %s: %w", key, err)
	}
	return b, nil
}

// Open opens the receiver described by args. Buffers are bufferSamples
// samples long in the given format.
func Open(args string, format Format, bufferSamples int) (Source, error) {
	if bufferSamples <= 0 {
		return nil, fmt.Errorf("invalid buffer length %d", bufferSamples)
	}
	a, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}
	switch a["kind"] {
	case "sim":
		return NewSimulator(a, format, bufferSamples)
	case "dev", "fifo":
		return openDevice(a, format, bufferSamples)
	case "exec":
		return openCommand(a, format, bufferSamples)
	}
	return nil, fmt.Errorf("%q is not a supported radio kind, pick one of: sim, dev, exec", a["kind"])
}

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/dma/sdrcap/pkg/capture"
)

// siFlag is a float flag accepting SI suffixes, e.g. 56M or 2.4G.
type siFlag float64

func (s *siFlag) String() string {
	return strconv.FormatFloat(float64(*s), 'g', -1, 64)
}

func (s *siFlag) Set(value string) error {
	value = strings.TrimSpace(value)
	multiplier := 1.0

	switch {
	case strings.HasSuffix(value, "G"):
		multiplier = 1e9
		value = strings.TrimSuffix(value, "G")
	case strings.HasSuffix(value, "M"):
		multiplier = 1e6
		value = strings.TrimSuffix(value, "M")
	case strings.HasSuffix(value, "k"), strings.HasSuffix(value, "K"):
		multiplier = 1e3
		value = value[:len(value)-1]
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %s", value)
	}
	*s = siFlag(val * multiplier)
	return nil
}

// durationFlag accepts plain seconds ("300", "0.5") or a Go duration
// ("5m", "1h30m").
type durationFlag time.Duration

func (d *durationFlag) String() string {
	return time.Duration(*d).String()
}

func (d *durationFlag) Set(value string) error {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		*d = durationFlag(time.Duration(secs * float64(time.Second)))
		return nil
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %s", value)
	}
	*d = durationFlag(v)
	return nil
}

// options are the flags that are not part of the capture config.
type options struct {
	configFile    string
	listen        string
	catalogDriver string
	catalogDSN    string
}

// registerFlags binds cfg and opts to fs.
func registerFlags(fs *flag.FlagSet, cfg *capture.Config, opts *options) {
	fs.Var((*siFlag)(&cfg.CenterFreqHz), "f", "Center frequency in Hz (e.g. 1.0e9, 2.4G)")
	fs.Var((*siFlag)(&cfg.SampleRate), "r", "Sample rate in samples/s (e.g. 56M)")
	fs.Var((*durationFlag)(&cfg.Duration), "d", "Capture duration (seconds or Go duration, e.g. 300, 5m)")
	fs.StringVar(&cfg.OutputPath, "o", cfg.OutputPath, "Output file (raw interleaved I/Q, no header)")
	fs.StringVar(&cfg.DeviceArgs, "args", cfg.DeviceArgs, "Device arguments, e.g. kind=dev,path=/dev/xdma0_c2h_0 or kind=exec,cmd=...")
	fs.BoolVar(&cfg.Preallocate, "p", cfg.Preallocate, "Preallocate the output file and measure disk write speed")

	fs.TextVar(&cfg.Format, "format", cfg.Format, "Sample format: fc32 (8 bytes/sample) or sc16 (4 bytes/sample)")
	fs.IntVar(&cfg.BufferSamples, "buffer", cfg.BufferSamples, "Samples per receive buffer")
	fs.IntVar(&cfg.Slots, "slots", cfg.Slots, "Ring buffer slots")
	fs.Float64Var(&cfg.GainDB, "gain", cfg.GainDB, "Receive gain in dB, negative for AGC")
	fs.StringVar(&cfg.Antenna, "antenna", cfg.Antenna, "Receive antenna")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Stage launch mode: process or thread")
	fs.Var((*durationFlag)(&cfg.FlushInterval), "flush-interval", "Write-back cadence")
	fs.Var((*durationFlag)(&cfg.ReceiveTimeout), "receive-timeout", "Radio receive timeout before a hardware error")
	fs.StringVar(&cfg.FlushLogPath, "flush-log", cfg.FlushLogPath, "Record every write-back to this parquet file")
	fs.TextVar(&cfg.Scheduling.Producer, "producer-sched", cfg.Scheduling.Producer, "Producer scheduling class policy:priority[@cpu]")
	fs.TextVar(&cfg.Scheduling.Writer, "writer-sched", cfg.Scheduling.Writer, "Writer scheduling class")
	fs.TextVar(&cfg.Scheduling.Flusher, "flusher-sched", cfg.Scheduling.Flusher, "Write-back scheduling class")
	fs.BoolVar(&cfg.Scheduling.LockMemory, "mlock", cfg.Scheduling.LockMemory, "Lock stage memory in RAM")

	fs.StringVar(&opts.configFile, "config", "", "JSON capture config; flags given explicitly override it")
	fs.StringVar(&opts.listen, "listen", "", "Serve capture status on this address, e.g. :8080")
	fs.StringVar(&opts.catalogDriver, "catalog-driver", "", "Session catalog driver (one of: sqlite3, mysql)")
	fs.StringVar(&opts.catalogDSN, "catalog-dsn", "/tmp/sdrcap.db", "Session catalog DSN (sqlite file path or mysql DSN)")
}

// applyConfigFile replaces cfg with the file's contents and re-applies the
// flags that were set explicitly on the command line.
func applyConfigFile(fs *flag.FlagSet, cfg *capture.Config, path string) error {
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	loaded, err := capture.LoadConfig(path)
	if err != nil {
		return err
	}
	*cfg = loaded
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("flag -%s: %w", name, err)
		}
	}
	return nil
}

func main() {
	// Stage processes are this binary re-executed by the session.
	if capture.IsStageProcess() {
		os.Exit(capture.RunStageProcess())
	}

	flag.Set("logtostderr", "true")
	flag.Set("v", "0")

	cfg := capture.DefaultConfig()
	cfg.OutputPath = "capture.iq"
	var opts options
	registerFlags(flag.CommandLine, &cfg, &opts)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  sdrcap -f 1.0e9 -r 56M -d 300 -o capture.iq [-p] [-args kind=dev,path=/dev/xdma0_c2h_0]")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}
	flag.Parse()
	defer glog.Flush()

	if opts.configFile != "" {
		if err := applyConfigFile(flag.CommandLine, &cfg, opts.configFile); err != nil {
			glog.Exitf("unable to load config %q: %s", opts.configFile, err)
		}
	}

	code := runCapture(cfg, opts)
	glog.Flush()
	os.Exit(code)
}

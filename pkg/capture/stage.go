package capture

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/golang/glog"

	"github.com/dma/sdrcap/pkg/flushlog"
	"github.com/dma/sdrcap/pkg/iqfile"
	"github.com/dma/sdrcap/pkg/sched"
	"github.com/dma/sdrcap/pkg/shm_ring"
)

// Stage names.
const (
	StageProducer = "producer"
	StageWriter   = "writer"
	StageFlusher  = "flusher"
)

// StageEnv carries the JSON StageSpec of a stage process.
const StageEnv = "SDRCAP_STAGE"

// stages in start order: consumers before the producer.
var stages = []struct {
	name string
	bit  uint32
}{
	{StageFlusher, shm_ring.StageFlusher},
	{StageWriter, shm_ring.StageWriter},
	{StageProducer, shm_ring.StageProducer},
}

func stageBit(name string) uint32 {
	for _, s := range stages {
		if s.name == name {
			return s.bit
		}
	}
	return 0
}

// StageSpec tells a stage process what to run and where the ring lives.
type StageSpec struct {
	Stage     string `json:"stage"`
	Session   string `json:"session"`
	Shm       string `json:"shm"`
	Verbosity int    `json:"v"`
	Config    Config `json:"config"`
}

// runStage is the body of one stage, in a process or on a locked thread.
// Fatal errors are recorded in the shared fault word before returning.
func runStage(spec StageSpec, ring *shm_ring.Ring) (err error) {
	bit := stageBit(spec.Stage)
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: StageError, Stage: spec.Stage, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			kind, reason := StageError, err.Error()
			var ce *Error
			if errors.As(err, &ce) {
				kind, reason = ce.Kind, ce.Err.Error()
			}
			if ring.SetFault(uint32(kind), bit, reason) {
				glog.Errorf("%v", err)
			}
		}
		ring.MarkDone(bit)
	}()
	if bit == 0 {
		return fmt.Errorf("unknown stage %q", spec.Stage)
	}

	cfg := spec.Config
	class := cfg.Scheduling.For(spec.Stage)
	if err := sched.Apply(class); err != nil {
		ring.AddSchedWarning()
		glog.Warningf("%v; continuing at best-effort priority", &Error{Kind: SchedulingError, Stage: spec.Stage, Err: err})
	} else {
		glog.V(1).Infof("[%s] scheduling class %s", spec.Stage, class)
	}
	if cfg.Scheduling.LockMemory {
		if err := sched.LockMemory(); err != nil {
			ring.AddSchedWarning()
			glog.Warningf("%v; locking the slot arena only", &Error{Kind: SchedulingError, Stage: spec.Stage, Err: err})
			if err := ring.Lock(); err != nil {
				glog.Warningf("[%s] mlock slot arena: %v", spec.Stage, err)
			}
		}
	}

	switch spec.Stage {
	case StageProducer:
		src, err := openSource(cfg)
		if err != nil {
			return err
		}
		defer src.Close()
		ring.Prefault()
		ring.SetReady(bit)
		return NewProducer(ring, src, cfg).Run()

	case StageWriter:
		out, err := iqfile.Open(cfg.OutputPath, iqfile.Options{Window: cfg.Window})
		if err != nil {
			return &Error{Kind: WriteError, Stage: StageWriter, Err: err}
		}
		ring.SetReady(bit)
		return NewWriter(ring, out, cfg).Run()

	default:
		syncer, err := iqfile.OpenSyncer(cfg.OutputPath)
		if err != nil {
			return &Error{Kind: WriteError, Stage: StageFlusher, Err: err}
		}
		defer syncer.Close()
		var ledger *flushlog.Writer
		if cfg.FlushLogPath != "" {
			if ledger, err = flushlog.Create(cfg.FlushLogPath, cfg); err != nil {
				glog.Warningf("flush log disabled: %v", err)
				ledger = nil
			} else {
				defer func() {
					if err := ledger.Close(); err != nil {
						glog.Warningf("flush log close: %v", err)
					}
				}()
			}
		}
		ring.SetReady(bit)
		return NewFlusher(ring, syncer, cfg, ledger).Run()
	}
}

// IsStageProcess reports whether this process was started as a stage.
func IsStageProcess() bool {
	_, ok := os.LookupEnv(StageEnv)
	return ok
}

// RunStageProcess is the entry point of a stage process. It returns the
// process exit code.
func RunStageProcess() int {
	var spec StageSpec
	if err := json.Unmarshal([]byte(os.Getenv(StageEnv)), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "bad %s: %v\n", StageEnv, err)
		return 2
	}
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(spec.Verbosity))
	defer glog.Flush()

	runtime.LockOSThread()
	if spec.Stage != StageFlusher {
		// The hot loops do not allocate once running.
		debug.SetGCPercent(-1)
	}

	ring, err := shm_ring.Open(spec.Shm)
	if err != nil {
		glog.Errorf("[%s] attach ring: %v", spec.Stage, err)
		return 1
	}
	defer ring.Close()

	glog.V(1).Infof("[%s] pid %d attached to %s", spec.Stage, os.Getpid(), spec.Shm)
	if err := runStage(spec, ring); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return 10 + int(ce.Kind)
		}
		return 1
	}
	return 0
}

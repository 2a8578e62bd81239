package capture

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/dma/sdrcap/pkg/iqfile"
	"github.com/dma/sdrcap/pkg/shm_ring"
)

// Session states.
const (
	StatusPending   = "pending"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusStopping  = "stopping"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Report is the outcome of a session.
type Report struct {
	Session     string            `json:"session"`
	Status      string            `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Output      string            `json:"output"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Target      uint64            `json:"target_buffers"`
	BufferBytes int               `json:"buffer_bytes"`
	Stats       shm_ring.Counters `json:"stats"`
	Probe       *iqfile.Probe     `json:"probe,omitempty"`
}

// Snapshot is a live view of a session.
type Snapshot struct {
	Session  string            `json:"session"`
	Status   string            `json:"status"`
	Elapsed  float64           `json:"elapsed_s"`
	Target   uint64            `json:"target_buffers"`
	Progress float64           `json:"progress"`
	Stats    shm_ring.Counters `json:"stats"`
}

// errStoppedEarly is an operator stop that arrived before Go was raised.
var errStoppedEarly = errors.New("stopped during startup")

// Session owns one capture from allocation to the final report.
type Session struct {
	id       string
	cfg      Config
	launcher Launcher

	stopOnce sync.Once
	stopCh   chan struct{}

	// allocated is only touched by the goroutine in Run.
	allocated bool

	mu      sync.Mutex
	status  string
	ring    *shm_ring.Ring
	started time.Time
	final   *Report
}

// NewSession validates cfg and prepares a session with a fresh id.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l, err := LauncherFor(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		launcher: l,
		stopCh:   make(chan struct{}),
		status:   StatusPending,
	}, nil
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Config() Config { return s.cfg }

// Stop asks a running session to finish early. The ordered shutdown still
// drains everything already captured.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) setStatus(st string) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Snapshot is safe to call from any goroutine.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Session: s.id, Status: s.status, Target: s.cfg.TargetBuffers()}
	switch {
	case s.final != nil:
		snap.Stats = s.final.Stats
		snap.Elapsed = s.final.End.Sub(s.final.Start).Seconds()
	case s.ring != nil:
		snap.Stats = s.ring.Counters()
		if !s.started.IsZero() {
			snap.Elapsed = time.Since(s.started).Seconds()
		}
	}
	if snap.Target > 0 {
		snap.Progress = float64(snap.Stats.Captured) / float64(snap.Target)
	}
	return snap
}

// Run executes the session. The returned error is nil for a completed
// session and an *Error (or startup error) for an aborted one; the report
// is returned either way once the output has been allocated.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	cfg := s.cfg
	rep := &Report{
		Session:     s.id,
		Output:      cfg.OutputPath,
		Target:      cfg.TargetBuffers(),
		BufferBytes: cfg.BufferBytes(),
		Start:       time.Now(),
	}
	s.setStatus(StatusStarting)

	size := int64(0)
	if cfg.Preallocate {
		size = cfg.FileSize()
	}
	probe, err := iqfile.Allocate(cfg.OutputPath, size, cfg.Preallocate)
	if err != nil {
		return s.finish(rep, nil, &Error{Kind: WriteError, Stage: "controller", Err: err})
	}
	s.allocated = true
	if cfg.Preallocate {
		rep.Probe = &probe
		if probe.Rate() < cfg.ByteRate() {
			glog.Errorf("Disk write speed not adequate for sample rate: %.1f MB/s, required %.1f MB/s", probe.Rate()/1e6, cfg.ByteRate()/1e6)
		}
	}

	ring, err := s.launcher.NewRing(s.id, cfg.Slots, cfg.BufferBytes())
	if err != nil {
		return s.finish(rep, nil, fmt.Errorf("allocate ring: %w", err))
	}
	s.mu.Lock()
	s.ring = ring
	s.mu.Unlock()

	glog.Infof("Session %s: %d buffers of %d samples (%s) at %.3f MS/s, %.3f MHz -> %s",
		s.id, rep.Target, cfg.BufferSamples, cfg.Format, cfg.SampleRate/1e6, cfg.CenterFreqHz/1e6, cfg.OutputPath)
	glog.V(1).Infof("Buffer span %v, ring slack %v over %d slots", cfg.BufferDuration(), time.Duration(cfg.Slots)*cfg.BufferDuration(), cfg.Slots)

	handles := make(map[string]*Handle, len(stages))
	verbosity := 0
	if f := flag.Lookup("v"); f != nil {
		verbosity, _ = strconv.Atoi(f.Value.String())
	}
	for _, st := range stages {
		spec := StageSpec{Stage: st.name, Session: s.id, Shm: ring.Name(), Verbosity: verbosity, Config: cfg}
		h, err := s.launcher.Launch(spec, ring)
		if err != nil {
			return s.finish(rep, handles, err)
		}
		handles[st.name] = h
	}

	if err := s.awaitReady(ring, handles); err != nil {
		if errors.Is(err, errStoppedEarly) {
			glog.Infof("Session %s stopped before streaming began", s.id)
			return s.finish(rep, handles, nil)
		}
		return s.finish(rep, handles, err)
	}

	ring.RaiseGo()
	s.mu.Lock()
	s.started = time.Now()
	s.status = StatusRunning
	s.mu.Unlock()
	rep.Start = s.started
	glog.Infof("Recording for %v (%d samples)", cfg.Duration, rep.Target*uint64(cfg.BufferSamples))

	return s.finish(rep, handles, s.await(ctx, ring, handles))
}

// awaitReady waits for every stage to report ready. A fault, an early exit
// or the startup timeout aborts before streaming begins.
func (s *Session) awaitReady(ring *shm_ring.Ring, handles map[string]*Handle) error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	for ring.ReadyMask() != shm_ring.AllStages {
		if err := faultError(ring); err != nil {
			return err
		}
		for _, h := range handles {
			select {
			case <-h.Done():
				if err := faultError(ring); err != nil {
					return err
				}
				return &Error{Kind: StageError, Stage: h.Stage, Err: fmt.Errorf("exited during startup: %v", h.Err())}
			default:
			}
		}
		select {
		case <-s.stopCh:
			return errStoppedEarly
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("stages not ready after %v (ready mask %03b)", s.cfg.StartupTimeout, ring.ReadyMask())
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// await blocks until the producer finishes on its own, a fatal fault is
// recorded, a stage dies, or an external stop arrives.
func (s *Session) await(ctx context.Context, ring *shm_ring.Ring, handles map[string]*Handle) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			glog.Infof("Recording interrupted after %v", time.Since(s.started).Round(time.Millisecond))
			return nil
		case <-s.stopCh:
			glog.Infof("Recording stopped after %v", time.Since(s.started).Round(time.Millisecond))
			return nil
		case <-handles[StageProducer].Done():
			if err := faultError(ring); err != nil {
				return err
			}
			return handles[StageProducer].Err()
		case <-tick.C:
			if err := faultError(ring); err != nil {
				return err
			}
			for _, st := range []string{StageWriter, StageFlusher} {
				select {
				case <-handles[st].Done():
					if err := faultError(ring); err != nil {
						return err
					}
					return &Error{Kind: StageError, Stage: st, Err: fmt.Errorf("exited early: %v", handles[st].Err())}
				default:
				}
			}
		}
	}
}

func faultError(ring *shm_ring.Ring) error {
	kind, stage, reason := ring.Fault()
	if kind == 0 {
		return nil
	}
	name := "unknown"
	for _, st := range stages {
		if st.bit == stage {
			name = st.name
		}
	}
	return &Error{Kind: Kind(kind), Stage: name, Err: errors.New(reason)}
}

// finish runs the ordered shutdown: producer, then writer (drain), then
// flusher; then trims and syncs the output and fills in the report.
func (s *Session) finish(rep *Report, handles map[string]*Handle, cause error) (*Report, error) {
	s.setStatus(StatusStopping)
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()

	stuck := false
	if ring != nil {
		wait := s.cfg.ReceiveTimeout + s.cfg.ClaimTimeout + 5*time.Second
		for _, st := range []struct {
			name string
			bit  uint32
		}{
			{StageProducer, shm_ring.StageProducer},
			{StageWriter, shm_ring.StageWriter},
			{StageFlusher, shm_ring.StageFlusher},
		} {
			ring.RequestStop(st.bit)
			h, ok := handles[st.name]
			if !ok {
				continue
			}
			if err := h.Wait(wait); err != nil {
				glog.V(1).Infof("%s exited: %v", st.name, err)
				select {
				case <-h.Done():
				default:
					stuck = true
				}
			}
		}
		if err := faultError(ring); err != nil && cause == nil {
			cause = err
		}
		rep.Stats = ring.Counters()
	}

	rep.End = time.Now()
	if s.allocated {
		// Trim to what was persisted and force it to stable storage.
		if err := iqfile.Finalize(s.cfg.OutputPath, int64(rep.Stats.Bytes)); err != nil {
			glog.Errorf("finalize output: %v", err)
			if cause == nil {
				cause = &Error{Kind: WriteError, Stage: "controller", Err: err}
			}
		}
	}
	if cause != nil {
		rep.Status = StatusAborted
		rep.Reason = cause.Error()
		if k := KindOf(cause); k != 0 {
			rep.ErrorKind = k.String()
		}
	} else {
		rep.Status = StatusCompleted
	}

	// Snapshot reads the ring under mu, so it must be detached before unmapping.
	s.mu.Lock()
	s.status = rep.Status
	s.final = rep
	s.ring = nil
	s.mu.Unlock()

	if ring != nil && !stuck {
		name := ring.Name()
		ring.Close()
		if name != "" {
			shm_ring.Remove(name)
		}
	}

	c := rep.Stats
	glog.Infof("Session %s %s: %d captured, %d dropped, %d written, %d bytes", s.id, rep.Status, c.Captured, c.Dropped, c.Written, c.Bytes)
	return rep, cause
}

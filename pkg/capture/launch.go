package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/golang/glog"

	"github.com/dma/sdrcap/pkg/shm_ring"
)

// Launcher starts one stage against a ring.
type Launcher interface {
	// NewRing allocates the ring in the form the launcher's stages can
	// attach to.
	NewRing(session string, slots, slotSize int) (*shm_ring.Ring, error)
	Launch(spec StageSpec, ring *shm_ring.Ring) (*Handle, error)
}

// Handle tracks a running stage.
type Handle struct {
	Stage string
	done  chan struct{}
	err   error
	kill  func() error
}

func newHandle(stage string, kill func() error) *Handle {
	return &Handle{Stage: stage, done: make(chan struct{}), kill: kill}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the stage has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the stage's exit error, valid after Done.
func (h *Handle) Err() error { return h.err }

// Wait waits up to timeout for the stage to exit, then kills it.
func (h *Handle) Wait(timeout time.Duration) error {
	select {
	case <-h.done:
		return h.err
	case <-time.After(timeout):
	}
	glog.Errorf("%s did not exit within %v, killing it", h.Stage, timeout)
	if err := h.kill(); err != nil {
		return fmt.Errorf("%s stuck: %w", h.Stage, err)
	}
	<-h.done
	return fmt.Errorf("%s killed after %v", h.Stage, timeout)
}

// LauncherFor returns the launcher of a mode.
func LauncherFor(mode string) (Launcher, error) {
	switch mode {
	case ModeProcess:
		return ProcessLauncher{}, nil
	case ModeThread:
		return ThreadLauncher{}, nil
	}
	return nil, fmt.Errorf("unknown launch mode %q", mode)
}

// ThreadLauncher runs each stage on a goroutine locked to its own OS
// thread, so scheduling classes still apply per stage. The ring lives in
// anonymous shared memory.
type ThreadLauncher struct{}

func (ThreadLauncher) NewRing(session string, slots, slotSize int) (*shm_ring.Ring, error) {
	return shm_ring.CreateAnon(slots, slotSize)
}

func (ThreadLauncher) Launch(spec StageSpec, ring *shm_ring.Ring) (*Handle, error) {
	h := newHandle(spec.Stage, func() error { return errors.New("thread stages cannot be killed") })
	go func() {
		// The thread is never unlocked: it carries the stage's scheduling
		// class and exits with the goroutine.
		runtime.LockOSThread()
		h.finish(runStage(spec, ring))
	}()
	return h, nil
}

// ProcessLauncher re-executes the current binary once per stage with the
// stage spec in the environment. The ring lives in /dev/shm.
type ProcessLauncher struct {
	// Args are passed to the child, e.g. test flags.
	Args []string
}

func (ProcessLauncher) NewRing(session string, slots, slotSize int) (*shm_ring.Ring, error) {
	return shm_ring.Create("/sdrcap-"+session, slots, slotSize)
}

func (l ProcessLauncher) Launch(spec StageSpec, ring *shm_ring.Ring) (*Handle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe, l.Args...)
	cmd.Env = append(os.Environ(), StageEnv+"="+string(b))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = stageProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s process: %w", spec.Stage, err)
	}
	glog.V(1).Infof("Started %s process pid %d", spec.Stage, cmd.Process.Pid)

	h := newHandle(spec.Stage, cmd.Process.Kill)
	go func() {
		err := cmd.Wait()
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) && ee.ExitCode() > 10 {
				err = &Error{Kind: Kind(ee.ExitCode() - 10), Stage: spec.Stage, Err: err}
			}
		}
		h.finish(err)
	}()
	return h, nil
}

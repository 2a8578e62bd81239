package capture

import (
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/dma/sdrcap/pkg/iqfile"
	"github.com/dma/sdrcap/pkg/shm_ring"
)

// Writer claims slot indices in order and appends each buffer at the
// output cursor. On stop it drains every queued index before returning.
type Writer struct {
	ring    *shm_ring.Ring
	out     *iqfile.File
	timeout time.Duration

	maxPending uint64
	warnAt     uint64
}

func NewWriter(ring *shm_ring.Ring, out *iqfile.File, cfg Config) *Writer {
	return &Writer{
		ring:    ring,
		out:     out,
		timeout: cfg.ClaimTimeout,
		warnAt:  uint64(ring.Slots() / 2),
	}
}

// step persists one buffer. It returns false once the stop request has been
// seen and the channel is empty.
func (w *Writer) step() (bool, error) {
	id, err := w.ring.Claim(w.timeout)
	switch {
	case errors.Is(err, shm_ring.ErrClaimTimeout):
		return true, nil
	case errors.Is(err, shm_ring.ErrStopped):
		return false, nil
	case err != nil:
		return false, &Error{Kind: StageError, Stage: StageWriter, Err: err}
	}

	if q := w.ring.Pending(); q > w.maxPending {
		w.maxPending = q
		if q > w.warnAt {
			glog.Warningf("[writer] queue is big: %d of %d slots pending", q, w.ring.Slots())
		}
	}

	buf := w.ring.Slot(id)
	err = w.out.Append(buf)
	w.ring.Release(id)
	if err != nil {
		return false, &Error{Kind: WriteError, Stage: StageWriter, Err: err}
	}
	w.ring.AdvanceCursor(uint64(len(buf)))
	return true, nil
}

// Run loops until drained after a stop request, then syncs and unmaps the
// output window.
func (w *Writer) Run() (err error) {
	defer func() {
		if cerr := w.out.Close(); cerr != nil && err == nil {
			err = &Error{Kind: WriteError, Stage: StageWriter, Err: cerr}
		}
		glog.Infof("Writer stopping at %d bytes, max queue %d/%d", w.out.Cursor(), w.maxPending, w.ring.Slots())
	}()
	for {
		more, err := w.step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

package capture

import (
	"time"

	"github.com/golang/glog"

	"github.com/dma/sdrcap/pkg/flushlog"
	"github.com/dma/sdrcap/pkg/iqfile"
	"github.com/dma/sdrcap/pkg/shm_ring"
)

// RangeSyncer forces write-back of a byte range of the output.
type RangeSyncer interface {
	SyncRange(off, n int64) error
}

// Flusher is the write-back scheduler. Each tick it flushes exactly the
// bytes persisted since the previous successful flush, starting at the
// page containing the previous end and never reaching past the cursor.
type Flusher struct {
	ring     *shm_ring.Ring
	syncer   RangeSyncer
	interval time.Duration
	ledger   *flushlog.Writer

	done int64 // end of the last successful flush
}

func NewFlusher(ring *shm_ring.Ring, syncer RangeSyncer, cfg Config, ledger *flushlog.Writer) *Flusher {
	return &Flusher{ring: ring, syncer: syncer, interval: cfg.FlushInterval, ledger: ledger}
}

// flush issues one range flush if anything was written since the last one.
// A failed range is retried on the next tick.
func (f *Flusher) flush() {
	cursor := int64(f.ring.Cursor())
	if cursor <= f.done {
		return
	}
	off := iqfile.PageFloor(f.done)
	n := cursor - off

	start := time.Now()
	err := f.syncer.SyncRange(off, n)
	latency := time.Since(start)
	f.ring.AddFlush(uint64(cursor-f.done), err != nil)

	rec := flushlog.Record{
		Time:      start.UnixNano(),
		Offset:    off,
		Length:    n,
		Cursor:    cursor,
		LatencyUs: latency.Microseconds(),
	}
	if s, ok := f.syncer.(*iqfile.Syncer); ok {
		rec.Fallback = s.Fallback()
	}
	if err != nil {
		rec.Error = err.Error()
		glog.Errorf("%v", &Error{Kind: FlushError, Stage: StageFlusher, Err: err})
	} else {
		f.done = cursor
		glog.V(2).Infof("[flusher] [%d,+%d) in %v", off, n, latency)
	}
	if f.ledger != nil {
		if err := f.ledger.Append(rec); err != nil {
			glog.Warningf("flush log: %v", err)
			f.ledger = nil
		}
	}
}

// Run flushes once per interval until asked to stop, then performs one
// last incremental flush.
func (f *Flusher) Run() error {
	tick := time.NewTicker(f.interval)
	defer tick.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-tick.C:
			f.flush()
		case <-poll.C:
			if f.ring.StopRequested(shm_ring.StageFlusher) {
				f.flush()
				return nil
			}
		}
	}
}

package capture

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/dma/sdrcap/pkg/radio"
	"github.com/dma/sdrcap/pkg/shm_ring"
)

const logInterval = 2 * time.Second

// Producer copies buffers from the radio into free ring slots. It never
// waits for slot space: a buffer with nowhere to go is dropped and counted.
type Producer struct {
	ring     *shm_ring.Ring
	src      radio.Source
	target   uint64
	deadline time.Duration
	timeout  time.Duration

	received uint64
	dropped  uint64
}

func NewProducer(ring *shm_ring.Ring, src radio.Source, cfg Config) *Producer {
	return &Producer{
		ring:     ring,
		src:      src,
		target:   cfg.TargetBuffers(),
		deadline: cfg.Deadline(),
		timeout:  cfg.ReceiveTimeout,
	}
}

// step runs one iteration: receive, acquire slot, copy, publish.
func (p *Producer) step() error {
	buf, err := p.src.Receive(p.timeout)
	if err != nil {
		return &Error{Kind: HardwareError, Stage: StageProducer, Err: err}
	}
	p.received++
	p.ring.AddCaptured(1)

	id, ok := p.ring.AcquireFreeSlot()
	if !ok {
		p.overrun()
		return nil
	}
	copy(p.ring.Slot(id), buf)
	if !p.ring.Publish(id) {
		p.overrun()
	}
	return nil
}

func (p *Producer) overrun() {
	p.dropped++
	p.ring.AddDropped(1)
}

// Run streams until the target buffer count, the wall-clock deadline or a
// stop request, whichever comes first. Streaming starts only once the
// controller has raised Go.
func (p *Producer) Run() error {
	if !waitGo(p.ring, shm_ring.StageProducer) {
		return nil
	}
	if err := p.src.Start(); err != nil {
		return &Error{Kind: HardwareError, Stage: StageProducer, Err: err}
	}
	defer func() {
		if err := p.src.Stop(); err != nil {
			glog.Warningf("stop streaming: %v", err)
		}
	}()

	start := time.Now()
	lastLog, lastCount, lastDropped := start, uint64(0), uint64(0)
	for p.received < p.target {
		if p.ring.StopRequested(shm_ring.StageProducer) {
			glog.Infof("Producer stopped after %d buffers", p.received)
			return nil
		}
		if err := p.step(); err != nil {
			return err
		}
		now := time.Now()
		if now.Sub(start) > p.deadline {
			glog.Warningf("Producer deadline %v passed at %d of %d buffers", p.deadline, p.received, p.target)
			return nil
		}
		if p.received&0xff == 0 && now.Sub(lastLog) >= logInterval {
			rate := float64(p.received-lastCount) / now.Sub(lastLog).Seconds()
			glog.V(1).Infof("[producer] %d/%d buffers, %.0f buffers/s, %d in flight", p.received, p.target, rate, p.ring.InFlight())
			if p.dropped > lastDropped {
				glog.Warningf("[producer] %d buffers dropped (%d total)", p.dropped-lastDropped, p.dropped)
			}
			lastLog, lastCount, lastDropped = now, p.received, p.dropped
		}
	}
	glog.Infof("Producer reached target of %d buffers in %v (%d dropped)", p.target, time.Since(start).Round(time.Millisecond), p.dropped)
	return nil
}

// waitGo blocks until the controller raises Go, or returns false if the
// stage is told to stop first.
func waitGo(r *shm_ring.Ring, stage uint32) bool {
	for !r.GoRaised() {
		if r.StopRequested(stage) {
			return false
		}
		time.Sleep(200 * time.Microsecond)
	}
	return true
}

// openSource opens and tunes the radio. Failures are hardware errors.
func openSource(cfg Config) (radio.Source, error) {
	src, err := radio.Open(cfg.DeviceArgs, cfg.Format, cfg.BufferSamples)
	if err != nil {
		return nil, &Error{Kind: HardwareError, Stage: StageProducer, Err: err}
	}
	if err := src.Configure(cfg.tuning()); err != nil {
		src.Close()
		return nil, &Error{Kind: HardwareError, Stage: StageProducer, Err: fmt.Errorf("configure: %w", err)}
	}
	return src, nil
}

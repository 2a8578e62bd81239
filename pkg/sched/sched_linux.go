//go:build linux

package sched

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var kernelPolicy = map[Policy]uint32{
	Other: unix.SCHED_NORMAL,
	Batch: unix.SCHED_BATCH,
	Idle:  unix.SCHED_IDLE,
	FIFO:  unix.SCHED_FIFO,
	RR:    unix.SCHED_RR,
}

// Apply puts the calling thread into class c.
func Apply(c Class) error {
	if err := c.Validate(); err != nil {
		return err
	}
	attr := unix.SchedAttr{
		Size:   uint32(unsafe.Sizeof(unix.SchedAttr{})),
		Policy: kernelPolicy[c.Policy],
	}
	if c.Policy.RealTime() {
		attr.Priority = uint32(c.Priority)
	} else {
		attr.Nice = int32(c.Priority)
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr %s: %w", c, err)
	}
	if c.CPU >= 0 {
		var set unix.CPUSet
		set.Set(c.CPU)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("sched_setaffinity cpu %d: %w", c.CPU, err)
		}
	}
	return nil
}

// Current reports the calling thread's class. CPU is set only when the
// thread is pinned to exactly one CPU.
func Current() (Class, error) {
	attr, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return Class{}, fmt.Errorf("sched_getattr: %w", err)
	}
	c := Class{CPU: -1}
	for p, k := range kernelPolicy {
		if k == attr.Policy&^unix.SCHED_RESET_ON_FORK {
			c.Policy = p
		}
	}
	if c.Policy.RealTime() {
		c.Priority = int(attr.Priority)
	} else {
		c.Priority = int(attr.Nice)
	}
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err == nil && set.Count() == 1 {
		for i := 0; i < 1024; i++ {
			if set.IsSet(i) {
				c.CPU = i
				break
			}
		}
	}
	return c, nil
}

// LockMemory locks all current and future pages of the process in RAM.
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall: %w", err)
	}
	return nil
}

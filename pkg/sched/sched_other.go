//go:build !linux

package sched

import "errors"

var errUnsupported = errors.New("thread scheduling classes are only supported on linux")

func Apply(c Class) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return errUnsupported
}

func Current() (Class, error) { return Class{CPU: -1}, errUnsupported }

func LockMemory() error { return errUnsupported }

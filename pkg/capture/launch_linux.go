//go:build linux

package capture

import "syscall"

// Stage processes die with the controller.
func stageProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}

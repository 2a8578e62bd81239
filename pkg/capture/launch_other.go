//go:build !linux

package capture

import "syscall"

func stageProcAttr() *syscall.SysProcAttr { return nil }

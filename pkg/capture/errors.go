package capture

import (
	"errors"
	"fmt"
)

// Kind classifies session errors.
type Kind uint32

const (
	_ Kind = iota
	// HardwareError: the radio failed to open, configure, stream or
	// deliver a buffer in time. Fatal.
	HardwareError
	// OverrunError: no free slot when a buffer arrived. The buffer is
	// dropped and counted.
	OverrunError
	// WriteError: the output file could not be extended or written. Fatal.
	WriteError
	// SchedulingError: a scheduling class could not be applied. Warning.
	SchedulingError
	// FlushError: a forced write-back failed. Logged and counted.
	FlushError
	// StageError: a stage exited without reporting a reason.
	StageError
)

var kindNames = [...]string{
	HardwareError:   "hardware",
	OverrunError:    "overrun",
	WriteError:      "write",
	SchedulingError: "scheduling",
	FlushError:      "flush",
	StageError:      "stage",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Error is a classified error raised by one stage.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 when err is not classified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

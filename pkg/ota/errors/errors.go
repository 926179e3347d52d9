package errors

import (
	"errors"
	"fmt"
)

var (
	// Image errors 📦
	ErrMalformedImage        = errors.New("❌ malformed module image")
	ErrUnsupportedModule     = errors.New("❌ unsupported module")
	ErrDependencyUnsatisfied = errors.New("❌ module dependency unsatisfied")

	// Session errors 🔄
	ErrAlreadyInProgress = errors.New("❌ update already in progress")
	ErrNoSession         = errors.New("❌ no update in progress")

	// Boot errors 🥾
	ErrBootHalted = errors.New("❌ boot halted, image failed validation")

	// Storage errors 💾
	ErrIO             = errors.New("❌ i/o error")
	ErrInvalidAddress = errors.New("❌ invalid address")
	ErrBufferTooSmall = errors.New("❌ buffer too small")
	ErrNotFound       = errors.New("❌ not found")
)

// Result is the stable outcome of an update commit.
type Result int

const (
	AppliedPendingRestart Result = iota
	MalformedImage
	UnsupportedModule
	DependencyUnsatisfied
	IoError
	AlreadyInProgress
)

func (r Result) String() string {
	switch r {
	case AppliedPendingRestart:
		return "applied-pending-restart"
	case MalformedImage:
		return "malformed-image"
	case UnsupportedModule:
		return "unsupported-module"
	case DependencyUnsatisfied:
		return "dependency-unsatisfied"
	case IoError:
		return "io-error"
	case AlreadyInProgress:
		return "already-in-progress"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// ResultOf classifies err into a commit outcome. A nil error is success;
// anything outside the taxonomy is reported as an I/O failure.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return AppliedPendingRestart
	case errors.Is(err, ErrMalformedImage):
		return MalformedImage
	case errors.Is(err, ErrUnsupportedModule):
		return UnsupportedModule
	case errors.Is(err, ErrDependencyUnsatisfied):
		return DependencyUnsatisfied
	case errors.Is(err, ErrAlreadyInProgress):
		return AlreadyInProgress
	default:
		return IoError
	}
}

// DependencyError names the dependency a candidate module could not satisfy.
type DependencyError struct {
	Function string
	Index    uint8
	Version  uint16
	Found    *uint16 // installed version, nil when the module is absent
}

func (e *DependencyError) Error() string {
	if e.Found == nil {
		return fmt.Sprintf("requires %s/%d >= v%d: module not installed", e.Function, e.Index, e.Version)
	}
	return fmt.Sprintf("requires %s/%d >= v%d: installed v%d", e.Function, e.Index, e.Version, *e.Found)
}

func (e *DependencyError) Unwrap() error {
	return ErrDependencyUnsatisfied
}

// FlashError wraps a failed flash operation.
type FlashError struct {
	Op      string
	Address uint32
	Length  int
	Err     error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("flash %s at 0x%08X (%d bytes): %v", e.Op, e.Address, e.Length, e.Err)
}

func (e *FlashError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

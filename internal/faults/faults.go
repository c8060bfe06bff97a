// Package faults defines the error kinds shared by the process, control and daemon packages.
//
// Every kind can be matched with errors.Is against its sentinel; the typed variants carry the
// process identity involved.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig reports bad input: a malformed signal, an unusable storage location,
	// an unknown user or group id.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrPosix matches any *PosixError.
	ErrPosix = errors.New("posix call failed")
	// ErrAlreadyRunning matches any *AlreadyRunningError.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrNotRunning is returned when an identity is requested but no live process is known.
	ErrNotRunning = errors.New("process not running")
	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("timeout waiting for process")
)

// Invalid wraps ErrInvalidConfig with a formatted detail message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// PosixError is returned when an underlying OS primitive fails.
type PosixError struct {
	Op  string
	PID int
	Err error
}

// Posix wraps err as a *PosixError for op. A nil err stays nil.
func Posix(op string, pid int, err error) error {
	if err == nil {
		return nil
	}
	return &PosixError{Op: op, PID: pid, Err: err}
}

func (e *PosixError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s pid %d: %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PosixError) Unwrap() error { return e.Err }

func (e *PosixError) Is(target error) bool { return target == ErrPosix }

// AlreadyRunningError carries the identity of the live owner of a role.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("process already running with pid %d", e.PID)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// TimeoutError carries the identity of the process that did not react in time.
type TimeoutError struct {
	PID int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout while waiting for process with pid %d to react", e.PID)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// PIDOf extracts the identity carried by an AlreadyRunning, Timeout or Posix error.
func PIDOf(err error) (int, bool) {
	var ar *AlreadyRunningError
	if errors.As(err, &ar) {
		return ar.PID, true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.PID, true
	}
	var pe *PosixError
	if errors.As(err, &pe) && pe.PID > 0 {
		return pe.PID, true
	}
	return 0, false
}

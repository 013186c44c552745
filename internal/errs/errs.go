// Package errs defines the error taxonomy shared by the supervisor, the
// orchestrator and the protocol layer.
//
// Every failure that crosses a component boundary carries a Code so the
// protocol layer can decide between an error response, a hint to the user, or
// silence, without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	Internal           Code = "internal"
	ConfigInvalid      Code = "config_invalid"
	BackendStartFailed Code = "backend_start_failed"
	BackendTimeout     Code = "backend_timeout"
	BackendCrashed     Code = "backend_crashed"
	BackendNotReady    Code = "backend_not_ready"
	InvalidState       Code = "invalid_state"
	TaskNotFound       Code = "task_not_found"
	StepNotFound       Code = "step_not_found"
	NotSourceFile      Code = "not_source_file"
	AlreadyRunning     Code = "already_running"
)

// Error is a coded error with the operation that produced it.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error. err may be nil.
func New(code Code, op, msg string, err error) error {
	return &Error{Code: code, Op: op, Msg: msg, Err: err}
}

// CodeOf returns the code of the outermost coded error in err's chain,
// or Internal if there is none. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Supervisor reports whether the code describes an engine-level failure.
// These always leave the supervisor stopped.
func (c Code) Supervisor() bool {
	switch c {
	case BackendStartFailed, BackendTimeout, BackendCrashed:
		return true
	}
	return false
}

package supervisor

import (
	"errors"
	"fmt"
)

// Code classifies supervisor failures for callers that render them.
type Code string

const (
	// CodeUnresolved: resolution confidence too low, or an explicit command
	// names a script the manifest does not have.
	CodeUnresolved Code = "DEV_COMMAND_UNRESOLVED"
	// CodeSpawnFailed: the binary is missing or not executable.
	CodeSpawnFailed Code = "SPAWN_FAILED"
	// CodeCrashLoop: the crash-loop breaker tripped.
	CodeCrashLoop Code = "CRASH_LOOP"
	// CodeTerminationFailed: the process survived graceful and forceful signals.
	CodeTerminationFailed Code = "TERMINATION_FAILED"
	CodeAlreadyStopping   Code = "ALREADY_STOPPING"
	CodeStartCanceled     Code = "START_CANCELED"
	CodeDetectionTimeout  Code = "DETECTION_TIMEOUT"
)

// Error is a structured supervisor error.
type Error struct {
	Code    Code   `json:"errorCode"`
	Message string `json:"error"`
	// NeedsConfiguration tells the caller to ask the user for a dev command.
	NeedsConfiguration bool     `json:"needsConfiguration,omitempty"`
	Reasons            []string `json:"reasons,omitempty"`
	Err                error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, err error, format string, args ...any) *Error {
	return &Error{
		Code:               code,
		Message:            fmt.Sprintf(format, args...),
		NeedsConfiguration: code == CodeUnresolved,
		Err:                err,
	}
}

// CodeOf returns the Code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

package tool

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// Timeout indicates the tool did not finish within its deadline and was killed.
	Timeout ErrorKind = iota
	// NonZeroExit indicates the tool ran to completion but reported failure.
	NonZeroExit
	// SpawnFailure indicates the tool could not be started at all.
	SpawnFailure
	// Cancelled indicates the callers context was cancelled while the tool was running.
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "TIMEOUT"
	case NonZeroExit:
		return "NON_ZERO_EXIT"
	case SpawnFailure:
		return "SPAWN_FAILURE"
	case Cancelled:
		return "CANCELLED"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(k))
}

// Error describes a failed tool invocation. Stderr contains the (possibly
// truncated) tail of the tools diagnostic output.
type Error struct {
	Tool   Tool
	Kind   ErrorKind
	Code   int
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case NonZeroExit:
		return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.Code, e.Stderr)
	case Timeout:
		return fmt.Sprintf("%s timed out", e.Tool)
	case Cancelled:
		return fmt.Sprintf("%s cancelled", e.Tool)
	default:
		return fmt.Sprintf("%s failed to start: %v", e.Tool, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AsError is a convinience wrapper around errors.As for tool errors.
func AsError(err error) (*Error, bool) {
	var toolErr *Error
	if errors.As(err, &toolErr) {
		return toolErr, true
	}

	return nil, false
}

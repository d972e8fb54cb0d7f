package agent

import (
	"context"
	"errors"
	"fmt"

	"quill/internal/router"
)

type ErrorKind string

const (
	KindProvider       ErrorKind = "provider"
	KindConfiguration  ErrorKind = "configuration"
	KindIterationLimit ErrorKind = "iteration_limit"
	KindCancelled      ErrorKind = "cancelled"
	KindConversation   ErrorKind = "conversation"
)

var (
	ErrIterationLimit = errors.New("iteration limit exceeded")
	ErrCancelled      = fmt.Errorf("run cancelled: %w", context.Canceled)
)

// ConfigurationError is shared with the router so callers match one type
// regardless of where wiring failed.
type ConfigurationError = router.ConfigurationError

// ToolArgumentError means the model produced arguments that are not a JSON
// object. It is reported back to the model, never raised.
type ToolArgumentError struct {
	Raw string
	Err error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("invalid tool arguments %q: %v", e.Raw, e.Err)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// RunError is the terminal error of a failed or cancelled run.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf reports the ErrorKind carried by err, or "" if err is not a
// RunError.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind categorises a step-local failure. It drives the retry decision
// and is recorded on steps and tool executions.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION_ERROR"
	KindExecution  ErrorKind = "EXECUTION_ERROR"
	KindTimeout    ErrorKind = "TIMEOUT_ERROR"
	KindSandbox    ErrorKind = "SANDBOX_ERROR"
	KindCancelled  ErrorKind = "CANCELLED_ERROR"
)

// Retryable reports whether a failure of this kind may be retried at all.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindValidation, KindCancelled:
		return false
	default:
		return true
	}
}

// Kind sentinels matched by errors.Is against any *ToolError of that kind.
var (
	ErrValidation = errors.New("validation error")
	ErrExecution  = errors.New("execution error")
	ErrTimeout    = errors.New("timeout error")
	ErrSandbox    = errors.New("sandbox error")
	ErrCancelled  = errors.New("cancelled")
)

var (
	// ErrNotFound is returned by stores and registries for unknown identities.
	ErrNotFound = errors.New("not found")
	// ErrPlanRunning is returned when a plan already has an active run.
	ErrPlanRunning = errors.New("plan is already running")
	// ErrPlanTerminal is returned when an operation targets a finished plan.
	ErrPlanTerminal = errors.New("plan is already in a terminal state")
)

// ToolError is the single error type for everything that can go wrong while
// executing a step: bad parameters, tool failures, timeouts, sandbox
// problems and cancellation.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Tool    string    `json:"tool,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Kind, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error [%s]: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Is matches the kind sentinel of this error.
func (e *ToolError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrExecution:
		return e.Kind == KindExecution
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrSandbox:
		return e.Kind == KindSandbox
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

// NewToolError creates a ToolError of the given kind.
func NewToolError(kind ErrorKind, tool, message string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Message: message, Err: err}
}

// NewValidationError is shorthand for a VALIDATION_ERROR.
func NewValidationError(tool, message string, err error) *ToolError {
	return NewToolError(KindValidation, tool, message, err)
}

// KindOf classifies any error into an ErrorKind. Context deadline and
// cancellation errors map to timeout and cancelled; anything unknown is an
// execution error. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindExecution
	}
}

// InvalidTransitionError is returned by the state machines for an event that
// is not allowed in the current state.
type InvalidTransitionError struct {
	Entity string
	From   string
	Event  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s on %s", e.Entity, e.Event, e.From)
}

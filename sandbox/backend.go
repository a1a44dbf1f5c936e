package sandbox

import (
	"context"
	"errors"

	"github.com/hupe1980/agentplan/core"
)

var (
	// ErrResourceExceeded is returned by a Backend when a command was
	// stopped for breaching its cpu or memory limit.
	ErrResourceExceeded = errors.New("sandbox resource limit exceeded")
	// ErrReleased is returned when a handle is used after Release.
	ErrReleased = errors.New("sandbox handle already released")
	// ErrPauseUnsupported is returned by Pause/Resume when the backend
	// cannot suspend sandboxes.
	ErrPauseUnsupported = errors.New("sandbox backend does not support pause")
)

// ExecResult is the raw outcome of a command run by a Backend. A non-zero
// exit code is not an error at this level.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Backend is the infrastructure that actually provides isolation. The
// Manager drives it through the lifecycle and owns all state bookkeeping.
type Backend interface {
	// Start provisions the sandbox. It may set fields such as WorkDir.
	Start(ctx context.Context, sb *core.Sandbox) error
	// Exec runs a command inside a started sandbox. ctx carries the
	// wall-clock deadline.
	Exec(ctx context.Context, sb *core.Sandbox, command string) (ExecResult, error)
	// Stop reclaims every resource of the sandbox. It must tolerate
	// sandboxes that never finished starting.
	Stop(ctx context.Context, sb *core.Sandbox) error
}

// Pauser is implemented by backends that can suspend a running sandbox.
type Pauser interface {
	Pause(ctx context.Context, sb *core.Sandbox) error
	Resume(ctx context.Context, sb *core.Sandbox) error
}

// Package tool implements the tool invocation subsystem: a registry of
// schema-described capabilities, the Invoker that validates arguments,
// leases sandboxes and enforces timeouts, and a few built-in tools.
package tool

import (
	"context"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/logging"
)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Handler is the executable side of a tool.
//
// Implementations should:
//   - Honour tc (it is a context.Context carrying the invocation deadline)
//   - Return *core.ToolError to choose an error kind explicitly
//   - Be safe for concurrent use; the scheduler runs steps in parallel
type Handler interface {
	Call(tc *Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(tc *Context, args map[string]any) (any, error)

// Call implements Handler.
func (f HandlerFunc) Call(tc *Context, args map[string]any) (any, error) { return f(tc, args) }

// Definition pairs registry metadata with its handler.
type Definition struct {
	Tool    core.Tool
	Handler Handler
}

// Session is the view of an acquired sandbox handed to a handler.
type Session interface {
	ID() string
	Execute(ctx context.Context, command string) (*core.SandboxExecution, error)
}

// Context is passed to every Handler call. It embeds the invocation context,
// so handlers can pass it wherever a context.Context is expected.
type Context struct {
	context.Context

	planID      string
	stepID      string
	executionID string
	attempt     int
	tool        core.Tool
	logger      logging.Logger
	sandbox     Session
}

// NewContext builds a handler context. It is mostly useful in tests; the
// Invoker builds contexts itself.
func NewContext(ctx context.Context, t core.Tool, logger logging.Logger) *Context {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Context{Context: ctx, tool: t, logger: logger}
}

// PlanID returns the plan the call belongs to.
func (c *Context) PlanID() string { return c.planID }

// StepID returns the step the call executes.
func (c *Context) StepID() string { return c.stepID }

// ExecutionID returns the ToolExecution record of this attempt.
func (c *Context) ExecutionID() string { return c.executionID }

// Attempt returns the 1-based attempt number.
func (c *Context) Attempt() int { return c.attempt }

// Tool returns the registry record of the tool being called.
func (c *Context) Tool() core.Tool { return c.tool }

// Logger returns a logger scoped to the call.
func (c *Context) Logger() logging.Logger { return c.logger }

// Sandbox returns the sandbox leased for this call, or nil when the tool
// does not require one.
func (c *Context) Sandbox() Session { return c.sandbox }

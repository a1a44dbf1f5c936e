package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/sandbox"
)

// SandboxProvider is the subset of *sandbox.Manager the Invoker needs.
type SandboxProvider interface {
	Acquire(ctx context.Context, req sandbox.AcquireRequest) (*sandbox.Handle, error)
	Execute(ctx context.Context, h *sandbox.Handle, command string) (*core.SandboxExecution, error)
	Release(ctx context.Context, h *sandbox.Handle) error
}

var _ SandboxProvider = (*sandbox.Manager)(nil)

// DefaultTimeout bounds an invocation when neither the step nor the tool
// declares one.
const DefaultTimeout = 30 * time.Second

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	// Sandboxes leases sandboxes to tools with RequiresSandbox set.
	Sandboxes SandboxProvider
	Logger    logging.Logger
	// DefaultTimeout applies when neither request nor tool sets one.
	DefaultTimeout time.Duration
}

// Request describes one tool invocation.
type Request struct {
	ToolRef     string
	Parameters  map[string]any
	PlanID      string
	StepID      string
	ExecutionID string
	OwnerID     string
	Attempt     int
	// Timeout overrides the tool's default timeout when non-zero.
	Timeout time.Duration
}

// Result is the raw outcome of an invocation. It is returned alongside an
// error whenever the tool could be resolved, so callers can record duration
// and sandbox usage for failed attempts too.
type Result struct {
	Tool       core.Tool
	Parameters map[string]any
	Output     any
	SandboxID  string
	StartedAt  time.Time
	Duration   time.Duration
}

// Invoker executes a single tool call: lookup, validation, optional sandbox
// lease, timeout enforcement and error classification. It never interprets
// tool output.
type Invoker struct {
	catalog        Catalog
	sandboxes      SandboxProvider
	logger         logging.Logger
	defaultTimeout time.Duration
}

// NewInvoker creates an Invoker over a catalog.
func NewInvoker(catalog Catalog, optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{
		Logger:         logging.NoOpLogger{},
		DefaultTimeout: DefaultTimeout,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Invoker{
		catalog:        catalog,
		sandboxes:      opts.Sandboxes,
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// Resolve looks up the tool and validates params against its schema, with
// defaults applied. It touches neither sandbox nor handler.
func (i *Invoker) Resolve(ctx context.Context, ref string, params map[string]any) (core.Tool, Handler, map[string]any, error) {
	t, h, err := i.catalog.Lookup(ctx, ref)
	if err != nil {
		return core.Tool{}, nil, nil, core.NewValidationError(ref, "unknown tool", err)
	}
	if !t.Active {
		return t, nil, nil, core.NewValidationError(t.Name, "tool is not active", nil)
	}
	args := util.ApplyDefaults(params, t.Schema)
	if err := util.ValidateParameters(args, t.Schema); err != nil {
		return t, nil, nil, core.NewValidationError(t.Name, fmt.Sprintf("parameter validation failed: %v", err), err)
	}
	return t, h, args, nil
}

// Tool returns the metadata of an active tool. Unknown or inactive tools
// yield a VALIDATION_ERROR.
func (i *Invoker) Tool(ctx context.Context, ref string) (core.Tool, error) {
	t, _, err := i.catalog.Lookup(ctx, ref)
	if err != nil {
		return core.Tool{}, core.NewValidationError(ref, "unknown tool", err)
	}
	if !t.Active {
		return t, core.NewValidationError(t.Name, "tool is not active", nil)
	}
	return t, nil
}

// Validate checks params against the tool's schema without running it.
func (i *Invoker) Validate(ctx context.Context, ref string, params map[string]any) (core.Tool, error) {
	t, _, _, err := i.Resolve(ctx, ref, params)
	return t, err
}

// Invoke runs the tool described by req. Errors are always *core.ToolError.
func (i *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	res := &Result{StartedAt: time.Now()}

	t, h, args, err := i.Resolve(ctx, req.ToolRef, req.Parameters)
	res.Tool = t
	res.Parameters = args
	if err != nil {
		i.logger.Warn("tool.call.validation_failed", "tool", req.ToolRef, "step_id", req.StepID, "error", err.Error())
		return res, err
	}

	timeout := i.timeout(req, t)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tc := &Context{
		Context:     callCtx,
		planID:      req.PlanID,
		stepID:      req.StepID,
		executionID: req.ExecutionID,
		attempt:     req.Attempt,
		tool:        t,
		logger:      i.logger,
	}

	if t.RequiresSandbox {
		if i.sandboxes == nil {
			return i.finish(res, core.NewToolError(core.KindSandbox, t.Name, "no sandbox manager configured", nil))
		}
		handle, err := i.sandboxes.Acquire(callCtx, sandbox.AcquireRequest{OwnerID: req.OwnerID, Template: t.SandboxTemplate})
		if err != nil {
			return i.finish(res, i.classify(ctx, callCtx, t.Name, timeout, err))
		}
		res.SandboxID = handle.ID()
		defer func() {
			if err := i.sandboxes.Release(context.WithoutCancel(ctx), handle); err != nil {
				i.logger.Warn("tool.sandbox.release_failed", "tool", t.Name, "sandbox_id", handle.ID(), "error", err.Error())
			}
		}()
		tc.sandbox = &session{provider: i.sandboxes, handle: handle}
	}

	i.logger.Debug("tool.call.start", "tool", t.Name, "step_id", req.StepID, "attempt", req.Attempt, "timeout", timeout)

	out, err := call(tc, h, args)
	res.Output = out
	if err != nil {
		return i.finish(res, i.classify(ctx, callCtx, t.Name, timeout, err))
	}
	return i.finish(res, nil)
}

func (i *Invoker) finish(res *Result, err error) (*Result, error) {
	res.Duration = time.Since(res.StartedAt)
	logging.LogToolCall(i.logger, res.Tool.Name, res.Duration, err)
	return res, err
}

func (i *Invoker) timeout(req Request, t core.Tool) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case t.DefaultTimeout > 0:
		return t.DefaultTimeout
	case i.defaultTimeout > 0:
		return i.defaultTimeout
	default:
		return DefaultTimeout
	}
}

// classify maps a failure to its kind: cancellation of the caller wins,
// then the invocation deadline, then whatever kind the error carries.
func (i *Invoker) classify(parent, callCtx context.Context, name string, timeout time.Duration, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return core.NewToolError(core.KindCancelled, name, "invocation cancelled", err)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return core.NewToolError(core.KindTimeout, name, fmt.Sprintf("exceeded timeout of %s", timeout), err)
	}
	var te *core.ToolError
	if errors.As(err, &te) {
		if te.Tool == "" {
			cp := *te
			cp.Tool = name
			return &cp
		}
		return te
	}
	return core.NewToolError(core.KindOf(err), name, err.Error(), err)
}

// call runs the handler and races it against the context so a handler that
// ignores cancellation cannot hold the step past its deadline.
func call(tc *Context, h Handler, args map[string]any) (any, error) {
	type outcome struct {
		out any
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: core.NewToolError(core.KindExecution, tc.tool.Name, fmt.Sprintf("tool panicked: %v", r), nil)}
			}
		}()
		out, err := h.Call(tc, args)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-tc.Done():
		return nil, tc.Err()
	}
}

type session struct {
	provider SandboxProvider
	handle   *sandbox.Handle
}

func (s *session) ID() string { return s.handle.ID() }

func (s *session) Execute(ctx context.Context, command string) (*core.SandboxExecution, error) {
	return s.provider.Execute(ctx, s.handle, command)
}

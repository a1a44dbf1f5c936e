// Package sandbox manages the lifecycle of isolated execution environments
// leased to tool calls: acquire, execute, pause/resume and release, with
// per-sandbox resource limits and exactly-once release.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/logging"
)

// DefaultLimits applies when neither the request nor its template set a bound.
var DefaultLimits = core.ResourceLimits{
	CPU:      1,
	MemoryMB: 512,
	Timeout:  5 * time.Minute,
}

// AcquireRequest describes the sandbox a tool call needs.
type AcquireRequest struct {
	OwnerID  string
	Template string
	Limits   core.ResourceLimits
}

// Handle is the lease returned by Acquire. It must be released exactly once.
type Handle struct {
	id       string
	deadline time.Time
	released atomic.Bool
}

// ID returns the sandbox identifier.
func (h *Handle) ID() string { return h.id }

// Deadline returns the wall-clock instant at which the sandbox times out.
func (h *Handle) Deadline() time.Time { return h.deadline }

// Options configures a Manager.
type Options struct {
	// Backend provides isolation. Defaults to a LocalBackend.
	Backend Backend
	// Store persists sandbox records. Optional.
	Store core.SandboxStore
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// DefaultLimits fills bounds left zero by request and template.
	DefaultLimits core.ResourceLimits
	// MaxLimits rejects requests above any non-zero bound.
	MaxLimits core.ResourceLimits
	// Templates are the named presets callers may request.
	Templates []core.SandboxTemplate
}

type entry struct {
	sb     *core.Sandbox
	handle *Handle
}

// Manager drives sandboxes through CREATED → STARTING → RUNNING ⇄ PAUSED →
// STOPPING → TERMINATED and tracks every outstanding lease.
type Manager struct {
	backend   Backend
	store     core.SandboxStore
	logger    logging.Logger
	defaults  core.ResourceLimits
	max       core.ResourceLimits
	templates map[string]core.SandboxTemplate

	mu     sync.Mutex
	active map[string]*entry
}

// NewManager creates a Manager.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		DefaultLimits: DefaultLimits,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Backend == nil {
		opts.Backend = NewLocalBackend()
	}

	templates := make(map[string]core.SandboxTemplate, len(opts.Templates))
	for _, t := range opts.Templates {
		templates[t.Name] = t
	}

	return &Manager{
		backend:   opts.Backend,
		store:     opts.Store,
		logger:    opts.Logger,
		defaults:  opts.DefaultLimits.Merge(DefaultLimits),
		max:       opts.MaxLimits,
		templates: templates,
		active:    make(map[string]*entry),
	}
}

func sandboxError(message string, err error) *core.ToolError {
	return core.NewToolError(core.KindSandbox, "", message, err)
}

// Templates returns the configured templates.
func (m *Manager) Templates() []core.SandboxTemplate {
	out := make([]core.SandboxTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	return out
}

func (m *Manager) resolveLimits(req AcquireRequest) (core.ResourceLimits, error) {
	limits := req.Limits
	if req.Template != "" {
		tmpl, ok := m.templates[req.Template]
		if !ok {
			return limits, sandboxError(fmt.Sprintf("unknown sandbox template %q", req.Template), core.ErrNotFound)
		}
		if !tmpl.Active {
			return limits, sandboxError(fmt.Sprintf("sandbox template %q is not active", req.Template), nil)
		}
		limits = limits.Merge(tmpl.Limits)
	}
	limits = limits.Merge(m.defaults)
	if limits.Exceeds(m.max) {
		return limits, sandboxError(fmt.Sprintf("requested limits %+v exceed maximum %+v", limits, m.max), nil)
	}
	return limits, nil
}

// Acquire provisions and starts a sandbox. On failure the sandbox is left
// FAILED (or TIMEOUT) with its resources reclaimed, and no handle is returned.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Handle, error) {
	limits, err := m.resolveLimits(req)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sb := &core.Sandbox{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Template:  req.Template,
		Status:    core.SandboxCreated,
		Limits:    limits,
		CreatedAt: now,
	}
	e := &entry{sb: sb}
	m.save(ctx, sb.Clone())

	if err := m.transition(ctx, e, core.SandboxStarting, nil); err != nil {
		return nil, sandboxError("sandbox start rejected", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	if err := m.backend.Start(startCtx, sb); err != nil {
		next := core.SandboxFailed
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			next = core.SandboxTimeout
		}
		_ = m.transition(ctx, e, next, err)
		m.reclaim(ctx, sb)
		return nil, sandboxError("sandbox start failed", err)
	}

	started := time.Now()
	sb.StartedAt = &started
	if err := m.transition(ctx, e, core.SandboxRunning, nil); err != nil {
		m.reclaim(ctx, sb)
		return nil, sandboxError("sandbox start rejected", err)
	}

	e.handle = &Handle{id: sb.ID, deadline: started.Add(limits.Timeout)}

	m.mu.Lock()
	m.active[sb.ID] = e
	m.mu.Unlock()

	return e.handle, nil
}

// Execute runs a command inside a RUNNING sandbox, bounded by the sandbox's
// wall-clock deadline. A wall-clock overrun moves the sandbox to TIMEOUT and
// a resource breach moves it to FAILED; both abort the call.
func (m *Manager) Execute(ctx context.Context, h *Handle, command string) (*core.SandboxExecution, error) {
	e, err := m.lookup(h)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	status := e.sb.Status
	m.mu.Unlock()
	if status != core.SandboxRunning {
		return nil, sandboxError(fmt.Sprintf("sandbox %s is %s", h.id, status), nil)
	}

	rec := &core.SandboxExecution{
		ID:        uuid.NewString(),
		SandboxID: h.id,
		Command:   command,
		Status:    core.ExecutionRunning,
		StartedAt: time.Now(),
	}

	execCtx, cancel := context.WithDeadline(ctx, h.deadline)
	defer cancel()

	res, runErr := m.backend.Exec(execCtx, e.sb, command)

	done := time.Now()
	rec.CompletedAt = &done
	rec.Output = res.Stdout
	rec.ErrorOutput = res.Stderr
	rec.ExitCode = res.ExitCode

	var outErr error
	switch {
	case runErr == nil:
		rec.Status = core.ExecutionSucceeded
		if res.ExitCode != 0 {
			rec.Status = core.ExecutionFailed
		}
	case ctx.Err() != nil:
		outErr = core.NewToolError(core.KindOf(ctx.Err()), "", "sandbox command interrupted", ctx.Err())
		rec.Status = core.ExecutionStatusFor(core.KindOf(outErr))
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		rec.Status = core.ExecutionTimeout
		_ = m.transition(ctx, e, core.SandboxTimeout, runErr)
		outErr = core.NewToolError(core.KindTimeout, "", "sandbox wall-clock limit exceeded", runErr)
	case errors.Is(runErr, ErrResourceExceeded):
		rec.Status = core.ExecutionFailed
		_ = m.transition(ctx, e, core.SandboxFailed, runErr)
		outErr = sandboxError("sandbox resource limit exceeded", runErr)
	default:
		rec.Status = core.ExecutionFailed
		outErr = sandboxError("sandbox command failed", runErr)
	}

	if m.store != nil {
		if err := m.store.SaveSandboxExecution(context.WithoutCancel(ctx), rec); err != nil {
			m.logger.Warn("sandbox.execution.persist_failed", "sandbox_id", h.id, "error", err.Error())
		}
	}

	return rec, outErr
}

// Pause suspends a RUNNING sandbox.
func (m *Manager) Pause(ctx context.Context, h *Handle) error {
	return m.suspend(ctx, h, core.SandboxPaused, func(p Pauser) func(context.Context, *core.Sandbox) error { return p.Pause })
}

// Resume continues a PAUSED sandbox.
func (m *Manager) Resume(ctx context.Context, h *Handle) error {
	return m.suspend(ctx, h, core.SandboxRunning, func(p Pauser) func(context.Context, *core.Sandbox) error { return p.Resume })
}

func (m *Manager) suspend(ctx context.Context, h *Handle, next core.SandboxStatus, op func(Pauser) func(context.Context, *core.Sandbox) error) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	p, ok := m.backend.(Pauser)
	if !ok {
		return sandboxError("pause not available", ErrPauseUnsupported)
	}

	m.mu.Lock()
	cur := e.sb.Status
	m.mu.Unlock()
	if err := core.TransitionSandbox(cur, next); err != nil {
		return sandboxError("invalid sandbox state", err)
	}

	if err := op(p)(ctx, e.sb); err != nil {
		return sandboxError("sandbox "+string(next)+" failed", err)
	}
	return m.transition(ctx, e, next, nil)
}

// Release stops the sandbox and reclaims its resources. It must be called
// exactly once per successful Acquire; later calls return ErrReleased and do
// not reach the backend.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if h.released.Swap(true) {
		return ErrReleased
	}

	m.mu.Lock()
	e, ok := m.active[h.id]
	delete(m.active, h.id)
	m.mu.Unlock()
	if !ok {
		return sandboxError("unknown sandbox "+h.id, core.ErrNotFound)
	}

	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	status := e.sb.Status
	m.mu.Unlock()

	if status.IsTerminal() {
		m.reclaim(ctx, e.sb)
		return nil
	}

	if err := m.transition(ctx, e, core.SandboxStopping, nil); err != nil {
		m.reclaim(ctx, e.sb)
		return sandboxError("sandbox stop rejected", err)
	}
	if err := m.backend.Stop(ctx, e.sb); err != nil {
		_ = m.transition(ctx, e, core.SandboxFailed, err)
		return sandboxError("sandbox stop failed", err)
	}
	m.mu.Lock()
	now := time.Now()
	e.sb.TerminatedAt = &now
	m.mu.Unlock()
	return m.transition(ctx, e, core.SandboxTerminated, nil)
}

// Close releases every outstanding sandbox concurrently.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, e := range m.active {
		handles = append(handles, e.handle)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			if err := m.Release(gctx, h); err != nil && !errors.Is(err, ErrReleased) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Get returns a snapshot of a sandbox, active or persisted.
func (m *Manager) Get(ctx context.Context, id string) (*core.Sandbox, error) {
	m.mu.Lock()
	e, ok := m.active[id]
	var sb *core.Sandbox
	if ok {
		sb = e.sb.Clone()
	}
	m.mu.Unlock()
	if ok {
		return sb, nil
	}
	if m.store != nil {
		return m.store.GetSandbox(ctx, id)
	}
	return nil, core.ErrNotFound
}

// Active returns snapshots of every sandbox that has not been released.
func (m *Manager) Active() []*core.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Sandbox, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.sb.Clone())
	}
	return out
}

func (m *Manager) lookup(h *Handle) (*entry, error) {
	if h == nil {
		return nil, sandboxError("nil sandbox handle", nil)
	}
	if h.released.Load() {
		return nil, sandboxError("sandbox "+h.id+" already released", ErrReleased)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[h.id]
	if !ok {
		return nil, sandboxError("unknown sandbox "+h.id, core.ErrNotFound)
	}
	return e, nil
}

func (m *Manager) transition(ctx context.Context, e *entry, next core.SandboxStatus, cause error) error {
	m.mu.Lock()
	prev := e.sb.Status
	if err := core.TransitionSandbox(prev, next); err != nil {
		m.mu.Unlock()
		return err
	}
	e.sb.Status = next
	if cause != nil {
		e.sb.Error = cause.Error()
	}
	snapshot := e.sb.Clone()
	m.mu.Unlock()

	if cause != nil {
		m.logger.Warn("sandbox.transition", "sandbox_id", snapshot.ID, "from", prev, "to", next, "error", cause.Error())
	} else {
		m.logger.Debug("sandbox.transition", "sandbox_id", snapshot.ID, "from", prev, "to", next)
	}
	m.save(ctx, snapshot)
	return nil
}

// reclaim stops a sandbox that is already FAILED or TIMEOUT without
// changing its status.
func (m *Manager) reclaim(ctx context.Context, sb *core.Sandbox) {
	ctx = context.WithoutCancel(ctx)
	if err := m.backend.Stop(ctx, sb); err != nil {
		m.logger.Warn("sandbox.reclaim_failed", "sandbox_id", sb.ID, "error", err.Error())
	}
	m.mu.Lock()
	now := time.Now()
	sb.TerminatedAt = &now
	snapshot := sb.Clone()
	m.mu.Unlock()
	m.save(ctx, snapshot)
}

func (m *Manager) save(ctx context.Context, sb *core.Sandbox) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSandbox(context.WithoutCancel(ctx), sb); err != nil {
		m.logger.Warn("sandbox.persist_failed", "sandbox_id", sb.ID, "error", err.Error())
	}
}

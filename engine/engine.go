package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/graph"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/store"
	"github.com/hupe1980/agentplan/tool"
)

// Config defines tuning parameters for plan execution.
//
// Example:
//
//	cfg := Config{
//	    MaxConcurrency: 8,
//	    FailurePolicy:  core.AbortOnFailure,
//	    Retry:          DefaultRetryPolicy,
//	}
type Config struct {
	// MaxConcurrency limits the number of steps of one plan that may be
	// RUNNING at the same time. Values below 1 are treated as 1.
	MaxConcurrency int `yaml:"max_concurrency"`

	// FailurePolicy applies to plans that do not choose one themselves.
	FailurePolicy core.FailurePolicy `yaml:"failure_policy"`

	// CancelInFlightOnAbort cancels running steps when an abort-on-failure
	// plan fails. Otherwise they are allowed to finish.
	CancelInFlightOnAbort bool `yaml:"cancel_in_flight_on_abort"`

	// Retry bounds attempts and backoff of failed steps.
	Retry RetryPolicy `yaml:"retry"`
}

// DefaultConfig runs four steps at a time, skips dependents of failed steps
// and retries with DefaultRetryPolicy.
var DefaultConfig = Config{
	MaxConcurrency: 4,
	FailurePolicy:  core.SkipOnFailure,
	Retry:          DefaultRetryPolicy,
}

// ToolInvoker is the part of *tool.Invoker the engine depends on.
type ToolInvoker interface {
	// Tool resolves an active tool without checking parameters.
	Tool(ctx context.Context, ref string) (core.Tool, error)
	// Validate resolves an active tool and checks params against its schema.
	Validate(ctx context.Context, ref string, params map[string]any) (core.Tool, error)
	// Invoke runs a single attempt.
	Invoke(ctx context.Context, req tool.Request) (*tool.Result, error)
}

var _ ToolInvoker = (*tool.Invoker)(nil)

// Store is the persistence the engine writes plans and attempts to.
type Store interface {
	core.PlanStore
	core.ExecutionStore
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Store persists plans, steps and tool executions.
	// Defaults to an in-memory store.
	Store Store

	// Invoker runs tool calls. Defaults to an invoker over an empty registry,
	// which only supports steps without a tool.
	Invoker ToolInvoker

	// Hooks observe scheduling. Optional.
	Hooks *HookManager

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger
}

// ErrClosed is returned by StartPlan after Close.
var ErrClosed = errors.New("engine is closed")

// Engine creates plans, runs them and reports their status.
//
// Each started plan is driven by its own scheduler goroutine that owns the
// step-status table of that plan. Workers execute tool calls and report
// back to the scheduler, which applies every transition, persists it and
// recomputes the plan status.
type Engine struct {
	store       Store
	invoker     ToolInvoker
	hooks       *HookManager
	logger      logging.Logger
	coordinator *Coordinator

	failurePolicy         core.FailurePolicy
	cancelInFlightOnAbort bool

	mu          sync.Mutex
	concurrency int
	runs        map[string]*run
	closed      bool
	wg          sync.WaitGroup

	now func() time.Time
}

// New creates an Engine with in-memory defaults.
//
// Examples:
//
//	// Minimal setup with all defaults
//	e := New()
//
//	// Persistent store and real tools
//	e := New(func(o *Options) {
//	    o.Store = sqliteStore
//	    o.Invoker = tool.NewInvoker(registry)
//	    o.Config.MaxConcurrency = 8
//	})
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = store.NewInMemoryStore()
	}
	if opts.Invoker == nil {
		opts.Invoker = tool.NewInvoker(tool.NewRegistry(), func(o *tool.InvokerOptions) {
			o.Logger = opts.Logger
		})
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHookManager()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Engine{
		store:                 opts.Store,
		invoker:               opts.Invoker,
		hooks:                 opts.Hooks,
		logger:                opts.Logger,
		coordinator:           NewCoordinator(opts.Config.Retry),
		failurePolicy:         opts.Config.FailurePolicy.OrDefault(),
		cancelInFlightOnAbort: opts.Config.CancelInFlightOnAbort,
		concurrency:           max(opts.Config.MaxConcurrency, 1),
		runs:                  make(map[string]*run),
		now:                   time.Now,
	}
}

// Hooks returns the hook manager, so callers can register hooks after
// construction.
func (e *Engine) Hooks() *HookManager { return e.hooks }

// CreatePlan validates req and persists a new CREATED plan. Nothing is
// persisted when validation fails.
//
// Errors match core.ErrValidation, and dependency problems additionally
// unwrap to *graph.CycleError, *graph.UnknownDependencyError or
// *graph.DuplicateStepError.
func (e *Engine) CreatePlan(ctx context.Context, req PlanRequest) (*core.Plan, error) {
	p, err := e.ValidatePlan(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	e.logger.Info("plan.created", "plan_id", p.ID, "title", p.Title, "steps", len(p.Steps), "failure_policy", string(p.FailurePolicy))

	return p.Clone(), nil
}

// ValidatePlan runs every check CreatePlan does and returns the plan that
// would be created, without persisting it.
func (e *Engine) ValidatePlan(ctx context.Context, req PlanRequest) (*core.Plan, error) {
	p, err := buildPlan(uuid.NewString(), req, e.failurePolicy, e.now())
	if err != nil {
		return nil, err
	}

	if _, err := graph.Build(p.Steps); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	for _, s := range p.Steps {
		if s.ToolRef == "" {
			continue
		}
		// Templated parameters only resolve at dispatch.
		if util.HasTemplate(s.Parameters) {
			_, err = e.invoker.Tool(ctx, s.ToolRef)
		} else {
			_, err = e.invoker.Validate(ctx, s.ToolRef, s.Parameters)
		}
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	return p, nil
}

// StartPlan begins executing a plan in the background and returns
// immediately. The run is detached from ctx; use CancelPlan to stop it.
//
// Steps left RUNNING by an interrupted process are requeued and
// dispatched again.
func (e *Engine) StartPlan(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.runs[planID]; ok {
		return fmt.Errorf("plan %s: %w", planID, core.ErrPlanRunning)
	}

	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", planID, err)
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("plan %s: %w", planID, core.ErrPlanTerminal)
	}

	g, err := graph.Build(p.Steps)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	r := e.newRun(context.WithoutCancel(ctx), p, g, e.concurrency)
	e.runs[planID] = r

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.loop()
	}()

	return nil
}

// CancelPlan requests cancellation. A running plan stops dispatching and
// cancels in-flight calls; its RUNNING steps become CANCELLED when their
// calls return. A plan that is not running has every open step cancelled
// directly.
func (e *Engine) CancelPlan(ctx context.Context, planID string) error {
	for {
		e.mu.Lock()
		r, ok := e.runs[planID]
		if !ok {
			err := e.cancelStored(ctx, planID)
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()

		if r.cancel() {
			e.logger.Info("plan.cancel.requested", "plan_id", planID)
			return nil
		}
		// The run is finishing; cancel against the state it leaves behind.
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cancelStored cancels a plan that has no active run. Callers hold e.mu.
func (e *Engine) cancelStored(ctx context.Context, planID string) error {
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", planID, err)
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("plan %s: %w", planID, core.ErrPlanTerminal)
	}

	now := e.now()
	p.CancelRequested = true
	for _, s := range p.Steps {
		if s.Status.IsTerminal() {
			continue
		}
		// RUNNING here is left over from an interrupted run.
		from, err := s.Apply(core.EventCancel, now)
		if err != nil {
			return err
		}
		s.Error = "plan cancelled"
		s.ErrorKind = core.KindCancelled
		if err := e.store.UpdateStep(ctx, s); err != nil {
			return fmt.Errorf("persist step %s: %w", s.ID, err)
		}
		e.runHooks(ctx, &HookContext{Type: HookStepTransition, Plan: p.Clone(), Step: s.Clone(), From: string(from), To: string(s.Status)})
	}

	from := p.Status
	p.Status = core.DerivePlanStatus(p, 0)
	p.UpdatedAt = now
	if p.Status.IsTerminal() {
		p.CompletedAt = &now
	}
	if err := e.store.UpdatePlan(ctx, p); err != nil {
		return fmt.Errorf("persist plan %s: %w", planID, err)
	}
	if from != p.Status {
		e.runHooks(ctx, &HookContext{Type: HookPlanStatus, Plan: p.Clone(), From: string(from), To: string(p.Status)})
	}

	e.logger.Info("plan.cancelled", "plan_id", planID, "status", string(p.Status))
	return nil
}

// StepSnapshot is the externally visible state of one step.
type StepSnapshot struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Tool        string          `json:"tool,omitempty"`
	Status      core.StepStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   core.ErrorKind  `json:"error_kind,omitempty"`
}

// PlanSnapshot is a consistent view of a plan: its derived status, progress
// and every step, taken at a single point in time.
type PlanSnapshot struct {
	PlanID    string          `json:"plan_id"`
	Title     string          `json:"title"`
	Status    core.PlanStatus `json:"status"`
	Progress  float64         `json:"progress"`
	Running   bool            `json:"running"`
	Steps     []StepSnapshot  `json:"steps"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func snapshotOf(p *core.Plan, running bool) *PlanSnapshot {
	snap := &PlanSnapshot{
		PlanID:    p.ID,
		Title:     p.Title,
		Status:    p.Status,
		Progress:  p.Progress(),
		Running:   running,
		Steps:     make([]StepSnapshot, 0, len(p.Steps)),
		UpdatedAt: p.UpdatedAt,
	}
	for _, s := range p.Steps {
		snap.Steps = append(snap.Steps, StepSnapshot{
			ID:          s.ID,
			Description: s.Description,
			Tool:        s.ToolRef,
			Status:      s.Status,
			Attempts:    s.Attempts,
			Result:      s.Result,
			Error:       s.Error,
			ErrorKind:   s.ErrorKind,
		})
	}
	return snap
}

// GetPlanStatus returns a consistent snapshot of the plan. For a running
// plan it is read from the scheduler's table rather than the store.
func (e *Engine) GetPlanStatus(ctx context.Context, planID string) (*PlanSnapshot, error) {
	if r := e.activeRun(planID); r != nil {
		return r.snapshot(), nil
	}

	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	return snapshotOf(p, false), nil
}

// GetPlan returns the persisted plan.
func (e *Engine) GetPlan(ctx context.Context, planID string) (*core.Plan, error) {
	return e.store.GetPlan(ctx, planID)
}

// ListPlans returns persisted plans matching f, newest first.
func (e *Engine) ListPlans(ctx context.Context, f core.PlanFilter) ([]*core.Plan, error) {
	return e.store.ListPlans(ctx, f)
}

// ListExecutions returns the recorded tool attempts matching f.
func (e *Engine) ListExecutions(ctx context.Context, f core.ExecutionFilter) ([]*core.ToolExecution, error) {
	return e.store.ListExecutions(ctx, f)
}

// Wait blocks until the plan's current run finishes or ctx is done, then
// returns the persisted plan. It returns immediately for a plan that is not
// running.
func (e *Engine) Wait(ctx context.Context, planID string) (*core.Plan, error) {
	if r := e.activeRun(planID); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetPlan(ctx, planID)
}

// SetConcurrency changes the per-plan concurrency limit. Running plans pick
// it up between scheduling iterations; steps already running are never
// interrupted by a lower limit.
func (e *Engine) SetConcurrency(n int) error {
	if n < 1 {
		return invalid("concurrency must be at least 1, got %d", n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.concurrency = n
	for _, r := range e.runs {
		r.setLimit(n)
	}
	e.logger.Info("engine.concurrency.changed", "max_concurrency", n)
	return nil
}

// Close stops accepting new runs and interrupts active ones. In-flight
// calls are cancelled and their steps requeued, so plans keep a
// non-terminal status and can be resumed with StartPlan by a new engine.
// Close waits for the schedulers to exit or ctx to be done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		r.interrupt()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) activeRun(planID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[planID]
}

func (e *Engine) removeRun(planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, planID)
}

// runHooks executes observational hooks. Their errors are logged only.
func (e *Engine) runHooks(ctx context.Context, hc *HookContext) {
	if err := e.hooks.Execute(ctx, hc); err != nil {
		e.logger.Warn("engine.hook.failed", "hook", string(hc.Type), "error", err.Error())
	}
}

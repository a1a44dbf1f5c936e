package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/graph"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/tool"
)

// outcome is what a worker reports back after its last attempt.
type outcome struct {
	stepID   string
	attempts int
	result   string
	err      error
}

// run is the scheduler state of one plan execution. Only the loop
// goroutine mutates plan; it does so under mu so snapshots stay
// consistent.
type run struct {
	e       *Engine
	plan    *core.Plan
	graph   *graph.Graph
	logger  logging.Logger
	ownerID string
	started time.Time

	// ctx is detached from the caller and used for store and hook calls.
	ctx context.Context
	// workCtx is handed to workers; cancelling it stops every in-flight call.
	workCtx  context.Context
	stopWork context.CancelFunc

	mu sync.RWMutex

	// loop-owned
	limit       int
	running     int
	aborted     bool
	interrupted bool

	results       chan outcome
	resize        chan int
	cancelCh      chan struct{}
	cancelOnce    sync.Once
	exitMu        sync.Mutex
	exiting       bool
	interruptCh   chan struct{}
	interruptOnce sync.Once
	done          chan struct{}
}

func (e *Engine) newRun(ctx context.Context, p *core.Plan, g *graph.Graph, limit int) *run {
	workCtx, stop := context.WithCancel(ctx)
	return &run{
		e:           e,
		plan:        p,
		graph:       g,
		logger:      logging.With(e.logger, "plan_id", p.ID),
		ownerID:     p.OwnerID,
		started:     e.now(),
		ctx:         ctx,
		workCtx:     workCtx,
		stopWork:    stop,
		limit:       limit,
		results:     make(chan outcome, len(p.Steps)),
		resize:      make(chan int, 1),
		cancelCh:    make(chan struct{}),
		interruptCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// cancel signals the loop. It reports false once the loop has stopped
// listening, in which case the run ends with whatever it already persisted.
func (r *run) cancel() bool {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	if r.exiting {
		return false
	}
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	return true
}

// stopListening marks the loop as exiting unless a cancellation arrived
// that the loop has not observed yet.
func (r *run) stopListening(cancelCh <-chan struct{}) bool {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	if cancelCh != nil {
		select {
		case <-cancelCh:
			return false
		default:
		}
	}
	r.exiting = true
	return true
}

func (r *run) interrupt() { r.interruptOnce.Do(func() { close(r.interruptCh) }) }

// setLimit keeps only the latest pending value. Callers serialize on the
// engine mutex.
func (r *run) setLimit(n int) {
	select {
	case <-r.resize:
	default:
	}
	select {
	case r.resize <- n:
	default:
	}
}

func (r *run) snapshot() *PlanSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotOf(r.plan, true)
}

func (r *run) planCopy() *core.Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plan.Clone()
}

func (r *run) halted() bool {
	return r.plan.CancelRequested || r.aborted || r.interrupted
}

func (r *run) loop() {
	defer r.finish()

	r.logger.Info("plan.run.started", "steps", len(r.plan.Steps), "max_concurrency", r.limit)

	for _, s := range r.plan.Steps {
		if s.Status == core.StepRunning {
			r.logger.Warn("scheduler.step.requeued", "step_id", s.ID)
			r.transition(s, core.EventRequeue, func(st *core.Step) {
				st.Error = ""
				st.ErrorKind = ""
			})
		}
	}
	if r.plan.CancelRequested {
		r.cancelOpen()
	}
	if r.plan.FailurePolicy.OrDefault() == core.AbortOnFailure {
		// A run interrupted while draining an abort stays aborted.
		for _, s := range r.plan.Steps {
			if s.Status == core.StepFailed {
				r.abort(s)
				break
			}
		}
	}

	cancelCh, interruptCh := r.cancelCh, r.interruptCh

	for {
		select {
		case <-cancelCh:
			cancelCh = nil
			r.requestCancel()
		default:
		}
		select {
		case <-interruptCh:
			interruptCh = nil
			r.requestInterrupt()
		default:
		}

		if !r.halted() {
			r.schedule()
		}
		r.syncStatus(false)

		if r.running == 0 {
			if r.stopListening(cancelCh) {
				return
			}
			continue
		}

		select {
		case o := <-r.results:
			r.complete(o)
		case <-cancelCh:
			cancelCh = nil
			r.requestCancel()
		case <-interruptCh:
			interruptCh = nil
			r.requestInterrupt()
		case n := <-r.resize:
			r.logger.Debug("scheduler.concurrency.changed", "from", r.limit, "to", n)
			r.limit = n
		}
	}
}

// schedule promotes PENDING steps whose dependencies are satisfied and
// dispatches READY steps in order until the concurrency limit is reached.
// Steps resolved without a worker can unblock others, so it repeats until
// nothing changes.
func (r *run) schedule() {
	for {
		changed := false

		statuses := r.statuses()
		for _, id := range r.graph.ReadySteps(statuses) {
			if statuses[id] == core.StepPending {
				r.transition(r.plan.Step(id), core.EventReady, nil)
			}
		}

		for _, id := range r.graph.Order() {
			if r.halted() || r.running >= r.limit {
				return
			}
			s := r.plan.Step(id)
			if s.Status != core.StepReady {
				continue
			}
			if r.dispatch(s) {
				changed = true
			}
		}

		if !changed {
			return
		}
	}
}

func (r *run) statuses() map[string]core.StepStatus {
	out := make(map[string]core.StepStatus, len(r.plan.Steps))
	for _, s := range r.plan.Steps {
		out[s.ID] = s.Status
	}
	return out
}

// dispatch moves s to RUNNING and hands it to a worker. It reports true
// when the step was resolved on the spot instead.
func (r *run) dispatch(s *core.Step) bool {
	if err := r.e.hooks.Execute(r.ctx, &HookContext{Type: HookBeforeDispatch, Plan: r.planCopy(), Step: s.Clone()}); err != nil {
		r.logger.Warn("scheduler.step.vetoed", "step_id", s.ID, "error", err.Error())
		r.failNow(s, core.KindExecution, fmt.Sprintf("dispatch vetoed: %v", err))
		return true
	}

	if s.ToolRef == "" {
		r.transition(s, core.EventDispatch, nil)
		r.transition(s, core.EventSucceed, nil)
		return true
	}

	params := s.Parameters
	if util.HasTemplate(params) {
		rendered, err := util.RenderParameters(params, r.templateData())
		if err != nil {
			r.failNow(s, core.KindValidation, fmt.Sprintf("render parameters: %v", err))
			return true
		}
		params = rendered
	}

	r.transition(s, core.EventDispatch, func(st *core.Step) {
		st.Error = ""
		st.ErrorKind = ""
	})
	r.running++
	r.logger.Info("scheduler.step.dispatched", "step_id", s.ID, "tool", s.ToolRef, "running", r.running)

	go r.work(s.Clone(), params)
	return false
}

// failNow fails a step that never reached a worker.
func (r *run) failNow(s *core.Step, kind core.ErrorKind, msg string) {
	r.transition(s, core.EventDispatch, nil)
	r.transition(s, core.EventFail, func(st *core.Step) {
		st.Error = msg
		st.ErrorKind = kind
	})
	r.onFailure(s)
}

// templateData exposes the plan and the results of its steps to parameter
// templates, e.g. {{ .steps.fetch.result }}.
func (r *run) templateData() map[string]any {
	steps := make(map[string]any, len(r.plan.Steps))
	for _, s := range r.plan.Steps {
		var output any = s.Result
		if s.Result != "" {
			var v any
			if err := json.Unmarshal([]byte(s.Result), &v); err == nil {
				output = v
			}
		}
		steps[s.ID] = map[string]any{
			"result": s.Result,
			"status": string(s.Status),
			"output": output,
		}
	}
	return map[string]any{
		"plan": map[string]any{
			"id":       r.plan.ID,
			"title":    r.plan.Title,
			"owner_id": r.plan.OwnerID,
			"metadata": maps.Clone(r.plan.Metadata),
		},
		"steps": steps,
	}
}

// work runs every attempt of one dispatch and reports a single outcome.
// The step stays RUNNING across retries.
func (r *run) work(s *core.Step, params map[string]any) {
	o := outcome{stepID: s.ID}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("scheduler.worker.panic", "step_id", s.ID, "panic", fmt.Sprint(rec))
			o.err = core.NewToolError(core.KindExecution, s.ToolRef, fmt.Sprintf("worker panicked: %v", rec), nil)
		}
		r.results <- o
	}()

	maxAttempts := r.e.coordinator.MaxAttempts(s.MaxAttempts)
	for n := 1; ; n++ {
		o.attempts = n
		out, err := r.attempt(s, params, s.Attempts+n)
		if err == nil {
			o.result, o.err = out, nil
			return
		}
		o.err = err

		d := r.e.coordinator.Decide(err, n, maxAttempts)
		if !d.Retry {
			return
		}
		r.logger.Warn("scheduler.step.retry", "step_id", s.ID, "attempt", n, "max_attempts", maxAttempts, "kind", string(d.Kind), "delay", d.Delay)

		if err := sleep(r.workCtx, d.Delay); err != nil {
			o.err = core.NewToolError(core.KindCancelled, s.ToolRef, "retry backoff interrupted", err)
			return
		}
	}
}

// attempt performs one invocation and records it as a ToolExecution.
func (r *run) attempt(s *core.Step, params map[string]any, attempt int) (string, error) {
	exec := &core.ToolExecution{
		ID:         uuid.NewString(),
		PlanID:     r.plan.ID,
		StepID:     s.ID,
		Attempt:    attempt,
		Status:     core.ExecutionRunning,
		Parameters: maps.Clone(params),
		StartedAt:  r.e.now(),
	}
	if err := r.e.store.CreateExecution(r.ctx, exec); err != nil {
		r.logger.Error("scheduler.execution.persist_failed", "step_id", s.ID, "execution_id", exec.ID, "error", err.Error())
	}

	res, err := r.e.invoker.Invoke(r.workCtx, tool.Request{
		ToolRef:     s.ToolRef,
		Parameters:  params,
		PlanID:      r.plan.ID,
		StepID:      s.ID,
		ExecutionID: exec.ID,
		OwnerID:     r.ownerID,
		Attempt:     attempt,
		Timeout:     s.Timeout,
	})

	now := r.e.now()
	exec.CompletedAt = &now
	exec.Duration = now.Sub(exec.StartedAt)
	if res != nil {
		exec.ToolID = res.Tool.ID
		exec.SandboxID = res.SandboxID
		if res.Parameters != nil {
			exec.Parameters = res.Parameters
		}
		if res.Duration > 0 {
			exec.Duration = res.Duration
		}
	}

	var out string
	kind := core.KindOf(err)
	exec.Status = core.ExecutionStatusFor(kind)
	if err != nil {
		exec.Error = err.Error()
		exec.ErrorKind = kind
	} else if res != nil {
		out = formatResult(res.Output)
		exec.Result = out
	}

	if perr := r.e.store.UpdateExecution(r.ctx, exec); perr != nil {
		r.logger.Error("scheduler.execution.persist_failed", "step_id", s.ID, "execution_id", exec.ID, "error", perr.Error())
	}
	return out, err
}

// complete applies a worker outcome to its step.
func (r *run) complete(o outcome) {
	r.running--
	s := r.plan.Step(o.stepID)

	switch {
	case r.plan.CancelRequested:
		r.transition(s, core.EventCancel, func(st *core.Step) {
			st.Attempts += o.attempts
			st.Error = "plan cancelled"
			st.ErrorKind = core.KindCancelled
		})
	case o.err == nil:
		r.transition(s, core.EventSucceed, func(st *core.Step) {
			st.Attempts += o.attempts
			st.Result = o.result
		})
	case r.interrupted:
		r.transition(s, core.EventRequeue, func(st *core.Step) {
			st.Attempts += o.attempts
		})
	case r.aborted && core.KindOf(o.err) == core.KindCancelled:
		r.transition(s, core.EventCancel, func(st *core.Step) {
			st.Attempts += o.attempts
			st.Error = "cancelled: plan aborted"
			st.ErrorKind = core.KindCancelled
		})
	default:
		r.transition(s, core.EventFail, func(st *core.Step) {
			st.Attempts += o.attempts
			st.Error = o.err.Error()
			st.ErrorKind = core.KindOf(o.err)
		})
		r.logger.Warn("scheduler.step.failed", "step_id", s.ID, "attempts", s.Attempts, "kind", string(s.ErrorKind), "error", s.Error)
		r.onFailure(s)
	}
}

func (r *run) requestCancel() {
	if !r.plan.CancelRequested {
		r.mu.Lock()
		r.plan.CancelRequested = true
		r.mu.Unlock()
	}
	r.logger.Info("scheduler.plan.cancelling", "in_flight", r.running)
	r.cancelOpen()
	r.stopWork()
	r.syncStatus(true)
}

// cancelOpen cancels every step that has not been dispatched.
func (r *run) cancelOpen() {
	for _, s := range r.plan.Steps {
		if s.Status != core.StepPending && s.Status != core.StepReady {
			continue
		}
		r.transition(s, core.EventCancel, func(st *core.Step) {
			st.Error = "plan cancelled"
			st.ErrorKind = core.KindCancelled
		})
	}
}

func (r *run) requestInterrupt() {
	r.interrupted = true
	r.logger.Warn("scheduler.plan.interrupted", "in_flight", r.running)
	r.stopWork()
}

// transition applies event to s, persists the step and notifies hooks.
// mutate runs under the table lock after a successful transition.
func (r *run) transition(s *core.Step, event core.StepEvent, mutate func(st *core.Step)) {
	now := r.e.now()

	r.mu.Lock()
	from, err := s.Apply(event, now)
	if err == nil {
		if mutate != nil {
			mutate(s)
		}
		r.plan.UpdatedAt = now
	}
	snap := s.Clone()
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("scheduler.step.invalid_transition", "step_id", s.ID, "error", err.Error())
		return
	}

	if err := r.e.store.UpdateStep(r.ctx, snap); err != nil {
		r.logger.Error("scheduler.step.persist_failed", "step_id", s.ID, "error", err.Error())
	}
	logging.LogStepTransition(r.logger, s.ID, string(from), string(snap.Status))

	r.e.runHooks(r.ctx, &HookContext{
		Type: HookStepTransition,
		Plan: r.planCopy(),
		Step: snap,
		From: string(from),
		To:   string(snap.Status),
	})
}

// syncStatus re-derives the plan status and persists the plan when it
// changed or force is set.
func (r *run) syncStatus(force bool) {
	status := core.DerivePlanStatus(r.plan, r.running)
	from := r.plan.Status
	if status == from && !force {
		return
	}

	now := r.e.now()
	r.mu.Lock()
	r.plan.Status = status
	r.plan.UpdatedAt = now
	if status.IsTerminal() && r.plan.CompletedAt == nil {
		r.plan.CompletedAt = &now
	}
	snap := r.plan.Clone()
	r.mu.Unlock()

	if err := r.e.store.UpdatePlan(r.ctx, snap); err != nil {
		r.logger.Error("scheduler.plan.persist_failed", "error", err.Error())
	}
	if status == from {
		return
	}

	r.logger.Info("plan.status.changed", "from", string(from), "to", string(status), "progress", snap.Progress())
	r.e.runHooks(r.ctx, &HookContext{Type: HookPlanStatus, Plan: snap, From: string(from), To: string(status)})
}

func (r *run) finish() {
	if !r.interrupted {
		// Whatever is still open can no longer be reached.
		for _, s := range r.plan.Steps {
			if s.Status != core.StepPending && s.Status != core.StepReady {
				continue
			}
			r.transition(s, core.EventSkip, func(st *core.Step) {
				st.Error = "skipped: unreachable"
			})
		}
	}
	r.syncStatus(false)
	r.stopWork()

	logging.LogPlanExecution(r.logger, r.plan.ID, len(r.plan.Steps), r.e.now().Sub(r.started), string(r.plan.Status))

	r.e.removeRun(r.plan.ID)
	close(r.done)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// formatResult turns tool output into the string stored on steps and
// executions. Non-string values are encoded as JSON.
func formatResult(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

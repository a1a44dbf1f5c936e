package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/engine"
	"github.com/hupe1980/agentplan/graph"
	"github.com/hupe1980/agentplan/internal/testutil"
	"github.com/hupe1980/agentplan/sandbox"
	"github.com/hupe1980/agentplan/store"
	"github.com/hupe1980/agentplan/tool"
)

var fastRetry = engine.RetryPolicy{
	MaxAttempts:    1,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	Multiplier:     2,
}

func newEngine(t *testing.T, reg *tool.Registry, optFns ...func(o *engine.Options)) *engine.Engine {
	t.Helper()
	e := engine.New(append([]func(o *engine.Options){func(o *engine.Options) {
		o.Invoker = tool.NewInvoker(reg)
		o.Config.Retry = fastRetry
	}}, optFns...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func registry(t *testing.T, defs ...tool.Definition) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	for _, d := range defs {
		_, err := reg.Register(context.Background(), d)
		require.NoError(t, err)
	}
	return reg
}

func start(t *testing.T, e *engine.Engine, req engine.PlanRequest) string {
	t.Helper()
	p, err := e.CreatePlan(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, e.StartPlan(context.Background(), p.ID))
	return p.ID
}

func wait(t *testing.T, e *engine.Engine, planID string) *core.Plan {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := e.Wait(ctx, planID)
	require.NoError(t, err)
	return p
}

func stepStatuses(p *core.Plan) map[string]core.StepStatus {
	out := map[string]core.StepStatus{}
	for _, s := range p.Steps {
		out[s.ID] = s.Status
	}
	return out
}

func TestEngine_DiamondRunsInDependencyOrder(t *testing.T) {
	h := &testutil.ScriptedHandler{Delay: 20 * time.Millisecond}
	e := newEngine(t, registry(t, h.Definition("work")), func(o *engine.Options) {
		o.Config.MaxConcurrency = 2
	})

	req := testutil.NewPlanBuilder("diamond").
		Step("A", "work").
		Step("B", "work", "A").
		Step("C", "work", "A").
		Step("D", "work", "B", "C").
		Build()

	p := wait(t, e, start(t, e, req))

	assert.Equal(t, core.PlanCompleted, p.Status)
	assert.InDelta(t, 1.0, p.Progress(), 1e-9)
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, 4, h.Calls())
	assert.Equal(t, 2, h.MaxInFlight())

	assert.Greater(t, h.Index("start:B"), h.Index("end:A"))
	assert.Greater(t, h.Index("start:C"), h.Index("end:A"))
	assert.Greater(t, h.Index("start:D"), h.Index("end:B"))
	assert.Greater(t, h.Index("start:D"), h.Index("end:C"))

	for _, s := range p.Steps {
		assert.Equal(t, 1, s.Attempts, s.ID)
		assert.Equal(t, "ok:"+s.ID, s.Result)
	}
}

func TestEngine_CreatePlanRejectsCycle(t *testing.T) {
	e := newEngine(t, registry(t))

	req := testutil.NewPlanBuilder("cyclic").
		Step("A", "").
		Step("B", "", "A", "D").
		Step("D", "", "B").
		Build()

	_, err := e.CreatePlan(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)

	var cycle *graph.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.ElementsMatch(t, []string{"B", "D"}, cycle.Cycle)

	plans, err := e.ListPlans(context.Background(), core.PlanFilter{})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestEngine_ValidatePlanDoesNotPersist(t *testing.T) {
	e := newEngine(t, registry(t, tool.Echo()))

	p, err := e.ValidatePlan(context.Background(), testutil.NewPlanBuilder("dry run").
		Step("A", "echo").Params(map[string]any{"message": "hi"}).
		Step("B", "", "A").
		Build())
	require.NoError(t, err)
	assert.Equal(t, core.PlanCreated, p.Status)
	assert.Len(t, p.Steps, 2)

	_, err = e.GetPlan(context.Background(), p.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = e.ValidatePlan(context.Background(), testutil.NewPlanBuilder("bad").Step("A", "echo").Build())
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestEngine_CreatePlanValidation(t *testing.T) {
	e := newEngine(t, registry(t, tool.Echo()))

	tests := []struct {
		name string
		req  engine.PlanRequest
		as   any
	}{
		{name: "no title", req: engine.PlanRequest{Steps: []engine.StepRequest{{ID: "A"}}}},
		{name: "no steps", req: engine.PlanRequest{Title: "empty"}},
		{name: "unknown tool", req: testutil.NewPlanBuilder("t").Step("A", "missing").Build()},
		{name: "missing parameter", req: testutil.NewPlanBuilder("t").Step("A", "echo").Build()},
		{name: "bad policy", req: testutil.NewPlanBuilder("t").Policy("sometimes").Step("A", "").Build()},
		{
			name: "unknown dependency",
			req:  testutil.NewPlanBuilder("t").Step("A", "", "ghost").Build(),
			as:   new(*graph.UnknownDependencyError),
		},
		{
			name: "duplicate step",
			req:  testutil.NewPlanBuilder("t").Step("A", "").Step("A", "").Build(),
			as:   new(*graph.DuplicateStepError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreatePlan(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
			if tt.as != nil {
				assert.ErrorAs(t, err, tt.as)
			}
		})
	}

	plans, err := e.ListPlans(context.Background(), core.PlanFilter{})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestEngine_TimeoutExhaustsRetriesAndSkipsDependents(t *testing.T) {
	slow := &testutil.ScriptedHandler{Delay: 5 * time.Second}
	fast := &testutil.ScriptedHandler{}
	e := newEngine(t, registry(t, slow.Definition("slow"), fast.Definition("fast")))

	req := testutil.NewPlanBuilder("timeouts").
		Step("A", "fast").
		Step("C", "slow").Timeout(20 * time.Millisecond).MaxAttempts(2).
		Step("E", "fast", "C").
		Step("F", "fast", "A").
		Build()

	planID := start(t, e, req)
	p := wait(t, e, planID)

	c := p.Step("C")
	assert.Equal(t, core.StepFailed, c.Status)
	assert.Equal(t, core.KindTimeout, c.ErrorKind)
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, 2, slow.Calls())

	assert.Equal(t, core.StepSkipped, p.Step("E").Status)
	assert.Contains(t, p.Step("E").Error, "C")
	assert.Equal(t, core.StepCompleted, p.Step("A").Status)
	assert.Equal(t, core.StepCompleted, p.Step("F").Status)
	assert.Equal(t, core.PlanFailed, p.Status)
	assert.InDelta(t, 1.0, p.Progress(), 1e-9)

	execs, err := e.ListExecutions(context.Background(), core.ExecutionFilter{PlanID: planID, StepID: "C"})
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for i, ex := range execs {
		assert.Equal(t, i+1, ex.Attempt)
		assert.Equal(t, core.ExecutionTimeout, ex.Status)
		assert.Equal(t, core.KindTimeout, ex.ErrorKind)
		assert.NotEmpty(t, ex.ToolID)
	}
}

func TestEngine_SandboxReleasedWhenToolFails(t *testing.T) {
	backend := &testutil.FakeBackend{
		ExecFunc: func(context.Context, *core.Sandbox, string) (sandbox.ExecResult, error) {
			return sandbox.ExecResult{Stderr: "boom", ExitCode: 1}, nil
		},
	}
	mgr := sandbox.NewManager(func(o *sandbox.Options) { o.Backend = backend })
	reg := registry(t, tool.Shell())

	e := newEngine(t, reg, func(o *engine.Options) {
		o.Invoker = tool.NewInvoker(reg, func(o *tool.InvokerOptions) { o.Sandboxes = mgr })
	})

	req := testutil.NewPlanBuilder("sandboxed").
		Step("X", "shell").Params(map[string]any{"command": "false"}).
		Build()

	planID := start(t, e, req)
	p := wait(t, e, planID)

	x := p.Step("X")
	assert.Equal(t, core.StepFailed, x.Status)
	assert.Equal(t, core.KindExecution, x.ErrorKind)
	assert.Contains(t, x.Error, "boom")

	assert.Equal(t, 1, backend.Starts())
	assert.Equal(t, 1, backend.Stops())
	assert.Empty(t, mgr.Active())

	execs, err := e.ListExecutions(context.Background(), core.ExecutionFilter{PlanID: planID})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.NotEmpty(t, execs[0].SandboxID)
}

func TestEngine_CancelWhileRunning(t *testing.T) {
	h := &testutil.ScriptedHandler{Block: make(chan struct{})}
	e := newEngine(t, registry(t, h.Definition("block")))

	req := testutil.NewPlanBuilder("cancel").
		Step("B", "block").
		Step("C", "block").
		Step("D", "block", "B", "C").
		Build()

	planID := start(t, e, req)
	require.Eventually(t, func() bool { return h.InFlight() == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.CancelPlan(context.Background(), planID))
	p := wait(t, e, planID)

	assert.Equal(t, core.PlanCancelled, p.Status)
	assert.Equal(t, map[string]core.StepStatus{
		"B": core.StepCancelled,
		"C": core.StepCancelled,
		"D": core.StepCancelled,
	}, stepStatuses(p))
	assert.Equal(t, core.KindCancelled, p.Step("B").ErrorKind)
	assert.Equal(t, 2, h.Calls())
	assert.True(t, p.CancelRequested)
	assert.InDelta(t, 1.0, p.Progress(), 1e-9)

	err := e.CancelPlan(context.Background(), planID)
	assert.ErrorIs(t, err, core.ErrPlanTerminal)
}

func TestEngine_CancelRacingCompletion(t *testing.T) {
	h := &testutil.ScriptedHandler{Delay: time.Millisecond}
	e := newEngine(t, registry(t, h.Definition("quick")))

	for i := range 40 {
		planID := start(t, e, testutil.NewPlanBuilder("race").Step("A", "quick").Build())
		time.Sleep(time.Duration(i%4) * 500 * time.Microsecond)

		err := e.CancelPlan(context.Background(), planID)
		p := wait(t, e, planID)

		if err == nil {
			assert.Equal(t, core.PlanCancelled, p.Status, "iteration %d", i)
		} else {
			require.ErrorIs(t, err, core.ErrPlanTerminal, "iteration %d", i)
			assert.Equal(t, core.PlanCompleted, p.Status, "iteration %d", i)
		}
	}
}

func TestEngine_CancelCreatedPlan(t *testing.T) {
	e := newEngine(t, registry(t, tool.Echo()))

	p, err := e.CreatePlan(context.Background(), testutil.NewPlanBuilder("idle").
		Step("A", "echo").Params(map[string]any{"message": "x"}).
		Step("B", "", "A").
		Build())
	require.NoError(t, err)

	require.NoError(t, e.CancelPlan(context.Background(), p.ID))

	got, err := e.GetPlan(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanCancelled, got.Status)
	assert.Equal(t, core.StepCancelled, got.Step("A").Status)
	assert.Equal(t, core.StepCancelled, got.Step("B").Status)

	assert.ErrorIs(t, e.StartPlan(context.Background(), p.ID), core.ErrPlanTerminal)
}

func TestEngine_OrderIndexDecidesDispatchOrder(t *testing.T) {
	h := &testutil.ScriptedHandler{}
	e := newEngine(t, registry(t, h.Definition("work")), func(o *engine.Options) {
		o.Config.MaxConcurrency = 1
	})

	p := wait(t, e, start(t, e, testutil.NewPlanBuilder("ordered").
		Step("c", "work").Order(2).
		Step("b", "work").Order(1).
		Step("a", "work").Order(1).
		Build()))

	require.Equal(t, core.PlanCompleted, p.Status)
	assert.Equal(t, []string{"start:a", "end:a", "start:b", "end:b", "start:c", "end:c"}, h.Events())
}

func TestEngine_ConcurrencyLimit(t *testing.T) {
	h := &testutil.ScriptedHandler{Delay: 20 * time.Millisecond}
	e := newEngine(t, registry(t, h.Definition("work")), func(o *engine.Options) {
		o.Config.MaxConcurrency = 3
	})

	b := testutil.NewPlanBuilder("wide")
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"} {
		b.Step(id, "work")
	}

	p := wait(t, e, start(t, e, b.Build()))

	assert.Equal(t, core.PlanCompleted, p.Status)
	assert.Equal(t, 7, h.Calls())
	assert.LessOrEqual(t, h.MaxInFlight(), 3)
	assert.Equal(t, 3, h.MaxInFlight())
}

func TestEngine_SetConcurrencyAppliesToRunningPlan(t *testing.T) {
	h := &testutil.ScriptedHandler{Block: make(chan struct{})}
	e := newEngine(t, registry(t, h.Definition("block")), func(o *engine.Options) {
		o.Config.MaxConcurrency = 1
	})

	require.Error(t, e.SetConcurrency(0))

	planID := start(t, e, testutil.NewPlanBuilder("resize").
		Step("a", "block").Step("b", "block").Step("c", "block").Step("d", "block").
		Build())

	require.Eventually(t, func() bool { return h.InFlight() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.SetConcurrency(3))
	require.Eventually(t, func() bool { return h.InFlight() == 3 }, 5*time.Second, 5*time.Millisecond)

	close(h.Block)
	p := wait(t, e, planID)
	assert.Equal(t, core.PlanCompleted, p.Status)
	assert.Equal(t, 3, h.MaxInFlight())
}

func TestEngine_AbortOnFailureStopsDispatch(t *testing.T) {
	bad := &testutil.ScriptedHandler{FailFirst: -1}
	good := &testutil.ScriptedHandler{}
	e := newEngine(t, registry(t, bad.Definition("bad"), good.Definition("good")), func(o *engine.Options) {
		o.Config.MaxConcurrency = 1
	})

	req := testutil.NewPlanBuilder("abort").
		Policy(core.AbortOnFailure).
		Step("A", "bad").
		Step("B", "good").
		Step("C", "good", "B").
		Build()

	p := wait(t, e, start(t, e, req))

	assert.Equal(t, core.PlanFailed, p.Status)
	assert.Equal(t, core.StepFailed, p.Step("A").Status)
	assert.Equal(t, core.StepSkipped, p.Step("B").Status)
	assert.Equal(t, core.StepSkipped, p.Step("C").Status)
	assert.Contains(t, p.Step("B").Error, "aborted")
	assert.Zero(t, good.Calls())
}

func TestEngine_AbortLetsInFlightStepsFinish(t *testing.T) {
	bad := &testutil.ScriptedHandler{FailFirst: -1, Delay: 10 * time.Millisecond}
	slow := &testutil.ScriptedHandler{Delay: 100 * time.Millisecond}
	e := newEngine(t, registry(t, bad.Definition("bad"), slow.Definition("slow")), func(o *engine.Options) {
		o.Config.MaxConcurrency = 2
	})

	var (
		mu       sync.Mutex
		statuses []string
	)
	e.Hooks().Register(engine.NewFunctionHook(engine.HookPlanStatus, func(_ context.Context, hc *engine.HookContext) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, hc.To)
		return nil
	}))

	req := testutil.NewPlanBuilder("abort").
		Policy(core.AbortOnFailure).
		Step("A", "bad").
		Step("B", "slow").
		Step("C", "slow", "A").
		Build()

	p := wait(t, e, start(t, e, req))

	assert.Equal(t, core.PlanFailed, p.Status)
	assert.Equal(t, core.StepCompleted, p.Step("B").Status)
	assert.Equal(t, core.StepSkipped, p.Step("C").Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"IN_PROGRESS", "FAILED"}, statuses)
}

func TestEngine_AbortWaitsForInFlightStepsBeforeFailing(t *testing.T) {
	bad := &testutil.ScriptedHandler{FailFirst: -1, Delay: 10 * time.Millisecond}
	slow := &testutil.ScriptedHandler{Delay: 300 * time.Millisecond}
	st := store.NewInMemoryStore()
	e := newEngine(t, registry(t, bad.Definition("bad"), slow.Definition("slow")), func(o *engine.Options) {
		o.Store = st
		o.Config.MaxConcurrency = 2
	})

	var (
		mu       sync.Mutex
		terminal []float64
	)
	e.Hooks().Register(engine.NewFunctionHook(engine.HookPlanStatus, func(_ context.Context, hc *engine.HookContext) error {
		if core.PlanStatus(hc.To).IsTerminal() {
			mu.Lock()
			terminal = append(terminal, hc.Plan.Progress())
			mu.Unlock()
		}
		return nil
	}))

	planID := start(t, e, testutil.NewPlanBuilder("abort").
		Policy(core.AbortOnFailure).
		Step("A", "bad").
		Step("B", "slow").
		Step("C", "slow", "A").
		Build())

	require.Eventually(t, func() bool {
		snap, err := e.GetPlanStatus(context.Background(), planID)
		return err == nil && snap.Steps[0].Status == core.StepFailed && snap.Steps[2].Status == core.StepSkipped
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := e.GetPlanStatus(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanInProgress, snap.Status)
	assert.Equal(t, core.StepRunning, snap.Steps[1].Status)
	assert.Equal(t, core.StepSkipped, snap.Steps[2].Status)

	persisted, err := st.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	assert.Nil(t, persisted.CompletedAt)

	p := wait(t, e, planID)
	assert.Equal(t, core.PlanFailed, p.Status)
	assert.Equal(t, core.StepCompleted, p.Step("B").Status)
	assert.InDelta(t, 1.0, p.Progress(), 1e-9)
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, 1, slow.Calls())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, terminal, 1)
	assert.InDelta(t, 1.0, terminal[0], 1e-9)
}

func TestEngine_AbortCancelsInFlightWhenConfigured(t *testing.T) {
	bad := &testutil.ScriptedHandler{FailFirst: -1, Delay: 10 * time.Millisecond}
	block := &testutil.ScriptedHandler{Block: make(chan struct{})}
	e := newEngine(t, registry(t, bad.Definition("bad"), block.Definition("block")), func(o *engine.Options) {
		o.Config.MaxConcurrency = 2
		o.Config.CancelInFlightOnAbort = true
	})

	req := testutil.NewPlanBuilder("abort").
		Policy(core.AbortOnFailure).
		Step("A", "bad").
		Step("B", "block").
		Build()

	p := wait(t, e, start(t, e, req))

	assert.Equal(t, core.PlanFailed, p.Status)
	assert.Equal(t, core.StepFailed, p.Step("A").Status)
	assert.Equal(t, core.StepCancelled, p.Step("B").Status)
	assert.Equal(t, core.KindCancelled, p.Step("B").ErrorKind)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	h := &testutil.ScriptedHandler{FailFirst: 2}
	e := newEngine(t, registry(t, h.Definition("flaky")))

	planID := start(t, e, testutil.NewPlanBuilder("retry").
		Step("A", "flaky").MaxAttempts(3).
		Build())
	p := wait(t, e, planID)

	a := p.Step("A")
	assert.Equal(t, core.StepCompleted, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.Empty(t, a.Error)

	execs, err := e.ListExecutions(context.Background(), core.ExecutionFilter{PlanID: planID})
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, core.ExecutionFailed, execs[0].Status)
	assert.Equal(t, core.ExecutionFailed, execs[1].Status)
	assert.Equal(t, core.ExecutionSucceeded, execs[2].Status)
	assert.Equal(t, "ok:A", execs[2].Result)
}

func TestEngine_ValidationErrorsAreNotRetried(t *testing.T) {
	h := &testutil.ScriptedHandler{FailFirst: -1, FailKind: core.KindValidation}
	e := newEngine(t, registry(t, h.Definition("strict")))

	p := wait(t, e, start(t, e, testutil.NewPlanBuilder("strict").
		Step("A", "strict").MaxAttempts(5).
		Build()))

	assert.Equal(t, core.StepFailed, p.Step("A").Status)
	assert.Equal(t, core.KindValidation, p.Step("A").ErrorKind)
	assert.Equal(t, 1, h.Calls())
}

func TestEngine_ProgressIsMonotonic(t *testing.T) {
	h := &testutil.ScriptedHandler{Delay: 5 * time.Millisecond}
	e := newEngine(t, registry(t, h.Definition("work")))

	var (
		mu       sync.Mutex
		progress []float64
	)
	e.Hooks().Register(engine.NewFunctionHook(engine.HookStepTransition, func(_ context.Context, hc *engine.HookContext) error {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, hc.Plan.Progress())
		return nil
	}))

	p := wait(t, e, start(t, e, testutil.NewPlanBuilder("progress").
		Step("A", "work").
		Step("B", "work", "A").
		Step("C", "").
		Step("D", "work", "B", "C").
		Build()))
	assert.Equal(t, core.PlanCompleted, p.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.InDelta(t, 1.0, progress[len(progress)-1], 1e-9)
}

func TestEngine_BeforeDispatchHookCanVeto(t *testing.T) {
	h := &testutil.ScriptedHandler{}
	e := newEngine(t, registry(t, h.Definition("work")))
	e.Hooks().Register(engine.NewFunctionHook(engine.HookBeforeDispatch, func(_ context.Context, hc *engine.HookContext) error {
		if hc.Step.ID == "B" {
			return errors.New("not allowed")
		}
		return nil
	}))

	p := wait(t, e, start(t, e, testutil.NewPlanBuilder("veto").
		Step("A", "work").
		Step("B", "work", "A").
		Step("C", "work", "B").
		Build()))

	assert.Equal(t, core.StepCompleted, p.Step("A").Status)
	assert.Equal(t, core.StepFailed, p.Step("B").Status)
	assert.Contains(t, p.Step("B").Error, "not allowed")
	assert.Equal(t, core.StepSkipped, p.Step("C").Status)
	assert.Equal(t, 1, h.Calls())
}

func TestEngine_StepsWithoutToolCompleteImmediately(t *testing.T) {
	e := newEngine(t, registry(t))

	planID := start(t, e, testutil.NewPlanBuilder("milestones").
		Step("A", "").
		Step("B", "", "A").
		Build())
	p := wait(t, e, planID)

	assert.Equal(t, core.PlanCompleted, p.Status)
	execs, err := e.ListExecutions(context.Background(), core.ExecutionFilter{PlanID: planID})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestEngine_TemplatedParameters(t *testing.T) {
	e := newEngine(t, registry(t, tool.Echo()))

	planID := start(t, e, testutil.NewPlanBuilder("templates").
		Step("A", "echo").Params(map[string]any{"message": "hello"}).
		Step("B", "echo", "A").Params(map[string]any{"message": "{{ .steps.A.result }} from {{ .plan.title }}"}).
		Step("C", "echo", "A").Params(map[string]any{"message": "{{ .steps.missing.result }}"}).
		Build())
	p := wait(t, e, planID)

	assert.Equal(t, "hello from templates", p.Step("B").Result)
	assert.Equal(t, core.StepFailed, p.Step("C").Status)
	assert.Equal(t, core.KindValidation, p.Step("C").ErrorKind)

	execs, err := e.ListExecutions(context.Background(), core.ExecutionFilter{PlanID: planID, StepID: "B"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "hello from templates", execs[0].Parameters["message"])
}

func TestEngine_StartPlanErrors(t *testing.T) {
	h := &testutil.ScriptedHandler{Block: make(chan struct{})}
	e := newEngine(t, registry(t, h.Definition("block")))

	err := e.StartPlan(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)

	planID := start(t, e, testutil.NewPlanBuilder("busy").Step("A", "block").Build())
	assert.ErrorIs(t, e.StartPlan(context.Background(), planID), core.ErrPlanRunning)

	snap, err := e.GetPlanStatus(context.Background(), planID)
	require.NoError(t, err)
	assert.True(t, snap.Running)

	close(h.Block)
	p := wait(t, e, planID)
	assert.Equal(t, core.PlanCompleted, p.Status)
	assert.ErrorIs(t, e.StartPlan(context.Background(), planID), core.ErrPlanTerminal)
}

func TestEngine_GetPlanStatusSnapshot(t *testing.T) {
	bad := &testutil.ScriptedHandler{FailFirst: -1}
	e := newEngine(t, registry(t, tool.Echo(), bad.Definition("bad")))

	planID := start(t, e, testutil.NewPlanBuilder("snapshot").
		Step("A", "echo").Params(map[string]any{"message": "done"}).
		Step("B", "bad").
		Step("C", "echo", "B").Params(map[string]any{"message": "never"}).
		Build())
	wait(t, e, planID)

	snap, err := e.GetPlanStatus(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, planID, snap.PlanID)
	assert.Equal(t, core.PlanFailed, snap.Status)
	assert.InDelta(t, 1.0, snap.Progress, 1e-9)
	assert.False(t, snap.Running)
	require.Len(t, snap.Steps, 3)
	assert.Equal(t, "done", snap.Steps[0].Result)
	assert.Equal(t, core.KindExecution, snap.Steps[1].ErrorKind)
	assert.Equal(t, core.StepSkipped, snap.Steps[2].Status)
	assert.Contains(t, snap.Steps[2].Error, "dependency B failed")

	_, err = e.GetPlanStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_CloseInterruptsAndResumes(t *testing.T) {
	st := store.NewInMemoryStore()

	blocked := &testutil.ScriptedHandler{Block: make(chan struct{})}
	first := newEngine(t, registry(t, blocked.Definition("work")), func(o *engine.Options) { o.Store = st })

	planID := start(t, first, testutil.NewPlanBuilder("resume").
		Step("A", "work").
		Step("B", "work", "A").
		Build())
	require.Eventually(t, func() bool { return blocked.InFlight() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Close(ctx))
	assert.ErrorIs(t, first.StartPlan(context.Background(), planID), engine.ErrClosed)

	p, err := st.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	assert.False(t, p.Status.IsTerminal())
	assert.Equal(t, core.StepReady, p.Step("A").Status)
	assert.Equal(t, core.StepPending, p.Step("B").Status)
	assert.Equal(t, 1, p.Step("A").Attempts)

	done := &testutil.ScriptedHandler{}
	second := newEngine(t, registry(t, done.Definition("work")), func(o *engine.Options) { o.Store = st })
	require.NoError(t, second.StartPlan(context.Background(), planID))
	p = wait(t, second, planID)

	assert.Equal(t, core.PlanCompleted, p.Status)
	assert.Equal(t, 2, p.Step("A").Attempts)
	assert.Equal(t, 2, done.Calls())
}

func TestEngine_StartPlanRequeuesStaleRunningSteps(t *testing.T) {
	st := store.NewInMemoryStore()
	h := &testutil.ScriptedHandler{}
	e := newEngine(t, registry(t, h.Definition("work")), func(o *engine.Options) { o.Store = st })

	p, err := e.CreatePlan(context.Background(), testutil.NewPlanBuilder("stale").Step("A", "work").Build())
	require.NoError(t, err)

	// Simulate a process that died while A was running.
	a := p.Step("A")
	_, err = a.Apply(core.EventReady, time.Now())
	require.NoError(t, err)
	_, err = a.Apply(core.EventDispatch, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.UpdateStep(context.Background(), a))

	require.NoError(t, e.StartPlan(context.Background(), p.ID))
	final := wait(t, e, p.ID)

	assert.Equal(t, core.PlanCompleted, final.Status)
	assert.Equal(t, 1, h.Calls())
}

// Package storetest holds a conformance suite every core.Store
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
)

// Run exercises the store returned by newStore. newStore is called once per
// subtest and must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) core.Store) {
	t.Run("Plans", func(t *testing.T) { testPlans(t, newStore(t)) })
	t.Run("ListPlans", func(t *testing.T) { testListPlans(t, newStore(t)) })
	t.Run("Executions", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("Tools", func(t *testing.T) { testTools(t, newStore(t)) })
	t.Run("Sandboxes", func(t *testing.T) { testSandboxes(t, newStore(t)) })
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func samplePlan(id, owner string, created time.Time) *core.Plan {
	p := &core.Plan{
		ID:            id,
		OwnerID:       owner,
		Title:         "deploy " + id,
		Status:        core.PlanCreated,
		FailurePolicy: core.AbortOnFailure,
		Metadata:      map[string]string{"env": "staging"},
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	p.Steps = []*core.Step{
		{ID: "build", PlanID: id, OrderIndex: 0, Description: "build", Status: core.StepPending, ToolRef: "shell",
			Parameters: map[string]any{"command": "make"}, Timeout: time.Minute, MaxAttempts: 2},
		{ID: "ship", PlanID: id, OrderIndex: 1, Description: "ship", Status: core.StepPending,
			DependsOn: []string{"build"}, ToolRef: "echo", ExpectedResult: "shipped"},
	}
	return p
}

func testPlans(t *testing.T, s core.Store) {
	ctx := context.Background()
	p := samplePlan("p1", "alice", epoch)
	require.NoError(t, s.CreatePlan(ctx, p))
	assert.Error(t, s.CreatePlan(ctx, p), "duplicate ids are rejected")

	got, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "deploy p1", got.Title)
	assert.Equal(t, core.AbortOnFailure, got.FailurePolicy)
	assert.Equal(t, map[string]string{"env": "staging"}, got.Metadata)
	assert.True(t, epoch.Equal(got.CreatedAt))
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "build", got.Steps[0].ID)
	assert.Equal(t, "make", got.Steps[0].Parameters["command"])
	assert.Equal(t, time.Minute, got.Steps[0].Timeout)
	assert.Equal(t, []string{"build"}, got.Steps[1].DependsOn)

	got.Steps[0].Status = core.StepCompleted
	got.Steps[0].Result = "ok"
	got.Steps[0].Attempts = 1
	done := epoch.Add(time.Second)
	got.Steps[0].CompletedAt = &done
	require.NoError(t, s.UpdateStep(ctx, got.Steps[0]))

	got.Status = core.PlanInProgress
	got.CancelRequested = true
	got.Steps[1].Status = core.StepCancelled
	require.NoError(t, s.UpdatePlan(ctx, got))

	again, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, core.PlanInProgress, again.Status)
	assert.True(t, again.CancelRequested)
	assert.Equal(t, core.StepCompleted, again.Steps[0].Status)
	assert.Equal(t, "ok", again.Steps[0].Result)
	assert.Equal(t, 1, again.Steps[0].Attempts)
	require.NotNil(t, again.Steps[0].CompletedAt)
	assert.True(t, done.Equal(*again.Steps[0].CompletedAt))
	assert.Equal(t, core.StepPending, again.Steps[1].Status, "UpdatePlan leaves steps alone")

	_, err = s.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.UpdatePlan(ctx, &core.Plan{ID: "missing"}), core.ErrNotFound)
	assert.ErrorIs(t, s.UpdateStep(ctx, &core.Step{PlanID: "p1", ID: "nope"}), core.ErrNotFound)

	got.Title = "mutated after read"
	fresh, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "deploy p1", fresh.Title)
}

func testListPlans(t *testing.T, s core.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePlan(ctx, samplePlan("a", "alice", epoch)))
	require.NoError(t, s.CreatePlan(ctx, samplePlan("b", "bob", epoch.Add(time.Hour))))
	c := samplePlan("c", "alice", epoch.Add(2*time.Hour))
	c.Status = core.PlanCompleted
	require.NoError(t, s.CreatePlan(ctx, c))

	ids := func(f core.PlanFilter) []string {
		plans, err := s.ListPlans(ctx, f)
		require.NoError(t, err)
		out := make([]string, len(plans))
		for i, p := range plans {
			out[i] = p.ID
		}
		return out
	}

	assert.Equal(t, []string{"c", "b", "a"}, ids(core.PlanFilter{}))
	assert.Equal(t, []string{"c", "a"}, ids(core.PlanFilter{OwnerID: "alice"}))
	assert.Equal(t, []string{"c"}, ids(core.PlanFilter{Status: core.PlanCompleted}))
	assert.Equal(t, []string{"b"}, ids(core.PlanFilter{From: epoch.Add(time.Minute), To: epoch.Add(2 * time.Hour)}))
	assert.Equal(t, []string{"c", "b"}, ids(core.PlanFilter{Limit: 2}))

	plans, err := s.ListPlans(ctx, core.PlanFilter{OwnerID: "bob"})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Len(t, plans[0].Steps, 2)
}

func testExecutions(t *testing.T, s core.Store) {
	ctx := context.Background()
	first := &core.ToolExecution{
		ID: "e1", PlanID: "p", StepID: "build", ToolID: "t-shell", Attempt: 1,
		Status: core.ExecutionRunning, Parameters: map[string]any{"command": "make"}, StartedAt: epoch,
	}
	require.NoError(t, s.CreateExecution(ctx, first))
	assert.Error(t, s.CreateExecution(ctx, first))

	done := epoch.Add(time.Second)
	first.Status = core.ExecutionFailed
	first.Error = "exit 2"
	first.ErrorKind = core.KindExecution
	first.CompletedAt = &done
	first.Duration = time.Second
	require.NoError(t, s.UpdateExecution(ctx, first))

	require.NoError(t, s.CreateExecution(ctx, &core.ToolExecution{
		ID: "e2", PlanID: "p", StepID: "build", ToolID: "t-shell", Attempt: 2,
		Status: core.ExecutionSucceeded, StartedAt: epoch.Add(2 * time.Second),
	}))
	require.NoError(t, s.CreateExecution(ctx, &core.ToolExecution{
		ID: "e3", PlanID: "other", StepID: "x", Attempt: 1, Status: core.ExecutionSucceeded, StartedAt: epoch,
	}))

	execs, err := s.ListExecutions(ctx, core.ExecutionFilter{PlanID: "p", StepID: "build"})
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, 1, execs[0].Attempt)
	assert.Equal(t, core.ExecutionFailed, execs[0].Status)
	assert.Equal(t, core.KindExecution, execs[0].ErrorKind)
	assert.Equal(t, time.Second, execs[0].Duration)
	assert.Equal(t, "make", execs[0].Parameters["command"])
	assert.Equal(t, 2, execs[1].Attempt)

	failed, err := s.ListExecutions(ctx, core.ExecutionFilter{Status: core.ExecutionFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	assert.ErrorIs(t, s.UpdateExecution(ctx, &core.ToolExecution{ID: "missing"}), core.ErrNotFound)
}

func testTools(t *testing.T, s core.Store) {
	ctx := context.Background()
	shell := core.Tool{
		ID: "t-shell", Name: "shell", Description: "run a command", RequiresSandbox: true,
		Parameters:     []core.ToolParameter{{Name: "command", Type: "string", Required: true}},
		DefaultTimeout: 30 * time.Second, Active: true, CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, s.SaveTool(ctx, shell))
	require.NoError(t, s.SaveTool(ctx, core.Tool{ID: "t-echo", Name: "echo", Active: true, CreatedAt: epoch, UpdatedAt: epoch}))

	got, err := s.GetToolByName(ctx, "shell")
	require.NoError(t, err)
	assert.Equal(t, "t-shell", got.ID)
	assert.True(t, got.RequiresSandbox)
	assert.Equal(t, 30*time.Second, got.DefaultTimeout)
	require.Len(t, got.Parameters, 1)
	assert.True(t, got.Parameters[0].Required)

	shell.Active = false
	require.NoError(t, s.SaveTool(ctx, shell))
	got, err = s.GetTool(ctx, "t-shell")
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.Error(t, s.SaveTool(ctx, core.Tool{ID: "t-other", Name: "shell", CreatedAt: epoch, UpdatedAt: epoch}))

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)

	_, err = s.GetTool(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetToolByName(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testSandboxes(t *testing.T, s core.Store) {
	ctx := context.Background()
	sb := &core.Sandbox{
		ID: "sb1", OwnerID: "alice", Status: core.SandboxCreated,
		Limits:    core.ResourceLimits{CPU: 0.5, MemoryMB: 256, Timeout: time.Minute},
		CreatedAt: epoch,
	}
	require.NoError(t, s.SaveSandbox(ctx, sb))

	sb.Status = core.SandboxTerminated
	sb.WorkDir = "/tmp/sb1"
	end := epoch.Add(time.Minute)
	sb.TerminatedAt = &end
	require.NoError(t, s.SaveSandbox(ctx, sb))
	require.NoError(t, s.SaveSandbox(ctx, &core.Sandbox{ID: "sb2", OwnerID: "bob", Status: core.SandboxFailed, CreatedAt: epoch.Add(time.Second)}))

	got, err := s.GetSandbox(ctx, "sb1")
	require.NoError(t, err)
	assert.Equal(t, core.SandboxTerminated, got.Status)
	assert.Equal(t, "/tmp/sb1", got.WorkDir)
	assert.Equal(t, sb.Limits, got.Limits)
	require.NotNil(t, got.TerminatedAt)
	assert.True(t, end.Equal(*got.TerminatedAt))

	all, err := s.ListSandboxes(ctx, core.SandboxFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "sb1", all[0].ID)

	failed, err := s.ListSandboxes(ctx, core.SandboxFilter{Status: core.SandboxFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bob", failed[0].OwnerID)

	_, err = s.GetSandbox(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	for i, status := range []core.ExecutionStatus{core.ExecutionSucceeded, core.ExecutionFailed, core.ExecutionTimeout} {
		require.NoError(t, s.SaveSandboxExecution(ctx, &core.SandboxExecution{
			ID: string(rune('a' + i)), SandboxID: "sb1", Command: "cmd", Status: status,
			StartedAt: epoch.Add(time.Duration(i) * time.Second),
		}))
	}

	execs, err := s.ListSandboxExecutions(ctx, "sb1", false)
	require.NoError(t, err)
	assert.Len(t, execs, 3)

	execs, err = s.ListSandboxExecutions(ctx, "sb1", true)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, core.ExecutionFailed, execs[0].Status)
}

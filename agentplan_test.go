package agentplan_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan"
	"github.com/hupe1980/agentplan/config"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/engine"
	"github.com/hupe1980/agentplan/internal/testutil"
	"github.com/hupe1980/agentplan/model"
)

func newAgentPlan(t *testing.T, optFns ...func(o *agentplan.Options)) *agentplan.AgentPlan {
	t.Helper()
	ap := agentplan.New(optFns...)
	t.Cleanup(func() { _ = ap.Close(context.Background()) })
	return ap
}

func TestRun_BuiltinTools(t *testing.T) {
	backend := &testutil.FakeBackend{}
	ap := newAgentPlan(t, func(o *agentplan.Options) { o.SandboxBackend = backend })

	req := testutil.NewPlanBuilder("release").
		Step("version", "echo").Params(map[string]any{"message": "v1.2.3"}).
		Step("announce", "echo", "version").Params(map[string]any{"message": "shipping {{ .steps.version.result }}"}).
		Step("build", "shell", "version").Params(map[string]any{"command": "make release"}).
		Build()

	p, err := ap.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.PlanCompleted, p.Status)
	assert.Equal(t, "shipping v1.2.3", p.Step("announce").Result)
	assert.JSONEq(t, `{"stdout":"make release","stderr":"","exit_code":0}`, p.Step("build").Result)

	assert.Equal(t, []string{"make release"}, backend.Commands())
	assert.Equal(t, 1, backend.Stops())
	assert.Empty(t, ap.Sandboxes().Active())

	execs, err := ap.Engine().ListExecutions(context.Background(), core.ExecutionFilter{PlanID: p.ID, StepID: "build"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.NotEmpty(t, execs[0].SandboxID)
}

func TestRun_CancelsWhenContextEnds(t *testing.T) {
	ap := newAgentPlan(t, func(o *agentplan.Options) { o.EngineConfig.Retry.MaxAttempts = 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := testutil.NewPlanBuilder("slow").
		Step("wait", "sleep").Params(map[string]any{"duration": "10s"}).
		Step("after", "echo", "wait").Params(map[string]any{"message": "never"}).
		Build()

	p, err := ap.Run(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, p)
	assert.Equal(t, core.PlanCancelled, p.Status)
	assert.Equal(t, core.StepCancelled, p.Step("wait").Status)
	assert.Equal(t, core.StepCancelled, p.Step("after").Status)
}

func TestRegisterTool(t *testing.T) {
	ap := newAgentPlan(t)
	h := &testutil.ScriptedHandler{Output: "custom"}

	registered, err := ap.RegisterTool(context.Background(), h.Definition("custom"))
	require.NoError(t, err)
	assert.NotEmpty(t, registered.ID)

	names := make([]string, 0)
	for _, tl := range ap.Tools().List() {
		names = append(names, tl.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "sleep", "shell", "custom"}, names)

	p, err := ap.CreatePlan(context.Background(), testutil.NewPlanBuilder("custom").Step("a", "custom").Build())
	require.NoError(t, err)
	require.NoError(t, ap.StartPlan(context.Background(), p.ID))

	final, err := ap.Wait(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "custom", final.Step("a").Result)

	snap, err := ap.GetPlanStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanCompleted, snap.Status)
	assert.InDelta(t, 1.0, snap.Progress, 1e-9)

	plans, err := ap.ListPlans(context.Background(), core.PlanFilter{})
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestGenerateTextRegisteredWithModel(t *testing.T) {
	m := model.NewMockModel("mock", "test")
	m.AddResponse("summarize", "short")
	ap := newAgentPlan(t, func(o *agentplan.Options) { o.Model = m })

	p, err := ap.Run(context.Background(), testutil.NewPlanBuilder("llm").
		Step("sum", "generate_text").Params(map[string]any{"prompt": "summarize"}).
		Build())
	require.NoError(t, err)
	assert.Equal(t, "short", p.Step("sum").Result)
}

func TestHooksAreRegistered(t *testing.T) {
	var statuses []string
	hook := engine.NewFunctionHook(engine.HookPlanStatus, func(_ context.Context, hc *engine.HookContext) error {
		statuses = append(statuses, hc.To)
		return nil
	})
	ap := newAgentPlan(t, func(o *agentplan.Options) { o.Hooks = []engine.Hook{hook} })

	_, err := ap.Run(context.Background(), testutil.NewPlanBuilder("hooked").
		Step("a", "echo").Params(map[string]any{"message": "x"}).
		Build())
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	assert.Equal(t, string(core.PlanCompleted), statuses[len(statuses)-1])
}

func TestOpen_SQLitePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "plans.db")
	cfg.Logging.Level = "error"
	cfg.Sandbox.Root = t.TempDir()

	ap, err := agentplan.Open(ctx, cfg)
	require.NoError(t, err)
	p, err := ap.Run(ctx, testutil.NewPlanBuilder("durable").
		Step("a", "echo").Params(map[string]any{"message": "kept"}).
		Build())
	require.NoError(t, err)
	require.NoError(t, ap.Close(ctx))

	reopened, err := agentplan.Open(ctx, cfg)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	snap, err := reopened.GetPlanStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanCompleted, snap.Status)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "kept", snap.Steps[0].Result)

	assert.Len(t, reopened.Tools().List(), 3)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxConcurrency = 0
	_, err := agentplan.Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "max_concurrency")
}

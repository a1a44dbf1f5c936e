package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
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
)

const pipelinePlan = `
title: pipeline
failure_policy: SKIP_ON_FAILURE # either spelling
steps:
  - id: a
    tool: echo
    parameters: {message: hello}
  - id: b
    depends_on: [a]
    tool: echo
    parameters: {message: "{{ .steps.a.result }} world"}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// testConfig writes a config that keeps logs quiet, sandboxes in a temp dir
// and, with sqlite set, plans in a database file.
func testConfig(t *testing.T, sqlite bool) (string, string) {
	t.Helper()
	t.Setenv("AGENTPLAN_STORE_DSN", "")
	t.Setenv("AGENTPLAN_LOG_LEVEL", "")

	dir := t.TempDir()
	body := fmt.Sprintf("logging: {level: error}\nsandbox: {root: %s}\n", dir)
	dsn := ""
	if sqlite {
		dsn = filepath.Join(dir, "plans.db")
		body += fmt.Sprintf("store: {driver: sqlite, dsn: %s}\n", dsn)
	}
	return writeFile(t, dir, "agentplan.yaml", body), dsn
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadPlanFile(t *testing.T) {
	dir := t.TempDir()

	req, err := loadPlanFile(writeFile(t, dir, "ok.yaml", pipelinePlan))
	require.NoError(t, err)
	assert.Equal(t, "pipeline", req.Title)
	assert.Equal(t, core.SkipOnFailure, req.FailurePolicy)
	require.Len(t, req.Steps, 2)
	assert.Equal(t, []string{"a"}, req.Steps[1].DependsOn)
	assert.Equal(t, "hello", req.Steps[0].Parameters["message"])

	_, err = loadPlanFile(writeFile(t, dir, "typo.yaml", "title: x\nsteps:\n  - id: a\n    dependson: [b]\n"))
	assert.ErrorContains(t, err, "dependson")

	_, err = loadPlanFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunCommand(t *testing.T) {
	cfg, _ := testConfig(t, false)
	plan := writeFile(t, t.TempDir(), "plan.yaml", pipelinePlan)

	out, err := execute(t, "run", plan, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "hello world")
}

func TestRunCommand_FailedPlanReturnsError(t *testing.T) {
	cfg, _ := testConfig(t, false)
	plan := writeFile(t, t.TempDir(), "plan.yaml", `
title: broken
steps:
  - id: nap
    tool: sleep
    parameters: {duration: forever}
  - id: after
    depends_on: [nap]
    tool: echo
    parameters: {message: unreachable}
`)

	out, err := execute(t, "run", plan, "--config", cfg, "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finished FAILED")
	assert.Contains(t, out, "skipped: dependency nap failed")
}

func TestValidateCommand(t *testing.T) {
	cfg, _ := testConfig(t, false)
	dir := t.TempDir()

	out, err := execute(t, "validate", writeFile(t, dir, "plan.yaml", pipelinePlan), "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "order: a -> b")

	_, err = execute(t, "validate", writeFile(t, dir, "cycle.yaml", `
title: cycle
steps:
  - {id: a, depends_on: [b]}
  - {id: b, depends_on: [a]}
`), "--config", cfg)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestShippedExampleFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AGENTPLAN_STORE_DSN", "")
	t.Setenv("AGENTPLAN_LOG_LEVEL", "")

	const (
		planPath   = "../../examples/plans/release.yaml"
		configPath = "../../examples/plans/agentplan.yaml"
	)

	req, err := loadPlanFile(planPath)
	require.NoError(t, err)
	assert.Equal(t, core.SkipOnFailure, req.FailurePolicy)

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, core.SkipOnFailure, cfg.Engine.FailurePolicy)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)

	out, err := execute(t, "validate", planPath, "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "order: checkout -> build -> test -> wait -> announce")
}

func TestToolsCommand(t *testing.T) {
	cfg, _ := testConfig(t, false)
	out, err := execute(t, "tools", "--config", cfg)
	require.NoError(t, err)
	for _, name := range []string{"echo", "sleep", "shell"} {
		assert.Contains(t, out, name)
	}
}

func TestStatusAndListCommands(t *testing.T) {
	cfgPath, _ := testConfig(t, true)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	ctx := context.Background()
	ap, err := agentplan.Open(ctx, cfg)
	require.NoError(t, err)
	p, err := ap.Run(ctx, testutil.NewPlanBuilder("stored plan").
		Owner("alice").
		Step("only", "echo").Params(map[string]any{"message": "done"}).
		Build())
	require.NoError(t, err)
	require.NoError(t, ap.Close(ctx))

	out, err := execute(t, "status", p.ID, "--config", cfgPath, "--executions")
	require.NoError(t, err)
	assert.Contains(t, out, "stored plan")
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "SUCCEEDED")

	out, err = execute(t, "list", "--config", cfgPath, "--owner", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, p.ID)

	out, err = execute(t, "list", "--config", cfgPath, "--owner", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "No plans.")

	_, err = execute(t, "status", "missing", "--config", cfgPath)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRenderSnapshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderSnapshot(&buf, &engine.PlanSnapshot{
		PlanID:   "p-1",
		Title:    "deploy",
		Status:   core.PlanFailed,
		Progress: 1,
		Steps: []engine.StepSnapshot{
			{ID: "build", Tool: "shell", Status: core.StepFailed, Attempts: 3, Error: "exit code 2: boom"},
			{ID: "ship", Status: core.StepSkipped, Error: "skipped: dependency build failed"},
		},
	}))

	out := buf.String()
	assert.Contains(t, out, "deploy")
	assert.Contains(t, out, "[####################]")
	assert.Contains(t, out, "exit code 2: boom")
	assert.Contains(t, out, "ship")
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatAge(now.Add(-tt.ago), now), tt.ago.String())
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
	assert.Equal(t, "[##........]", progressBar(0.2, 10))
}

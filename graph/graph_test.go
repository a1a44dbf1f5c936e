package graph

import (
	"errors"
	"testing"

	"github.com/hupe1980/agentplan/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, order int, deps ...string) *core.Step {
	return &core.Step{ID: id, OrderIndex: order, Status: core.StepPending, DependsOn: deps}
}

func diamond() []*core.Step {
	return []*core.Step{
		step("A", 0),
		step("B", 1, "A"),
		step("C", 2, "A"),
		step("D", 3, "B", "C"),
	}
}

func statuses(pairs ...any) map[string]core.StepStatus {
	m := map[string]core.StepStatus{}
	for i := 0; i < len(pairs); i += 2 {
		m[pairs[i].(string)] = pairs[i+1].(core.StepStatus)
	}
	return m
}

func TestBuild_Diamond(t *testing.T) {
	g, err := Build(diamond())
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Order())
	assert.Equal(t, []string{"B", "C"}, g.Dependencies("D"))
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.TopologicalOrder())
}

func TestBuild_CycleReportsPath(t *testing.T) {
	steps := diamond()
	steps[1].DependsOn = []string{"A", "D"}

	g, err := Build(steps)
	assert.Nil(t, g)

	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"B", "D"}, ce.Cycle)
	assert.Equal(t, "dependency cycle detected: B -> D -> B", ce.Error())
}

func TestBuild_SelfDependency(t *testing.T) {
	_, err := Build([]*core.Step{step("A", 0, "A")})

	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"A"}, ce.Cycle)
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build([]*core.Step{step("A", 0), step("B", 1, "Z")})

	var ue *UnknownDependencyError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "B", ue.StepID)
	assert.Equal(t, "Z", ue.Dependency)
}

func TestBuild_DuplicateStep(t *testing.T) {
	_, err := Build([]*core.Step{step("A", 0), step("A", 1)})

	var de *DuplicateStepError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "A", de.StepID)
}

func TestReadySteps(t *testing.T) {
	g, err := Build(diamond())
	require.NoError(t, err)

	ready := g.ReadySteps(statuses("A", core.StepPending, "B", core.StepPending, "C", core.StepPending, "D", core.StepPending))
	assert.Equal(t, []string{"A"}, ready)

	ready = g.ReadySteps(statuses("A", core.StepCompleted, "B", core.StepPending, "C", core.StepReady, "D", core.StepPending))
	assert.Equal(t, []string{"B", "C"}, ready)

	ready = g.ReadySteps(statuses("A", core.StepCompleted, "B", core.StepRunning, "C", core.StepCompleted, "D", core.StepPending))
	assert.Empty(t, ready)

	ready = g.ReadySteps(statuses("A", core.StepCompleted, "B", core.StepSkipped, "C", core.StepCompleted, "D", core.StepPending))
	assert.Equal(t, []string{"D"}, ready)
}

func TestReadySteps_TieBreakByOrderThenID(t *testing.T) {
	g, err := Build([]*core.Step{step("z", 0), step("b", 1), step("a", 1)})
	require.NoError(t, err)

	ready := g.ReadySteps(statuses("z", core.StepPending, "b", core.StepPending, "a", core.StepPending))
	assert.Equal(t, []string{"z", "a", "b"}, ready)
}

func TestDependents_Transitive(t *testing.T) {
	g, err := Build([]*core.Step{
		step("A", 0),
		step("B", 1, "A"),
		step("C", 2, "B"),
		step("D", 3),
		step("E", 4, "C", "D"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C", "E"}, g.Dependents("A"))
	assert.Equal(t, []string{"E"}, g.Dependents("D"))
	assert.Empty(t, g.Dependents("E"))
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
)

func TestHookManager_RunsInOrderAndStopsOnError(t *testing.T) {
	m := NewHookManager()
	var calls []string

	m.Register(NewFunctionHook(HookBeforeDispatch, func(context.Context, *HookContext) error {
		calls = append(calls, "first")
		return nil
	}))
	m.Register(NewFunctionHook(HookBeforeDispatch, func(context.Context, *HookContext) error {
		calls = append(calls, "second")
		return errors.New("denied")
	}))
	m.Register(NewFunctionHook(HookBeforeDispatch, func(context.Context, *HookContext) error {
		calls = append(calls, "third")
		return nil
	}))
	m.Register(NewFunctionHook(HookPlanStatus, func(context.Context, *HookContext) error {
		calls = append(calls, "other type")
		return nil
	}))

	err := m.Execute(context.Background(), &HookContext{Type: HookBeforeDispatch})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before_dispatch hook: denied")
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestLoggingHook(t *testing.T) {
	var lines []string
	h := NewLoggingHook(HookStepTransition, func(msg string) { lines = append(lines, msg) })

	require.NoError(t, h.Execute(context.Background(), &HookContext{
		Type: HookStepTransition,
		Plan: &core.Plan{ID: "p1"},
		Step: &core.Step{ID: "A"},
		From: "READY",
		To:   "RUNNING",
	}))
	require.NoError(t, h.Execute(context.Background(), &HookContext{
		Type: HookPlanStatus,
		Plan: &core.Plan{ID: "p1"},
		From: "CREATED",
		To:   "IN_PROGRESS",
	}))

	assert.Equal(t, []string{
		"[step_transition] plan=p1 step=A READY -> RUNNING",
		"[plan_status] plan=p1 CREATED -> IN_PROGRESS",
	}, lines)
}

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentplan/core"
)

// HookType names the scheduler lifecycle points observable through hooks.
type HookType string

const (
	// HookBeforeDispatch runs before a ready step is handed to a worker.
	// Returning an error vetoes the dispatch and fails the step.
	HookBeforeDispatch HookType = "before_dispatch"

	// HookStepTransition runs after every step status change.
	HookStepTransition HookType = "step_transition"

	// HookPlanStatus runs whenever the derived plan status changes.
	HookPlanStatus HookType = "plan_status"
)

// HookContext describes the event a hook observes. Plan and Step are
// copies; mutating them has no effect on the run.
type HookContext struct {
	Type HookType
	Plan *core.Plan
	// Step is nil for HookPlanStatus.
	Step *core.Step
	// From and To hold step statuses for HookStepTransition and plan
	// statuses for HookPlanStatus.
	From string
	To   string
}

// Hook observes the scheduler. Hooks run synchronously on the scheduler
// goroutine and must return quickly.
type Hook interface {
	Type() HookType
	Execute(ctx context.Context, hc *HookContext) error
}

// FunctionHook wraps a function as a Hook.
//
// Example:
//
//	h := NewFunctionHook(HookStepTransition, func(ctx context.Context, hc *HookContext) error {
//	    log.Printf("step %s: %s -> %s", hc.Step.ID, hc.From, hc.To)
//	    return nil
//	})
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hc *HookContext) error
}

// NewFunctionHook creates a function-based hook.
func NewFunctionHook(hookType HookType, fn func(ctx context.Context, hc *HookContext) error) *FunctionHook {
	return &FunctionHook{hookType: hookType, fn: fn}
}

// Type returns the hook type this function handles.
func (h *FunctionHook) Type() HookType { return h.hookType }

// Execute calls the wrapped function.
func (h *FunctionHook) Execute(ctx context.Context, hc *HookContext) error { return h.fn(ctx, hc) }

// HookManager holds hooks by type and runs them in registration order.
// Registration and execution are safe for concurrent use.
type HookManager struct {
	mu    sync.RWMutex
	hooks map[HookType][]Hook
}

// NewHookManager creates an empty manager.
func NewHookManager() *HookManager {
	return &HookManager{hooks: make(map[HookType][]Hook)}
}

// Register adds a hook.
func (m *HookManager) Register(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[h.Type()] = append(m.hooks[h.Type()], h)
}

// Execute runs every hook of type hc.Type. The first error stops the chain
// and is returned.
func (m *HookManager) Execute(ctx context.Context, hc *HookContext) error {
	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooks[hc.Type]...)
	m.mu.RUnlock()

	for _, h := range hooks {
		if err := h.Execute(ctx, hc); err != nil {
			return fmt.Errorf("%s hook: %w", hc.Type, err)
		}
	}
	return nil
}

// LoggingHook forwards a one-line description of each event to a function.
type LoggingHook struct {
	hookType HookType
	logger   func(message string)
}

// NewLoggingHook creates a logging hook for hookType.
func NewLoggingHook(hookType HookType, logger func(message string)) *LoggingHook {
	return &LoggingHook{hookType: hookType, logger: logger}
}

// Type returns the hook type this logger handles.
func (h *LoggingHook) Type() HookType { return h.hookType }

// Execute logs the event.
func (h *LoggingHook) Execute(_ context.Context, hc *HookContext) error {
	if h.logger == nil {
		return nil
	}
	planID := ""
	if hc.Plan != nil {
		planID = hc.Plan.ID
	}
	if hc.Step != nil {
		h.logger(fmt.Sprintf("[%s] plan=%s step=%s %s -> %s", hc.Type, planID, hc.Step.ID, hc.From, hc.To))
		return nil
	}
	h.logger(fmt.Sprintf("[%s] plan=%s %s -> %s", hc.Type, planID, hc.From, hc.To))
	return nil
}

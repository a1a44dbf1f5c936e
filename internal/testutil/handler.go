package testutil

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/tool"
)

// ScriptedHandler is a tool.Handler with scripted behavior. It records how
// often it ran, how many calls overlapped and the order in which steps
// started and ended. The zero value succeeds immediately.
type ScriptedHandler struct {
	// Delay is slept (honoring cancellation) before returning.
	Delay time.Duration
	// FailFirst makes the first n calls fail; negative fails every call.
	FailFirst int
	// FailKind is the error kind of scripted failures. Defaults to
	// EXECUTION_ERROR.
	FailKind core.ErrorKind
	// Block, when non-nil, holds every call until it is closed or the
	// call is cancelled.
	Block chan struct{}
	// Output is returned on success. Defaults to "ok:<step id>".
	Output any

	mu          sync.Mutex
	calls       int
	inflight    int
	maxInflight int
	events      []string
}

var _ tool.Handler = (*ScriptedHandler)(nil)

// Definition wraps the handler in a tool definition named name.
func (h *ScriptedHandler) Definition(name string) tool.Definition {
	return tool.Definition{
		Tool: core.Tool{
			Name:        name,
			Description: "scripted test tool",
			Schema:      map[string]any{"type": "object"},
		},
		Handler: h,
	}
}

// Call implements tool.Handler.
func (h *ScriptedHandler) Call(tc *tool.Context, _ map[string]any) (any, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.inflight++
	h.maxInflight = max(h.maxInflight, h.inflight)
	h.events = append(h.events, "start:"+tc.StepID())
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.inflight--
		h.events = append(h.events, "end:"+tc.StepID())
		h.mu.Unlock()
	}()

	if h.Block != nil {
		select {
		case <-h.Block:
		case <-tc.Done():
			return nil, tc.Err()
		}
	}

	if h.Delay > 0 {
		t := time.NewTimer(h.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-tc.Done():
			return nil, tc.Err()
		}
	}

	if h.FailFirst < 0 || call <= h.FailFirst {
		kind := h.FailKind
		if kind == "" {
			kind = core.KindExecution
		}
		return nil, core.NewToolError(kind, "", fmt.Sprintf("scripted failure %d", call), nil)
	}

	if h.Output != nil {
		return h.Output, nil
	}
	return "ok:" + tc.StepID(), nil
}

// Calls returns the number of calls so far.
func (h *ScriptedHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// InFlight returns the number of calls currently executing.
func (h *ScriptedHandler) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight
}

// MaxInFlight returns the highest number of overlapping calls observed.
func (h *ScriptedHandler) MaxInFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxInflight
}

// Events returns the recorded "start:<step>" and "end:<step>" entries.
func (h *ScriptedHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.events)
}

// Index returns the position of event in Events, or -1.
func (h *ScriptedHandler) Index(event string) int {
	return slices.Index(h.Events(), event)
}

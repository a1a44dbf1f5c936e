package testutil

import (
	"maps"
	"time"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/engine"
)

// PlanBuilder helps construct plan requests with fluent chaining.
// Example:
//
//	req := NewPlanBuilder("deploy").
//	    Step("A", "echo").Params(map[string]any{"message": "hi"}).
//	    Step("B", "echo", "A").
//	    Build()
type PlanBuilder struct {
	req engine.PlanRequest
}

// NewPlanBuilder creates a builder for a plan with the given title.
func NewPlanBuilder(title string) *PlanBuilder {
	return &PlanBuilder{req: engine.PlanRequest{Title: title}}
}

// Owner sets the owning identity (chainable).
func (b *PlanBuilder) Owner(id string) *PlanBuilder {
	b.req.OwnerID = id
	return b
}

// Policy sets the failure policy (chainable).
func (b *PlanBuilder) Policy(p core.FailurePolicy) *PlanBuilder {
	b.req.FailurePolicy = p
	return b
}

// Step appends a step bound to toolRef, which may be empty (chainable).
func (b *PlanBuilder) Step(id, toolRef string, deps ...string) *PlanBuilder {
	b.req.Steps = append(b.req.Steps, engine.StepRequest{
		ID:          id,
		Description: "step " + id,
		Tool:        toolRef,
		DependsOn:   deps,
	})
	return b
}

// Params sets the parameters of the last step (chainable).
func (b *PlanBuilder) Params(params map[string]any) *PlanBuilder {
	b.last().Parameters = maps.Clone(params)
	return b
}

// MaxAttempts overrides the retry budget of the last step (chainable).
func (b *PlanBuilder) MaxAttempts(n int) *PlanBuilder {
	b.last().MaxAttempts = n
	return b
}

// Order sets the order index of the last step (chainable).
func (b *PlanBuilder) Order(n int) *PlanBuilder {
	b.last().OrderIndex = &n
	return b
}

// Timeout overrides the tool timeout of the last step (chainable).
func (b *PlanBuilder) Timeout(d time.Duration) *PlanBuilder {
	b.last().Timeout = d
	return b
}

func (b *PlanBuilder) last() *engine.StepRequest {
	if len(b.req.Steps) == 0 {
		panic("testutil: no step to configure")
	}
	return &b.req.Steps[len(b.req.Steps)-1]
}

// Build returns the plan request.
func (b *PlanBuilder) Build() engine.PlanRequest {
	out := b.req
	out.Steps = append([]engine.StepRequest(nil), b.req.Steps...)
	return out
}

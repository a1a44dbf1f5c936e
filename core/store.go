package core

import (
	"context"
	"time"
)

// PlanFilter narrows ListPlans. Zero fields do not filter.
type PlanFilter struct {
	OwnerID string
	Status  PlanStatus
	From    time.Time // CreatedAt >= From
	To      time.Time // CreatedAt < To
	Limit   int
}

// Match reports whether p passes the filter.
func (f PlanFilter) Match(p *Plan) bool {
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && p.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !p.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	PlanID string
	StepID string
	ToolID string
	Status ExecutionStatus
}

// Match reports whether e passes the filter.
func (f ExecutionFilter) Match(e *ToolExecution) bool {
	return (f.PlanID == "" || e.PlanID == f.PlanID) &&
		(f.StepID == "" || e.StepID == f.StepID) &&
		(f.ToolID == "" || e.ToolID == f.ToolID) &&
		(f.Status == "" || e.Status == f.Status)
}

// SandboxFilter narrows ListSandboxes.
type SandboxFilter struct {
	OwnerID string
	Status  SandboxStatus
}

// PlanStore persists plans and their steps. CreatePlan is all or nothing.
type PlanStore interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	UpdateStep(ctx context.Context, s *Step) error
	ListPlans(ctx context.Context, f PlanFilter) ([]*Plan, error)
}

// ExecutionStore persists tool execution attempts.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *ToolExecution) error
	UpdateExecution(ctx context.Context, e *ToolExecution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*ToolExecution, error)
}

// ToolStore persists tool registry metadata.
type ToolStore interface {
	SaveTool(ctx context.Context, t Tool) error
	GetTool(ctx context.Context, id string) (Tool, error)
	GetToolByName(ctx context.Context, name string) (Tool, error)
	ListTools(ctx context.Context) ([]Tool, error)
}

// SandboxStore persists sandbox records and the commands they ran.
type SandboxStore interface {
	SaveSandbox(ctx context.Context, s *Sandbox) error
	GetSandbox(ctx context.Context, id string) (*Sandbox, error)
	ListSandboxes(ctx context.Context, f SandboxFilter) ([]*Sandbox, error)
	SaveSandboxExecution(ctx context.Context, e *SandboxExecution) error
	ListSandboxExecutions(ctx context.Context, sandboxID string, failedOnly bool) ([]*SandboxExecution, error)
}

// Store bundles every persistence contract the engine depends on.
type Store interface {
	PlanStore
	ExecutionStore
	ToolStore
	SandboxStore
}

package core

import (
	"maps"
	"slices"
	"time"
)

// ToolParameter documents a single tool argument. When a tool declares
// parameters but no explicit Schema, the schema is derived from them.
type ToolParameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Tool is the registry record of an invocable capability.
type Tool struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Documentation   string          `json:"documentation,omitempty"`
	Schema          map[string]any  `json:"schema,omitempty"`
	Parameters      []ToolParameter `json:"parameters,omitempty"`
	RequiresSandbox bool            `json:"requires_sandbox"`
	SandboxTemplate string          `json:"sandbox_template,omitempty"`
	DefaultTimeout  time.Duration   `json:"default_timeout,omitempty"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to hand out of a registry.
func (t Tool) Clone() Tool {
	t.Schema = maps.Clone(t.Schema)
	t.Parameters = slices.Clone(t.Parameters)
	return t
}

// ToolExecution records one attempt of one step. A retry creates a new
// record; records are never reused across attempts.
type ToolExecution struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	StepID      string          `json:"step_id"`
	ToolID      string          `json:"tool_id"`
	Attempt     int             `json:"attempt"`
	Status      ExecutionStatus `json:"status"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	SandboxID   string          `json:"sandbox_id,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

// Clone returns a copy of the execution record.
func (e *ToolExecution) Clone() *ToolExecution {
	c := *e
	c.Parameters = maps.Clone(e.Parameters)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

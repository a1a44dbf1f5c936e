package engine

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/agentplan/core"
)

// StepRequest declares one step of a plan. It doubles as the plan file
// format used by the CLI.
type StepRequest struct {
	// ID identifies the step inside its plan; dependencies refer to it.
	// Defaults to "step-<n>".
	ID             string         `yaml:"id" json:"id"`
	Description    string         `yaml:"description" json:"description"`
	DependsOn      []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// OrderIndex ranks simultaneously ready steps, lowest first; ties go
	// by ID. Defaults to the position in the request.
	OrderIndex     *int           `yaml:"order_index,omitempty" json:"order_index,omitempty"`
	Tool           string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Parameters     map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Timeout        time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxAttempts    int            `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	ExpectedResult string         `yaml:"expected_result,omitempty" json:"expected_result,omitempty"`
}

// PlanRequest is the input of CreatePlan.
type PlanRequest struct {
	OwnerID       string             `yaml:"owner_id,omitempty" json:"owner_id,omitempty"`
	Title         string             `yaml:"title" json:"title"`
	Description   string             `yaml:"description,omitempty" json:"description,omitempty"`
	FailurePolicy core.FailurePolicy `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty"`
	Metadata      map[string]string  `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Steps         []StepRequest      `yaml:"steps" json:"steps"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrValidation, fmt.Sprintf(format, args...))
}

// buildPlan checks the request shape and converts it into a CREATED plan.
// Dependency structure and tool bindings are checked by the caller.
func buildPlan(id string, req PlanRequest, def core.FailurePolicy, now time.Time) (*core.Plan, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, invalid("plan title is required")
	}
	if len(req.Steps) == 0 {
		return nil, invalid("plan %q has no steps", title)
	}

	policy := req.FailurePolicy
	if policy == "" {
		policy = def
	}
	if !policy.Valid() {
		return nil, invalid("unknown failure policy %q", policy)
	}

	p := &core.Plan{
		ID:            id,
		OwnerID:       req.OwnerID,
		Title:         title,
		Description:   req.Description,
		Status:        core.PlanCreated,
		FailurePolicy: policy.OrDefault(),
		Metadata:      maps.Clone(req.Metadata),
		Steps:         make([]*core.Step, 0, len(req.Steps)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for i, sr := range req.Steps {
		sid := strings.TrimSpace(sr.ID)
		if sid == "" {
			sid = fmt.Sprintf("step-%d", i+1)
		}
		if sr.Timeout < 0 {
			return nil, invalid("step %s: negative timeout", sid)
		}
		if sr.MaxAttempts < 0 {
			return nil, invalid("step %s: negative max_attempts", sid)
		}
		order := i
		if sr.OrderIndex != nil {
			if *sr.OrderIndex < 0 {
				return nil, invalid("step %s: negative order_index", sid)
			}
			order = *sr.OrderIndex
		}
		p.Steps = append(p.Steps, &core.Step{
			ID:             sid,
			PlanID:         id,
			OrderIndex:     order,
			Description:    sr.Description,
			Status:         core.StepPending,
			DependsOn:      slices.Clone(sr.DependsOn),
			ToolRef:        strings.TrimSpace(sr.Tool),
			Parameters:     maps.Clone(sr.Parameters),
			Timeout:        sr.Timeout,
			MaxAttempts:    sr.MaxAttempts,
			ExpectedResult: sr.ExpectedResult,
		})
	}
	slices.SortStableFunc(p.Steps, func(a, b *core.Step) int {
		return cmp.Or(cmp.Compare(a.OrderIndex, b.OrderIndex), strings.Compare(a.ID, b.ID))
	})
	return p, nil
}

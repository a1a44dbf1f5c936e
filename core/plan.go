package core

import (
	"maps"
	"time"
)

// Plan is an ordered collection of steps forming a dependency DAG. Its
// status is never assigned by callers; the engine derives it from the steps.
type Plan struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id,omitempty"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Status          PlanStatus        `json:"status"`
	FailurePolicy   FailurePolicy     `json:"failure_policy"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Steps           []*Step           `json:"steps"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Progress is the fraction of steps in a terminal status.
func (p *Plan) Progress() float64 {
	return Progress(p.Steps)
}

// Clone returns a deep copy of the plan including its steps.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	c.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Progress returns terminal steps / total steps. A plan without steps has
// nothing left to do and reports 1.
func Progress(steps []*Step) float64 {
	if len(steps) == 0 {
		return 1
	}
	done := 0
	for _, s := range steps {
		if s.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(steps))
}

// DerivePlanStatus computes the plan status from its steps, its failure
// policy, the cancellation flag and the number of dispatches still
// outstanding. It is a pure function.
func DerivePlanStatus(p *Plan, outstanding int) PlanStatus {
	var failed, started, open bool
	for _, s := range p.Steps {
		switch s.Status {
		case StepFailed:
			failed = true
		case StepPending, StepReady:
			open = true
		case StepRunning:
			open = true
			started = true
		}
		if s.Attempts > 0 || (s.Status != StepPending && s.Status != StepReady) {
			started = true
		}
	}

	if failed && p.FailurePolicy.OrDefault() == AbortOnFailure {
		// Dispatch has stopped. The plan turns FAILED once in-flight steps
		// drain.
		if outstanding > 0 {
			return PlanInProgress
		}
		return PlanFailed
	}
	if p.CancelRequested {
		if outstanding > 0 {
			return PlanInProgress
		}
		return PlanCancelled
	}
	if open || outstanding > 0 {
		if started || outstanding > 0 {
			return PlanInProgress
		}
		return PlanCreated
	}
	if failed {
		return PlanFailed
	}
	return PlanCompleted
}

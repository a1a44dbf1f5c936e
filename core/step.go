package core

import (
	"maps"
	"slices"
	"time"
)

// Step is one unit of work inside a Plan. Dependencies refer to other steps
// of the same plan by ID.
type Step struct {
	ID             string         `json:"id"`
	PlanID         string         `json:"plan_id"`
	OrderIndex     int            `json:"order_index"`
	Description    string         `json:"description"`
	Status         StepStatus     `json:"status"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	ToolRef        string         `json:"tool,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	MaxAttempts    int            `json:"max_attempts,omitempty"`
	ExpectedResult string         `json:"expected_result,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      ErrorKind      `json:"error_kind,omitempty"`
	Attempts       int            `json:"attempts"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// StepEvent drives the step state machine.
type StepEvent string

const (
	EventReady    StepEvent = "ready"
	EventDispatch StepEvent = "dispatch"
	EventSucceed  StepEvent = "succeed"
	EventFail     StepEvent = "fail"
	EventSkip     StepEvent = "skip"
	EventCancel   StepEvent = "cancel"
	// EventRequeue returns a step that was RUNNING in an interrupted process
	// to READY so a new run can dispatch it again.
	EventRequeue StepEvent = "requeue"
)

var stepTransitions = map[StepStatus]map[StepEvent]StepStatus{
	StepPending: {
		EventReady:  StepReady,
		EventSkip:   StepSkipped,
		EventCancel: StepCancelled,
	},
	StepReady: {
		EventDispatch: StepRunning,
		EventSkip:     StepSkipped,
		EventCancel:   StepCancelled,
	},
	StepRunning: {
		EventSucceed: StepCompleted,
		EventFail:    StepFailed,
		EventCancel:  StepCancelled,
		EventRequeue: StepReady,
	},
}

// TransitionStep returns the status reached from current on event, or an
// *InvalidTransitionError. Terminal statuses accept no events.
func TransitionStep(current StepStatus, event StepEvent) (StepStatus, error) {
	if next, ok := stepTransitions[current][event]; ok {
		return next, nil
	}
	return current, &InvalidTransitionError{Entity: "step", From: string(current), Event: string(event)}
}

// Apply transitions the step and stamps StartedAt on dispatch and
// CompletedAt on reaching a terminal status.
func (s *Step) Apply(event StepEvent, now time.Time) (StepStatus, error) {
	prev := s.Status
	next, err := TransitionStep(prev, event)
	if err != nil {
		return prev, err
	}
	s.Status = next
	switch {
	case next == StepRunning:
		t := now
		s.StartedAt = &t
		s.CompletedAt = nil
	case next.IsTerminal():
		t := now
		s.CompletedAt = &t
	}
	return prev, nil
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	c := *s
	c.DependsOn = slices.Clone(s.DependsOn)
	c.Parameters = maps.Clone(s.Parameters)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

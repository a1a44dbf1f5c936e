package core

import "strings"

// PlanStatus is the derived lifecycle state of a Plan.
type PlanStatus string

const (
	PlanCreated    PlanStatus = "CREATED"
	PlanInProgress PlanStatus = "IN_PROGRESS"
	PlanCompleted  PlanStatus = "COMPLETED"
	PlanFailed     PlanStatus = "FAILED"
	PlanCancelled  PlanStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single Step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// IsTerminal reports whether the step has reached a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the outcome of a single ToolExecution attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// ExecutionStatusFor maps an error kind to the execution record status.
func ExecutionStatusFor(kind ErrorKind) ExecutionStatus {
	switch kind {
	case "":
		return ExecutionSucceeded
	case KindTimeout:
		return ExecutionTimeout
	case KindCancelled:
		return ExecutionCancelled
	default:
		return ExecutionFailed
	}
}

// SandboxStatus is the lifecycle state of a Sandbox.
type SandboxStatus string

const (
	SandboxCreated    SandboxStatus = "CREATED"
	SandboxStarting   SandboxStatus = "STARTING"
	SandboxRunning    SandboxStatus = "RUNNING"
	SandboxPaused     SandboxStatus = "PAUSED"
	SandboxStopping   SandboxStatus = "STOPPING"
	SandboxTerminated SandboxStatus = "TERMINATED"
	SandboxFailed     SandboxStatus = "FAILED"
	SandboxTimeout    SandboxStatus = "TIMEOUT"
)

// IsTerminal reports whether the sandbox can no longer run commands.
func (s SandboxStatus) IsTerminal() bool {
	switch s {
	case SandboxTerminated, SandboxFailed, SandboxTimeout:
		return true
	default:
		return false
	}
}

// FailurePolicy decides how a plan reacts to a step that exhausted its retries.
type FailurePolicy string

const (
	// SkipOnFailure marks every transitive dependent SKIPPED and keeps
	// running independent branches.
	SkipOnFailure FailurePolicy = "skip-on-failure"
	// AbortOnFailure fails the plan immediately and stops dispatching.
	AbortOnFailure FailurePolicy = "abort-on-failure"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// means SkipOnFailure.
func (p FailurePolicy) Valid() bool {
	switch p {
	case "", SkipOnFailure, AbortOnFailure:
		return true
	default:
		return false
	}
}

// ParseFailurePolicy normalizes case and underscores, so "ABORT_ON_FAILURE"
// and "abort-on-failure" name the same policy. Unknown names are returned
// unchanged for Valid to reject.
func ParseFailurePolicy(s string) FailurePolicy {
	p := FailurePolicy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if p.Valid() {
		return p
	}
	return FailurePolicy(s)
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML and JSON input.
func (p *FailurePolicy) UnmarshalText(text []byte) error {
	*p = ParseFailurePolicy(string(text))
	return nil
}

// OrDefault returns SkipOnFailure for the empty policy.
func (p FailurePolicy) OrDefault() FailurePolicy {
	if p == "" {
		return SkipOnFailure
	}
	return p
}

package core

import "time"

// ResourceLimits bounds what a sandbox may consume. Zero values mean "use
// the manager default".
type ResourceLimits struct {
	CPU      float64       `json:"cpu" yaml:"cpu"`             // cores
	MemoryMB int           `json:"memory_mb" yaml:"memory_mb"` // megabytes
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`     // wall clock lifetime
}

// Merge fills zero fields of l from def.
func (l ResourceLimits) Merge(def ResourceLimits) ResourceLimits {
	if l.CPU == 0 {
		l.CPU = def.CPU
	}
	if l.MemoryMB == 0 {
		l.MemoryMB = def.MemoryMB
	}
	if l.Timeout == 0 {
		l.Timeout = def.Timeout
	}
	return l
}

// Exceeds reports whether any non-zero bound of max is below l.
func (l ResourceLimits) Exceeds(max ResourceLimits) bool {
	return (max.CPU > 0 && l.CPU > max.CPU) ||
		(max.MemoryMB > 0 && l.MemoryMB > max.MemoryMB) ||
		(max.Timeout > 0 && l.Timeout > max.Timeout)
}

// SandboxTemplate is a named preset of limits and base image.
type SandboxTemplate struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	BaseImage   string         `json:"base_image,omitempty" yaml:"base_image,omitempty"`
	Limits      ResourceLimits `json:"limits" yaml:"limits"`
	Active      bool           `json:"active" yaml:"active"`
}

// Sandbox is an isolated execution environment leased to a single tool call.
type Sandbox struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id,omitempty"`
	Template     string         `json:"template,omitempty"`
	Status       SandboxStatus  `json:"status"`
	Limits       ResourceLimits `json:"limits"`
	WorkDir      string         `json:"work_dir,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	TerminatedAt *time.Time     `json:"terminated_at,omitempty"`
}

// Clone returns a copy of the sandbox record.
func (s *Sandbox) Clone() *Sandbox {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		c.TerminatedAt = &t
	}
	return &c
}

// SandboxExecution records one command run inside a sandbox.
type SandboxExecution struct {
	ID          string          `json:"id"`
	SandboxID   string          `json:"sandbox_id"`
	Command     string          `json:"command"`
	Output      string          `json:"output,omitempty"`
	ErrorOutput string          `json:"error_output,omitempty"`
	ExitCode    int             `json:"exit_code"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

var sandboxTransitions = map[SandboxStatus][]SandboxStatus{
	SandboxCreated:  {SandboxStarting},
	SandboxStarting: {SandboxRunning, SandboxFailed, SandboxTimeout},
	SandboxRunning:  {SandboxPaused, SandboxStopping, SandboxFailed, SandboxTimeout},
	SandboxPaused:   {SandboxRunning, SandboxStopping},
	SandboxStopping: {SandboxTerminated, SandboxFailed},
}

// TransitionSandbox validates a sandbox lifecycle move.
func TransitionSandbox(current, next SandboxStatus) error {
	for _, allowed := range sandboxTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "sandbox", From: string(current), Event: string(next)}
}

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/agentplan/core"
)

// InMemoryStore is a volatile core.Store keeping every record in process
// local maps. It is safe for concurrent access. Records are cloned on the
// way in and out so callers never share memory with the store.
type InMemoryStore struct {
	mu sync.RWMutex

	plans      map[string]*core.Plan
	executions map[string]*core.ToolExecution
	tools      map[string]core.Tool
	sandboxes  map[string]*core.Sandbox
	sbExecs    map[string][]*core.SandboxExecution
}

var _ core.Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		plans:      make(map[string]*core.Plan),
		executions: make(map[string]*core.ToolExecution),
		tools:      make(map[string]core.Tool),
		sandboxes:  make(map[string]*core.Sandbox),
		sbExecs:    make(map[string][]*core.SandboxExecution),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
}

// CreatePlan stores a plan together with its steps.
func (s *InMemoryStore) CreatePlan(_ context.Context, p *core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return fmt.Errorf("plan %s already exists", p.ID)
	}
	s.plans[p.ID] = p.Clone()
	return nil
}

// GetPlan returns a copy of the plan with its steps.
func (s *InMemoryStore) GetPlan(_ context.Context, id string) (*core.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, notFound("plan", id)
	}
	return p.Clone(), nil
}

// UpdatePlan overwrites plan-level fields. Steps are left untouched; they
// change through UpdateStep.
func (s *InMemoryStore) UpdatePlan(_ context.Context, p *core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plans[p.ID]
	if !ok {
		return notFound("plan", p.ID)
	}
	next := p.Clone()
	next.Steps = cur.Steps
	s.plans[p.ID] = next
	return nil
}

// UpdateStep replaces a single step of a stored plan.
func (s *InMemoryStore) UpdateStep(_ context.Context, st *core.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[st.PlanID]
	if !ok {
		return notFound("plan", st.PlanID)
	}
	for i, cur := range p.Steps {
		if cur.ID == st.ID {
			p.Steps[i] = st.Clone()
			return nil
		}
	}
	return notFound("step", st.PlanID+"/"+st.ID)
}

// ListPlans returns matching plans, newest first.
func (s *InMemoryStore) ListPlans(_ context.Context, f core.PlanFilter) ([]*core.Plan, error) {
	s.mu.RLock()
	out := make([]*core.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *core.Plan) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CreateExecution stores a new execution attempt.
func (s *InMemoryStore) CreateExecution(_ context.Context, e *core.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	s.executions[e.ID] = e.Clone()
	return nil
}

// UpdateExecution overwrites an existing execution attempt.
func (s *InMemoryStore) UpdateExecution(_ context.Context, e *core.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return notFound("execution", e.ID)
	}
	s.executions[e.ID] = e.Clone()
	return nil
}

// ListExecutions returns matching attempts ordered by start time.
func (s *InMemoryStore) ListExecutions(_ context.Context, f core.ExecutionFilter) ([]*core.ToolExecution, error) {
	s.mu.RLock()
	var out []*core.ToolExecution
	for _, e := range s.executions {
		if f.Match(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *core.ToolExecution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.Attempt != b.Attempt {
			return a.Attempt - b.Attempt
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// SaveTool inserts or replaces tool metadata.
func (s *InMemoryStore) SaveTool(_ context.Context, t core.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.tools {
		if cur.Name == t.Name && id != t.ID {
			return fmt.Errorf("tool name %s already used by %s", t.Name, id)
		}
	}
	s.tools[t.ID] = t.Clone()
	return nil
}

// GetTool returns tool metadata by ID.
func (s *InMemoryStore) GetTool(_ context.Context, id string) (core.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return core.Tool{}, notFound("tool", id)
	}
	return t.Clone(), nil
}

// GetToolByName returns tool metadata by unique name.
func (s *InMemoryStore) GetToolByName(_ context.Context, name string) (core.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools {
		if t.Name == name {
			return t.Clone(), nil
		}
	}
	return core.Tool{}, notFound("tool", name)
}

// ListTools returns all tools sorted by name.
func (s *InMemoryStore) ListTools(_ context.Context) ([]core.Tool, error) {
	s.mu.RLock()
	out := make([]core.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.Tool) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// SaveSandbox inserts or replaces a sandbox record.
func (s *InMemoryStore) SaveSandbox(_ context.Context, sb *core.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandboxes[sb.ID] = sb.Clone()
	return nil
}

// GetSandbox returns a sandbox record.
func (s *InMemoryStore) GetSandbox(_ context.Context, id string) (*core.Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sb, ok := s.sandboxes[id]
	if !ok {
		return nil, notFound("sandbox", id)
	}
	return sb.Clone(), nil
}

// ListSandboxes returns matching sandboxes ordered by creation time.
func (s *InMemoryStore) ListSandboxes(_ context.Context, f core.SandboxFilter) ([]*core.Sandbox, error) {
	s.mu.RLock()
	var out []*core.Sandbox
	for _, sb := range s.sandboxes {
		if (f.OwnerID == "" || sb.OwnerID == f.OwnerID) && (f.Status == "" || sb.Status == f.Status) {
			out = append(out, sb.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *core.Sandbox) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// SaveSandboxExecution appends a command record to its sandbox.
func (s *InMemoryStore) SaveSandboxExecution(_ context.Context, e *core.SandboxExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.sbExecs[e.SandboxID] = append(s.sbExecs[e.SandboxID], &c)
	return nil
}

// ListSandboxExecutions returns the commands run in a sandbox in order.
// With failedOnly set, only non-successful commands are returned.
func (s *InMemoryStore) ListSandboxExecutions(_ context.Context, sandboxID string, failedOnly bool) ([]*core.SandboxExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.SandboxExecution
	for _, e := range s.sbExecs[sandboxID] {
		if failedOnly && e.Status == core.ExecutionSucceeded {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

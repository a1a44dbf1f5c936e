// Package graph resolves the dependency DAG of a plan: it rejects unknown
// dependencies and cycles, computes the set of dispatchable steps and walks
// transitive dependents for failure propagation.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/agentplan/core"
)

// CycleError reports a dependency cycle as the ordered list of step IDs on
// the cycle, starting at the step that was re-entered.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	path := append(slices.Clone(e.Cycle), e.Cycle[0])
	return "dependency cycle detected: " + strings.Join(path, " -> ")
}

// UnknownDependencyError reports a dependency on a step that is not part of
// the plan.
type UnknownDependencyError struct {
	StepID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.Dependency)
}

// DuplicateStepError reports two steps sharing one identity.
type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step id %q", e.StepID)
}

type node struct {
	id    string
	order int
}

// Graph is an immutable, validated dependency DAG.
type Graph struct {
	nodes      map[string]node
	deps       map[string][]string
	dependents map[string][]string
	order      []string
}

// Build validates the steps and returns their dependency graph.
func Build(steps []*core.Step) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]node, len(steps)),
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
		order:      make([]string, 0, len(steps)),
	}

	for _, s := range steps {
		if _, dup := g.nodes[s.ID]; dup {
			return nil, &DuplicateStepError{StepID: s.ID}
		}
		g.nodes[s.ID] = node{id: s.ID, order: s.OrderIndex}
		g.order = append(g.order, s.ID)
	}
	slices.SortStableFunc(g.order, g.compare)

	for _, s := range steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UnknownDependencyError{StepID: s.ID, Dependency: dep}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[s.ID] = append(g.deps[s.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	for id := range g.dependents {
		slices.SortFunc(g.dependents[id], g.compare)
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return g, nil
}

func (g *Graph) compare(a, b string) int {
	na, nb := g.nodes[a], g.nodes[b]
	if na.order != nb.order {
		return na.order - nb.order
	}
	return strings.Compare(a, b)
}

const (
	white = iota
	grey
	black
)

// findCycle runs a depth-first search from every step in dispatch order,
// following dependency edges. The first back edge closes a cycle.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				return slices.Clone(stack[start:])
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.order) }

// Order returns every step ID in dispatch order: ascending order index, then ID.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string { return slices.Clone(g.deps[id]) }

// ReadySteps returns, in dispatch order, the non-terminal steps that are not
// running and whose every dependency is COMPLETED or SKIPPED.
func (g *Graph) ReadySteps(statuses map[string]core.StepStatus) []string {
	var ready []string
	for _, id := range g.order {
		st := statuses[id]
		if st.IsTerminal() || st == core.StepRunning {
			continue
		}
		if g.satisfied(id, statuses) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (g *Graph) satisfied(id string, statuses map[string]core.StepStatus) bool {
	for _, dep := range g.deps[id] {
		switch statuses[dep] {
		case core.StepCompleted, core.StepSkipped:
		default:
			return false
		}
	}
	return true
}

// Dependents returns every transitive dependent of id in dispatch order.
func (g *Graph) Dependents(id string) []string {
	seen := map[string]bool{}
	queue := slices.Clone(g.dependents[id])
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, g.dependents[cur]...)
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	slices.SortFunc(out, g.compare)
	return out
}

// TopologicalOrder returns the steps so that every step follows all of its
// dependencies, ties broken by dispatch order.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.deps[id])
	}
	var out, frontier []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		out = append(out, cur)
		for _, d := range g.dependents[cur] {
			indegree[d]--
			if indegree[d] == 0 {
				frontier = append(frontier, d)
				slices.SortFunc(frontier, g.compare)
			}
		}
	}
	return out
}

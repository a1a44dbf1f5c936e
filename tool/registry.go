package tool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/logging"
)

// toolNamespace derives stable tool IDs from names so a persisted registry
// keeps its identities across restarts.
var toolNamespace = uuid.MustParse("5b1f7c8e-3a41-4f0e-9c55-0d7c2e9a6b10")

// Catalog resolves a tool reference (ID or name) to its record and handler.
type Catalog interface {
	Lookup(ctx context.Context, ref string) (core.Tool, Handler, error)
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Store persists tool metadata when set.
	Store  core.ToolStore
	Logger logging.Logger
}

type registration struct {
	tool    core.Tool
	handler Handler
}

// Registry is a thread-safe, in-memory Catalog. Handlers are code and live
// only here; metadata is mirrored to the optional store.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*registration
	byName map[string]string
	store  core.ToolStore
	logger logging.Logger
}

var _ Catalog = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		byID:   make(map[string]*registration),
		byName: make(map[string]string),
		store:  opts.Store,
		logger: opts.Logger,
	}
}

// Register adds a tool. The tool is assigned a name-derived ID when it has none, marked
// active, and given a schema derived from its Parameters when Schema is nil.
func (r *Registry) Register(ctx context.Context, def Definition) (core.Tool, error) {
	t := def.Tool.Clone()
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return core.Tool{}, errors.New("tool name is required")
	}
	if def.Handler == nil {
		return core.Tool{}, fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.ID == "" {
		t.ID = uuid.NewSHA1(toolNamespace, []byte(t.Name)).String()
	}
	if t.Schema == nil {
		t.Schema = SchemaFromParameters(t.Parameters)
	}
	now := time.Now()
	t.Active = true
	t.CreatedAt = now
	t.UpdatedAt = now

	r.mu.Lock()
	if _, dup := r.byName[t.Name]; dup {
		r.mu.Unlock()
		return core.Tool{}, fmt.Errorf("tool %s already registered", t.Name)
	}
	if _, dup := r.byID[t.ID]; dup {
		r.mu.Unlock()
		return core.Tool{}, fmt.Errorf("tool id %s already registered", t.ID)
	}
	r.byID[t.ID] = &registration{tool: t, handler: def.Handler}
	r.byName[t.Name] = t.ID
	r.mu.Unlock()

	r.persist(ctx, t)
	r.logger.Debug("tool.registered", "tool", t.Name, "tool_id", t.ID, "requires_sandbox", t.RequiresSandbox)

	return t.Clone(), nil
}

// MustRegister is like Register but panics on error. Intended for wiring
// built-in tools at start-up.
func (r *Registry) MustRegister(ctx context.Context, def Definition) core.Tool {
	t, err := r.Register(ctx, def)
	if err != nil {
		panic(err)
	}
	return t
}

func (r *Registry) find(ref string) (*registration, bool) {
	if reg, ok := r.byID[ref]; ok {
		return reg, true
	}
	if id, ok := r.byName[ref]; ok {
		return r.byID[id], true
	}
	return nil, false
}

// Lookup implements Catalog.
func (r *Registry) Lookup(_ context.Context, ref string) (core.Tool, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.find(ref)
	if !ok {
		return core.Tool{}, nil, fmt.Errorf("tool %q: %w", ref, core.ErrNotFound)
	}
	return reg.tool.Clone(), reg.handler, nil
}

// Get returns the metadata of a tool by ID or name.
func (r *Registry) Get(ref string) (core.Tool, error) {
	t, _, err := r.Lookup(context.Background(), ref)
	return t, err
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []core.Tool {
	r.mu.RLock()
	out := make([]core.Tool, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg.tool.Clone())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.Tool) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// SetActive activates or deactivates a tool. Inactive tools fail every
// invocation with a validation error.
func (r *Registry) SetActive(ctx context.Context, ref string, active bool) error {
	r.mu.Lock()
	reg, ok := r.find(ref)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tool %q: %w", ref, core.ErrNotFound)
	}
	reg.tool.Active = active
	reg.tool.UpdatedAt = time.Now()
	t := reg.tool.Clone()
	r.mu.Unlock()

	r.persist(ctx, t)
	return nil
}

func (r *Registry) persist(ctx context.Context, t core.Tool) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTool(ctx, t); err != nil {
		r.logger.Warn("tool.persist_failed", "tool", t.Name, "error", err.Error())
	}
}

// SchemaFromParameters builds a JSON schema from declared parameters.
func SchemaFromParameters(params []core.ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Package agentplan is the entry point to the plan execution engine. It
// wires a tool registry, a sandbox manager, an invoker and the scheduler
// behind a small API:
//  1. Create an AgentPlan with New (in-memory defaults) or Open (from a
//     config.Config)
//  2. Register tools beyond the built-in echo, sleep and shell
//  3. Create, start, observe and cancel plans, or use Run for all of it
//
// Everything defaults to in-memory and local implementations, which suits
// tests and one-shot runs. Long-lived deployments pass a durable store.
package agentplan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentplan/config"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/engine"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/model/anthropic"
	"github.com/hupe1980/agentplan/model/openai"
	"github.com/hupe1980/agentplan/sandbox"
	"github.com/hupe1980/agentplan/store"
	"github.com/hupe1980/agentplan/store/sqlite"
	"github.com/hupe1980/agentplan/tool"
)

// Options configures an AgentPlan.
type Options struct {
	// EngineConfig tunes concurrency, failure policy and retries.
	EngineConfig engine.Config
	// ToolTimeout bounds tool calls whose step and tool set no timeout.
	ToolTimeout time.Duration

	// Store persists plans, attempts, tools and sandboxes. Defaults to an
	// in-memory store.
	Store core.Store

	// SandboxBackend provides isolation for sandboxed tools. Defaults to a
	// LocalBackend.
	SandboxBackend   sandbox.Backend
	SandboxDefaults  core.ResourceLimits
	SandboxMax       core.ResourceLimits
	SandboxTemplates []core.SandboxTemplate

	// Model, when set, backs the generate_text tool.
	Model model.Model

	// Hooks observe scheduling.
	Hooks []engine.Hook

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// AgentPlan aggregates the engine and the services it runs on.
type AgentPlan struct {
	store     core.Store
	registry  *tool.Registry
	sandboxes *sandbox.Manager
	engine    *engine.Engine
	logger    logging.Logger

	closers []func() error
}

// New creates an AgentPlan. Unset services get in-memory or local
// implementations and the built-in tools are registered.
func New(optFns ...func(o *Options)) *AgentPlan {
	opts := Options{
		EngineConfig:    engine.DefaultConfig,
		ToolTimeout:     tool.DefaultTimeout,
		SandboxDefaults: sandbox.DefaultLimits,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = store.NewInMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	sandboxes := sandbox.NewManager(func(o *sandbox.Options) {
		o.Backend = opts.SandboxBackend
		o.Store = opts.Store
		o.Logger = logging.With(opts.Logger, "component", "sandbox")
		o.DefaultLimits = opts.SandboxDefaults
		o.MaxLimits = opts.SandboxMax
		o.Templates = opts.SandboxTemplates
	})

	registry := tool.NewRegistry(func(o *tool.RegistryOptions) {
		o.Store = opts.Store
		o.Logger = logging.With(opts.Logger, "component", "tool")
	})

	defs := tool.Builtins()
	if opts.Model != nil {
		defs = append(defs, tool.GenerateText(opts.Model))
	}
	for _, def := range defs {
		registry.MustRegister(context.Background(), def)
	}

	invoker := tool.NewInvoker(registry, func(o *tool.InvokerOptions) {
		o.Sandboxes = sandboxes
		o.Logger = logging.With(opts.Logger, "component", "invoker")
		o.DefaultTimeout = opts.ToolTimeout
	})

	hooks := engine.NewHookManager()
	for _, h := range opts.Hooks {
		hooks.Register(h)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = opts.Store
		o.Invoker = invoker
		o.Hooks = hooks
		o.Logger = logging.With(opts.Logger, "component", "engine")
	})

	return &AgentPlan{
		store:     opts.Store,
		registry:  registry,
		sandboxes: sandboxes,
		engine:    e,
		logger:    opts.Logger,
	}
}

// Open builds an AgentPlan from cfg: it opens the configured store, builds
// the logger and the model adapter, and points the local sandbox backend at
// the configured root. optFns run last and may override any of it.
func Open(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*AgentPlan, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})

	var (
		st      core.Store
		closers []func() error
	)
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Store.DSN, func(o *sqlite.Options) { o.Logger = logger })
		if err != nil {
			return nil, err
		}
		st = s
		closers = append(closers, s.Close)
	default:
		st = store.NewInMemoryStore()
	}

	ap := New(append([]func(o *Options){func(o *Options) {
		o.EngineConfig = cfg.Engine
		o.ToolTimeout = cfg.Tools.DefaultTimeout
		o.Store = st
		o.SandboxBackend = sandbox.NewLocalBackend(func(lo *sandbox.LocalBackendOptions) {
			lo.Root = cfg.Sandbox.Root
			lo.Shell = cfg.Sandbox.Shell
			lo.EnforceLimits = cfg.Sandbox.EnforceLimits
		})
		o.SandboxDefaults = cfg.Sandbox.DefaultLimits
		o.SandboxMax = cfg.Sandbox.MaxLimits
		o.SandboxTemplates = cfg.Sandbox.Templates
		o.Model = newModel(cfg.Models)
		o.Logger = logger
	}}, optFns...)...)
	ap.closers = closers

	return ap, nil
}

func newModel(mc config.ModelsConfig) model.Model {
	switch mc.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if mc.Model != "" {
				o.Model = anthropicsdk.Model(mc.Model)
			}
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
		})
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if mc.Model != "" {
				o.Model = mc.Model
			}
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
		})
	default:
		return nil
	}
}

// Engine exposes the underlying engine for operations the façade does not
// wrap, such as ListExecutions or SetConcurrency.
func (a *AgentPlan) Engine() *engine.Engine { return a.engine }

// Tools returns the tool registry.
func (a *AgentPlan) Tools() *tool.Registry { return a.registry }

// Sandboxes returns the sandbox manager.
func (a *AgentPlan) Sandboxes() *sandbox.Manager { return a.sandboxes }

// RegisterTool adds a tool to the registry.
func (a *AgentPlan) RegisterTool(ctx context.Context, def tool.Definition) (core.Tool, error) {
	return a.registry.Register(ctx, def)
}

// CreatePlan validates and persists a plan.
func (a *AgentPlan) CreatePlan(ctx context.Context, req engine.PlanRequest) (*core.Plan, error) {
	return a.engine.CreatePlan(ctx, req)
}

// ValidatePlan checks req like CreatePlan without persisting anything.
func (a *AgentPlan) ValidatePlan(ctx context.Context, req engine.PlanRequest) (*core.Plan, error) {
	return a.engine.ValidatePlan(ctx, req)
}

// StartPlan begins executing a CREATED plan, or resumes an interrupted one.
func (a *AgentPlan) StartPlan(ctx context.Context, planID string) error {
	return a.engine.StartPlan(ctx, planID)
}

// CancelPlan requests cancellation of a plan.
func (a *AgentPlan) CancelPlan(ctx context.Context, planID string) error {
	return a.engine.CancelPlan(ctx, planID)
}

// GetPlanStatus returns a snapshot of the plan and its steps.
func (a *AgentPlan) GetPlanStatus(ctx context.Context, planID string) (*engine.PlanSnapshot, error) {
	return a.engine.GetPlanStatus(ctx, planID)
}

// ListPlans returns persisted plans matching f.
func (a *AgentPlan) ListPlans(ctx context.Context, f core.PlanFilter) ([]*core.Plan, error) {
	return a.engine.ListPlans(ctx, f)
}

// Wait blocks until the plan's run finishes.
func (a *AgentPlan) Wait(ctx context.Context, planID string) (*core.Plan, error) {
	return a.engine.Wait(ctx, planID)
}

// Run creates, starts and waits for a plan. When ctx is done before the
// plan finishes, the plan is cancelled and Run waits for the cancellation to
// settle before returning ctx's error along with the final plan.
func (a *AgentPlan) Run(ctx context.Context, req engine.PlanRequest) (*core.Plan, error) {
	p, err := a.engine.CreatePlan(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := a.engine.StartPlan(ctx, p.ID); err != nil {
		return p, err
	}

	final, err := a.engine.Wait(ctx, p.ID)
	if err == nil {
		return final, nil
	}

	bg := context.WithoutCancel(ctx)
	if cerr := a.engine.CancelPlan(bg, p.ID); cerr != nil && !errors.Is(cerr, core.ErrPlanTerminal) {
		a.logger.Warn("agentplan.cancel.failed", "plan_id", p.ID, "error", cerr.Error())
	}
	final, werr := a.engine.Wait(bg, p.ID)
	if werr != nil {
		return nil, fmt.Errorf("wait for cancelled plan %s: %w", p.ID, werr)
	}
	return final, err
}

// Close interrupts running plans, releases every sandbox and closes the
// store when Open created it.
func (a *AgentPlan) Close(ctx context.Context) error {
	errs := []error{
		a.engine.Close(ctx),
		a.sandboxes.Close(ctx),
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

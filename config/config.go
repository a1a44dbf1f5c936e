// Package config loads agentplan settings from YAML files and the
// environment.
//
// Resolution order: Default(), then the YAML file, then environment
// overrides. Durations are written the way time.ParseDuration reads them:
//
//	engine:
//	  max_concurrency: 8
//	  failure_policy: abort-on-failure
//	  retry:
//	    max_attempts: 5
//	    initial_backoff: 250ms
//	store:
//	  driver: sqlite
//	  dsn: ${HOME}/.agentplan/plans.db
//	sandbox:
//	  default_limits: {cpu: 1, memory_mb: 512, timeout: 2m}
//	  templates:
//	    - name: small
//	      active: true
//	      limits: {memory_mb: 128}
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/engine"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/sandbox"
	"github.com/hupe1980/agentplan/tool"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config is the complete agentplan configuration.
type Config struct {
	Engine  engine.Config `yaml:"engine"`
	Tools   ToolsConfig   `yaml:"tools"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Models  ModelsConfig  `yaml:"models"`
}

// ToolsConfig configures the tool invoker.
type ToolsConfig struct {
	// DefaultTimeout bounds calls whose step and tool set no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// SandboxConfig configures the sandbox manager and its local backend.
type SandboxConfig struct {
	Root          string                 `yaml:"root"`
	Shell         string                 `yaml:"shell"`
	EnforceLimits bool                   `yaml:"enforce_limits"`
	DefaultLimits core.ResourceLimits    `yaml:"default_limits"`
	MaxLimits     core.ResourceLimits    `yaml:"max_limits"`
	Templates     []core.SandboxTemplate `yaml:"templates"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ModelsConfig selects the model behind the generate_text tool. An empty
// provider leaves the tool unregistered.
type ModelsConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// APIKey is normally taken from ANTHROPIC_API_KEY or OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: engine.DefaultConfig,
		Tools:  ToolsConfig{DefaultTimeout: tool.DefaultTimeout},
		Sandbox: SandboxConfig{
			Root:          os.TempDir(),
			Shell:         "bash",
			EnforceLimits: true,
			DefaultLimits: sandbox.DefaultLimits,
		},
		Store:   StoreConfig{Driver: DriverMemory},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path on top of Default and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(cfg, data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Fields absent from data keep their values.
// Only whitelisted environment variables are expanded.
func Parse(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(strings.NewReader(expandSafeEnvVars(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// safeEnvVars may be referenced as ${NAME} inside config files. Secrets are
// deliberately absent; API keys come from applyEnv.
var safeEnvVars = map[string]bool{
	"HOME":            true,
	"USER":            true,
	"TMPDIR":          true,
	"PWD":             true,
	"XDG_CONFIG_HOME": true,
	"XDG_DATA_HOME":   true,
	"XDG_STATE_HOME":  true,
}

func expandSafeEnvVars(data string) string {
	return os.Expand(data, func(key string) string {
		if safeEnvVars[key] {
			return os.Getenv(key)
		}
		return "${" + key + "}"
	})
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if dsn := getenv("AGENTPLAN_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
		if cfg.Store.Driver == "" || cfg.Store.Driver == DriverMemory {
			cfg.Store.Driver = DriverSQLite
		}
	}
	if lvl := getenv("AGENTPLAN_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if cfg.Models.APIKey != "" {
		return
	}
	switch cfg.Models.Provider {
	case ProviderAnthropic:
		cfg.Models.APIKey = getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		cfg.Models.APIKey = getenv("OPENAI_API_KEY")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	e := c.Engine
	if e.MaxConcurrency < 1 {
		return fmt.Errorf("invalid engine.max_concurrency: must be >= 1, got %d", e.MaxConcurrency)
	}
	if !e.FailurePolicy.Valid() {
		return fmt.Errorf("invalid engine.failure_policy: %q", e.FailurePolicy)
	}

	r := e.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("invalid engine.retry.max_attempts: must be >= 1, got %d", r.MaxAttempts)
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		return errors.New("invalid engine.retry: backoff must not be negative")
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		return fmt.Errorf("invalid engine.retry.initial_backoff: %s exceeds max_backoff %s", r.InitialBackoff, r.MaxBackoff)
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("invalid engine.retry.multiplier: must be >= 1, got %g", r.Multiplier)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("invalid engine.retry.jitter: must be within [0, 1], got %g", r.Jitter)
	}

	if c.Tools.DefaultTimeout < 0 {
		return fmt.Errorf("invalid tools.default_timeout: %s", c.Tools.DefaultTimeout)
	}

	if err := c.Sandbox.validate(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "", DriverMemory:
	case DriverSQLite:
		if c.Store.DSN == "" {
			return errors.New("invalid store.dsn: required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid store.driver: %q (supported: %s, %s)", c.Store.Driver, DriverMemory, DriverSQLite)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %q (supported: json, text)", c.Logging.Format)
	}

	switch c.Models.Provider {
	case "", ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("invalid models.provider: %q (supported: %s, %s)", c.Models.Provider, ProviderAnthropic, ProviderOpenAI)
	}
	return nil
}

func (s SandboxConfig) validate() error {
	for name, l := range map[string]core.ResourceLimits{"default_limits": s.DefaultLimits, "max_limits": s.MaxLimits} {
		if l.CPU < 0 || l.MemoryMB < 0 || l.Timeout < 0 {
			return fmt.Errorf("invalid sandbox.%s: limits must not be negative", name)
		}
	}
	if s.DefaultLimits.Merge(sandbox.DefaultLimits).Exceeds(s.MaxLimits) {
		return errors.New("invalid sandbox.default_limits: exceeds max_limits")
	}

	seen := make(map[string]bool, len(s.Templates))
	for i, t := range s.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("invalid sandbox.templates[%d]: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("invalid sandbox.templates[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

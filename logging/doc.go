// Package logging provides a minimal logging interface and adapters for agentplan.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, invoker and sandbox manager use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - PlanLogger with plan/component context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(engine.WithLogger(logger))
package logging

// Package core provides the foundational domain types and contracts used by
// agentplan. It defines:
//
//   - Plans and Steps (a dependency DAG of tool invocations)
//   - Tools and ToolExecutions (registry records and per-attempt history)
//   - Sandboxes, templates and sandbox executions
//   - The step and sandbox state machines and the derived plan status
//   - The ToolError taxonomy shared by invoker, sandbox manager and engine
//   - Pluggable store interfaces for plans, executions, tools and sandboxes
//
// Relationships are expressed by identity (step IDs, tool IDs) rather than
// pointers so records can be persisted and cloned freely. Implementation
// concerns (scheduling, persistence, sandbox backends) live in other
// packages.
package core

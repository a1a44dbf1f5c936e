// Package store provides persistence adapters for plans, steps, tool
// metadata, tool executions and sandboxes. InMemoryStore is volatile and
// suited to tests and one-shot CLI runs; the sqlite subpackage persists to
// a database file.
package store

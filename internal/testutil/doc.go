// Package testutil contains builders and fakes shared by tests: a fluent
// plan request builder, a scripted tool handler that records concurrency
// and call order, and an in-memory sandbox backend. They are not intended
// for production usage.
package testutil

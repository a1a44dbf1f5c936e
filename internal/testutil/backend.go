package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/sandbox"
)

// FakeBackend is an in-memory sandbox.Backend that counts lifecycle calls.
type FakeBackend struct {
	// ExecFunc handles Exec. By default the command is echoed to stdout.
	ExecFunc func(ctx context.Context, sb *core.Sandbox, command string) (sandbox.ExecResult, error)
	// StartErr, when set, fails every Start.
	StartErr error

	mu       sync.Mutex
	starts   int
	stops    int
	pauses   int
	commands []string
}

var (
	_ sandbox.Backend = (*FakeBackend)(nil)
	_ sandbox.Pauser  = (*FakeBackend)(nil)
)

// Start implements sandbox.Backend.
func (b *FakeBackend) Start(_ context.Context, sb *core.Sandbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.StartErr != nil {
		return b.StartErr
	}
	sb.WorkDir = "/fake/" + sb.ID
	return nil
}

// Exec implements sandbox.Backend.
func (b *FakeBackend) Exec(ctx context.Context, sb *core.Sandbox, command string) (sandbox.ExecResult, error) {
	b.mu.Lock()
	b.commands = append(b.commands, command)
	fn := b.ExecFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, sb, command)
	}
	return sandbox.ExecResult{Stdout: command}, nil
}

// Stop implements sandbox.Backend.
func (b *FakeBackend) Stop(context.Context, *core.Sandbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

// Pause implements sandbox.Pauser.
func (b *FakeBackend) Pause(context.Context, *core.Sandbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pauses++
	return nil
}

// Resume implements sandbox.Pauser.
func (b *FakeBackend) Resume(context.Context, *core.Sandbox) error { return nil }

// Starts returns the number of Start calls.
func (b *FakeBackend) Starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// Stops returns the number of Stop calls.
func (b *FakeBackend) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

// Pauses returns the number of Pause calls.
func (b *FakeBackend) Pauses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pauses
}

// Commands returns every command passed to Exec.
func (b *FakeBackend) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.commands)
}

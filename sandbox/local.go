package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hupe1980/agentplan/core"
)

// LocalBackendOptions configures a LocalBackend.
type LocalBackendOptions struct {
	// Root is the parent directory for sandbox work dirs. Defaults to os.TempDir().
	Root string
	// Shell runs commands as `<Shell> -c <command>`. Defaults to bash.
	Shell string
	// Env is the environment passed to commands. HOME is always the work dir.
	Env []string
	// EnforceLimits prefixes commands with ulimit calls for cpu and memory.
	EnforceLimits bool
}

const waitDelay = 500 * time.Millisecond

// LocalBackend runs sandbox commands as local processes confined to a
// private work directory with a minimal environment. It provides resource
// accounting, not isolation.
type LocalBackend struct {
	opts LocalBackendOptions
}

var (
	_ Backend = (*LocalBackend)(nil)
	_ Pauser  = (*LocalBackend)(nil)
)

// NewLocalBackend creates a LocalBackend.
func NewLocalBackend(optFns ...func(o *LocalBackendOptions)) *LocalBackend {
	opts := LocalBackendOptions{
		Root:          os.TempDir(),
		Shell:         "bash",
		EnforceLimits: true,
		Env: []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"LANG=C.UTF-8",
		},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &LocalBackend{opts: opts}
}

// Start creates the sandbox work directory.
func (b *LocalBackend) Start(ctx context.Context, sb *core.Sandbox) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.opts.Root, 0o755); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}
	dir, err := os.MkdirTemp(b.opts.Root, "agentplan-sandbox-")
	if err != nil {
		return fmt.Errorf("create sandbox dir: %w", err)
	}
	sb.WorkDir = dir
	return nil
}

// Exec runs command through the configured shell inside the work dir.
func (b *LocalBackend) Exec(ctx context.Context, sb *core.Sandbox, command string) (ExecResult, error) {
	if sb.WorkDir == "" {
		return ExecResult{}, errors.New("sandbox not started")
	}

	script := command
	if b.opts.EnforceLimits {
		script = limitPrefix(sb.Limits) + command
	}

	cmd := exec.CommandContext(ctx, b.opts.Shell, "-c", script)
	cmd.Dir = sb.WorkDir
	cmd.Env = append(append([]string{}, b.opts.Env...), "HOME="+sb.WorkDir, "TMPDIR="+sb.WorkDir)
	// Orphaned children may hold the output pipes open after the shell is killed.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if killedByLimit(res.ExitCode) {
			return res, fmt.Errorf("%w: exit code %d", ErrResourceExceeded, res.ExitCode)
		}
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// Stop removes the work directory.
func (b *LocalBackend) Stop(_ context.Context, sb *core.Sandbox) error {
	if sb.WorkDir == "" {
		return nil
	}
	if !strings.HasPrefix(sb.WorkDir, b.opts.Root) {
		return fmt.Errorf("refusing to remove %s outside sandbox root", sb.WorkDir)
	}
	return os.RemoveAll(sb.WorkDir)
}

// Pause is a no-op: local sandboxes hold no process between commands.
func (b *LocalBackend) Pause(context.Context, *core.Sandbox) error { return nil }

// Resume is a no-op counterpart of Pause.
func (b *LocalBackend) Resume(context.Context, *core.Sandbox) error { return nil }

// limitPrefix builds ulimit calls: cpu seconds = cores × wall-clock budget,
// virtual memory in KiB.
func limitPrefix(l core.ResourceLimits) string {
	var sb strings.Builder
	if l.CPU > 0 && l.Timeout > 0 {
		secs := int(math.Ceil(l.CPU * l.Timeout.Seconds()))
		if secs < 1 {
			secs = 1
		}
		fmt.Fprintf(&sb, "ulimit -t %d; ", secs)
	}
	if l.MemoryMB > 0 {
		fmt.Fprintf(&sb, "ulimit -v %d; ", l.MemoryMB*1024)
	}
	return sb.String()
}

// killedByLimit recognises processes terminated by SIGKILL or SIGXCPU,
// either reported directly (-1) or through the shell (128+signal).
func killedByLimit(code int) bool {
	switch code {
	case -1, 128 + 9, 128 + 24:
		return true
	default:
		return false
	}
}

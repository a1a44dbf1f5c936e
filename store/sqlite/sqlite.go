// Package sqlite implements core.Store on SQLite through the pure-Go
// glebarez/go-sqlite driver. Timestamps are stored as unix nanoseconds and
// structured fields (parameters, schemas, metadata) as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/logging"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		failure_policy TEXT NOT NULL,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plans_owner ON plans(owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS plan_steps (
		plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		depends_on TEXT,
		tool_ref TEXT NOT NULL DEFAULT '',
		parameters TEXT,
		timeout INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 0,
		expected_result TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		completed_at INTEGER,
		PRIMARY KEY (plan_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS tools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		documentation TEXT NOT NULL DEFAULT '',
		schema TEXT,
		parameters TEXT,
		requires_sandbox INTEGER NOT NULL DEFAULT 0,
		sandbox_template TEXT NOT NULL DEFAULT '',
		default_timeout INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tool_executions (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		tool_id TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		parameters TEXT,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		duration INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_executions_plan ON tool_executions(plan_id, step_id)`,
	`CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		template TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cpu REAL NOT NULL DEFAULT 0,
		memory_mb INTEGER NOT NULL DEFAULT 0,
		timeout INTEGER NOT NULL DEFAULT 0,
		work_dir TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		terminated_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS sandbox_executions (
		id TEXT PRIMARY KEY,
		sandbox_id TEXT NOT NULL,
		command TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error_output TEXT NOT NULL DEFAULT '',
		exit_code INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sandbox_executions_sandbox ON sandbox_executions(sandbox_id, started_at)`,
}

// Options configures a Store.
type Options struct {
	Logger logging.Logger
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// Store is a core.Store backed by a SQLite database.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

var _ core.Store = (*Store)(nil)

// Open opens (creating if needed) the database at dsn and migrates the
// schema. Missing parent directories of a file path are created. Use
// ":memory:" for a private in-memory database.
func Open(ctx context.Context, dsn string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		Logger:      logging.NoOpLogger{},
		BusyTimeout: 5 * time.Second,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := fileDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: opts.Logger}
	if err := s.migrate(ctx, opts.BusyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	opts.Logger.Debug("store.sqlite.opened", "dsn", dsn)
	return s, nil
}

// fileDir returns the directory of a plain file DSN, or "" for in-memory
// databases and URIs.
func fileDir(dsn string) string {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	path, _, _ := strings.Cut(dsn, "?")
	return filepath.Dir(path)
}

func (s *Store) migrate(ctx context.Context, busy time.Duration) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
	}
	for _, q := range append(pragmas, schema...) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
}

// CreatePlan inserts the plan and all of its steps in one transaction.
func (s *Store) CreatePlan(ctx context.Context, p *core.Plan) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO plans
		(id, owner_id, title, description, status, failure_policy, cancel_requested, metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Title, p.Description, string(p.Status), string(p.FailurePolicy),
		p.CancelRequested, meta, unixNano(p.CreatedAt), unixNano(p.UpdatedAt), nullTime(p.CompletedAt),
	); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	for _, st := range p.Steps {
		deps, perr := encodeJSON(st.DependsOn)
		if perr != nil {
			return perr
		}
		params, perr := encodeJSON(st.Parameters)
		if perr != nil {
			return perr
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO plan_steps
			(plan_id, id, order_index, description, status, depends_on, tool_ref, parameters, timeout, max_attempts,
			 expected_result, result, error, error_kind, attempts, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, st.ID, st.OrderIndex, st.Description, string(st.Status), deps, st.ToolRef, params,
			int64(st.Timeout), st.MaxAttempts, st.ExpectedResult, st.Result, st.Error, string(st.ErrorKind),
			st.Attempts, nullTime(st.StartedAt), nullTime(st.CompletedAt),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}

	return tx.Commit()
}

const planColumns = `id, owner_id, title, description, status, failure_policy, cancel_requested, metadata, created_at, updated_at, completed_at`

func scanPlan(row interface{ Scan(...any) error }) (*core.Plan, error) {
	var (
		p                core.Plan
		status, policy   string
		meta             sql.NullString
		created, updated int64
		completed        sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Description, &status, &policy,
		&p.CancelRequested, &meta, &created, &updated, &completed); err != nil {
		return nil, err
	}
	p.Status = core.PlanStatus(status)
	p.FailurePolicy = core.FailurePolicy(policy)
	p.CreatedAt = fromUnixNano(created)
	p.UpdatedAt = fromUnixNano(updated)
	p.CompletedAt = fromNullTime(completed)
	if err := decodeJSON(meta, &p.Metadata); err != nil {
		return nil, fmt.Errorf("plan %s metadata: %w", p.ID, err)
	}
	return &p, nil
}

func (s *Store) loadSteps(ctx context.Context, p *core.Plan) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, order_index, description, status, depends_on, tool_ref, parameters,
		timeout, max_attempts, expected_result, result, error, error_kind, attempts, started_at, completed_at
		FROM plan_steps WHERE plan_id = ? ORDER BY order_index, id`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st                core.Step
			status, kind      string
			deps, params      sql.NullString
			timeout           int64
			started, finished sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.OrderIndex, &st.Description, &status, &deps, &st.ToolRef, &params,
			&timeout, &st.MaxAttempts, &st.ExpectedResult, &st.Result, &st.Error, &kind, &st.Attempts,
			&started, &finished); err != nil {
			return err
		}
		st.PlanID = p.ID
		st.Status = core.StepStatus(status)
		st.ErrorKind = core.ErrorKind(kind)
		st.Timeout = time.Duration(timeout)
		st.StartedAt = fromNullTime(started)
		st.CompletedAt = fromNullTime(finished)
		if err := decodeJSON(deps, &st.DependsOn); err != nil {
			return fmt.Errorf("step %s dependencies: %w", st.ID, err)
		}
		if err := decodeJSON(params, &st.Parameters); err != nil {
			return fmt.Errorf("step %s parameters: %w", st.ID, err)
		}
		p.Steps = append(p.Steps, &st)
	}
	return rows.Err()
}

// GetPlan loads a plan and its steps in dispatch order.
func (s *Store) GetPlan(ctx context.Context, id string) (*core.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePlan updates plan-level fields only.
func (s *Store) UpdatePlan(ctx context.Context, p *core.Plan) error {
	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET owner_id = ?, title = ?, description = ?, status = ?,
		failure_policy = ?, cancel_requested = ?, metadata = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		p.OwnerID, p.Title, p.Description, string(p.Status), string(p.FailurePolicy), p.CancelRequested, meta,
		unixNano(p.UpdatedAt), nullTime(p.CompletedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return expectRow(res, "plan", p.ID)
}

// UpdateStep updates the mutable fields of a step.
func (s *Store) UpdateStep(ctx context.Context, st *core.Step) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plan_steps SET status = ?, result = ?, error = ?, error_kind = ?,
		attempts = ?, started_at = ?, completed_at = ? WHERE plan_id = ? AND id = ?`,
		string(st.Status), st.Result, st.Error, string(st.ErrorKind), st.Attempts,
		nullTime(st.StartedAt), nullTime(st.CompletedAt), st.PlanID, st.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return expectRow(res, "step", st.PlanID+"/"+st.ID)
}

// ListPlans returns matching plans, newest first, with their steps.
func (s *Store) ListPlans(ctx context.Context, f core.PlanFilter) ([]*core.Plan, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, unixNano(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, unixNano(f.To))
	}

	q := `SELECT ` + planColumns + ` FROM plans`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var plans []*core.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Steps are loaded after the cursor is closed; the pool has one connection.
	for _, p := range plans {
		if err := s.loadSteps(ctx, p); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// CreateExecution inserts a new attempt record.
func (s *Store) CreateExecution(ctx context.Context, e *core.ToolExecution) error {
	params, err := encodeJSON(e.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tool_executions
		(id, plan_id, step_id, tool_id, attempt, status, parameters, result, error, error_kind, sandbox_id, started_at, completed_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PlanID, e.StepID, e.ToolID, e.Attempt, string(e.Status), params, e.Result, e.Error,
		string(e.ErrorKind), e.SandboxID, unixNano(e.StartedAt), nullTime(e.CompletedAt), int64(e.Duration))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution overwrites the outcome fields of an attempt.
func (s *Store) UpdateExecution(ctx context.Context, e *core.ToolExecution) error {
	params, err := encodeJSON(e.Parameters)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tool_executions SET tool_id = ?, status = ?, parameters = ?, result = ?,
		error = ?, error_kind = ?, sandbox_id = ?, completed_at = ?, duration = ? WHERE id = ?`,
		e.ToolID, string(e.Status), params, e.Result, e.Error, string(e.ErrorKind), e.SandboxID,
		nullTime(e.CompletedAt), int64(e.Duration), e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return expectRow(res, "execution", e.ID)
}

// ListExecutions returns matching attempts ordered by start time.
func (s *Store) ListExecutions(ctx context.Context, f core.ExecutionFilter) ([]*core.ToolExecution, error) {
	var (
		where []string
		args  []any
	)
	for col, v := range map[string]string{
		"plan_id": f.PlanID,
		"step_id": f.StepID,
		"tool_id": f.ToolID,
		"status":  string(f.Status),
	} {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}

	q := `SELECT id, plan_id, step_id, tool_id, attempt, status, parameters, result, error, error_kind, sandbox_id,
		started_at, completed_at, duration FROM tool_executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at, attempt, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ToolExecution
	for rows.Next() {
		var (
			e            core.ToolExecution
			status, kind string
			params       sql.NullString
			started, dur int64
			completed    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.PlanID, &e.StepID, &e.ToolID, &e.Attempt, &status, &params, &e.Result,
			&e.Error, &kind, &e.SandboxID, &started, &completed, &dur); err != nil {
			return nil, err
		}
		e.Status = core.ExecutionStatus(status)
		e.ErrorKind = core.ErrorKind(kind)
		e.StartedAt = fromUnixNano(started)
		e.CompletedAt = fromNullTime(completed)
		e.Duration = time.Duration(dur)
		if err := decodeJSON(params, &e.Parameters); err != nil {
			return nil, fmt.Errorf("execution %s parameters: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SaveTool upserts tool metadata by ID. Names stay unique.
func (s *Store) SaveTool(ctx context.Context, t core.Tool) error {
	sch, err := encodeJSON(t.Schema)
	if err != nil {
		return err
	}
	params, err := encodeJSON(t.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tools
		(id, name, description, documentation, schema, parameters, requires_sandbox, sandbox_template, default_timeout, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description,
			documentation = excluded.documentation, schema = excluded.schema, parameters = excluded.parameters,
			requires_sandbox = excluded.requires_sandbox, sandbox_template = excluded.sandbox_template,
			default_timeout = excluded.default_timeout, active = excluded.active, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Description, t.Documentation, sch, params, t.RequiresSandbox, t.SandboxTemplate,
		int64(t.DefaultTimeout), t.Active, unixNano(t.CreatedAt), unixNano(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save tool %s: %w", t.Name, err)
	}
	return nil
}

const toolColumns = `id, name, description, documentation, schema, parameters, requires_sandbox, sandbox_template, default_timeout, active, created_at, updated_at`

func scanTool(row interface{ Scan(...any) error }) (core.Tool, error) {
	var (
		t                core.Tool
		sch, params      sql.NullString
		timeout          int64
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Documentation, &sch, &params, &t.RequiresSandbox,
		&t.SandboxTemplate, &timeout, &t.Active, &created, &updated); err != nil {
		return core.Tool{}, err
	}
	t.DefaultTimeout = time.Duration(timeout)
	t.CreatedAt = fromUnixNano(created)
	t.UpdatedAt = fromUnixNano(updated)
	if err := decodeJSON(sch, &t.Schema); err != nil {
		return core.Tool{}, fmt.Errorf("tool %s schema: %w", t.Name, err)
	}
	if err := decodeJSON(params, &t.Parameters); err != nil {
		return core.Tool{}, fmt.Errorf("tool %s parameters: %w", t.Name, err)
	}
	return t, nil
}

func (s *Store) getTool(ctx context.Context, col, v string) (core.Tool, error) {
	t, err := scanTool(s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE `+col+` = ?`, v))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Tool{}, notFound("tool", v)
	}
	return t, err
}

// GetTool returns tool metadata by ID.
func (s *Store) GetTool(ctx context.Context, id string) (core.Tool, error) {
	return s.getTool(ctx, "id", id)
}

// GetToolByName returns tool metadata by name.
func (s *Store) GetToolByName(ctx context.Context, name string) (core.Tool, error) {
	return s.getTool(ctx, "name", name)
}

// ListTools returns all tools sorted by name.
func (s *Store) ListTools(ctx context.Context) ([]core.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveSandbox upserts a sandbox record.
func (s *Store) SaveSandbox(ctx context.Context, sb *core.Sandbox) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sandboxes
		(id, owner_id, template, status, cpu, memory_mb, timeout, work_dir, error, created_at, started_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, work_dir = excluded.work_dir, error = excluded.error,
			started_at = excluded.started_at, terminated_at = excluded.terminated_at`,
		sb.ID, sb.OwnerID, sb.Template, string(sb.Status), sb.Limits.CPU, sb.Limits.MemoryMB,
		int64(sb.Limits.Timeout), sb.WorkDir, sb.Error, unixNano(sb.CreatedAt),
		nullTime(sb.StartedAt), nullTime(sb.TerminatedAt))
	if err != nil {
		return fmt.Errorf("save sandbox: %w", err)
	}
	return nil
}

const sandboxColumns = `id, owner_id, template, status, cpu, memory_mb, timeout, work_dir, error, created_at, started_at, terminated_at`

func scanSandbox(row interface{ Scan(...any) error }) (*core.Sandbox, error) {
	var (
		sb                  core.Sandbox
		status              string
		timeout, created    int64
		started, terminated sql.NullInt64
	)
	if err := row.Scan(&sb.ID, &sb.OwnerID, &sb.Template, &status, &sb.Limits.CPU, &sb.Limits.MemoryMB,
		&timeout, &sb.WorkDir, &sb.Error, &created, &started, &terminated); err != nil {
		return nil, err
	}
	sb.Status = core.SandboxStatus(status)
	sb.Limits.Timeout = time.Duration(timeout)
	sb.CreatedAt = fromUnixNano(created)
	sb.StartedAt = fromNullTime(started)
	sb.TerminatedAt = fromNullTime(terminated)
	return &sb, nil
}

// GetSandbox returns a sandbox record.
func (s *Store) GetSandbox(ctx context.Context, id string) (*core.Sandbox, error) {
	sb, err := scanSandbox(s.db.QueryRowContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sandbox", id)
	}
	return sb, err
}

// ListSandboxes returns matching sandboxes ordered by creation time.
func (s *Store) ListSandboxes(ctx context.Context, f core.SandboxFilter) ([]*core.Sandbox, error) {
	q := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE (? = '' OR owner_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, f.OwnerID, f.OwnerID, string(f.Status), string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// SaveSandboxExecution records a command run in a sandbox.
func (s *Store) SaveSandboxExecution(ctx context.Context, e *core.SandboxExecution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sandbox_executions
		(id, sandbox_id, command, output, error_output, exit_code, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SandboxID, e.Command, e.Output, e.ErrorOutput, e.ExitCode, string(e.Status),
		unixNano(e.StartedAt), nullTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("save sandbox execution: %w", err)
	}
	return nil
}

// ListSandboxExecutions returns the commands run in a sandbox in order.
// With failedOnly set, only non-successful commands are returned.
func (s *Store) ListSandboxExecutions(ctx context.Context, sandboxID string, failedOnly bool) ([]*core.SandboxExecution, error) {
	q := `SELECT id, sandbox_id, command, output, error_output, exit_code, status, started_at, completed_at
		FROM sandbox_executions WHERE sandbox_id = ?`
	args := []any{sandboxID}
	if failedOnly {
		q += " AND status <> ?"
		args = append(args, string(core.ExecutionSucceeded))
	}
	q += " ORDER BY started_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.SandboxExecution
	for rows.Next() {
		var (
			e         core.SandboxExecution
			status    string
			started   int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.SandboxID, &e.Command, &e.Output, &e.ErrorOutput, &e.ExitCode, &status,
			&started, &completed); err != nil {
			return nil, err
		}
		e.Status = core.ExecutionStatus(status)
		e.StartedAt = fromUnixNano(started)
		e.CompletedAt = fromNullTime(completed)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func encodeJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

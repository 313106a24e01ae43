// Package history persists run outcomes, the rollback journal and encrypted
// secrets in an embedded libSQL database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Store is the libSQL-backed persistence layer. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Run is one persisted plan execution.
type Run struct {
	ID             string          `json:"id"`
	PlanID         string          `json:"plan_id"`
	Goal           string          `json:"goal"`
	Success        bool            `json:"success"`
	StepsCompleted int             `json:"steps_completed"`
	StepsTotal     int             `json:"steps_total"`
	FailedStep     string          `json:"failed_step,omitempty"`
	DryRun         bool            `json:"dry_run"`
	TransactionID  string          `json:"transaction_id"`
	Summary        *schema.Summary `json:"summary,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// StepSuccess is one rollback-journal entry.
type StepSuccess struct {
	Seq           int64          `json:"seq"`
	TransactionID string         `json:"transaction_id"`
	StepID        string         `json:"step_id"`
	Command       string         `json:"command"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	RecordedAt    time.Time      `json:"recorded_at"`
}

// ScheduledPlan is a saved plan with a cron expression.
type ScheduledPlan struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	CronExpr     string     `json:"cron_expr"`
	PlanDocument string     `json:"plan_document"`
	Enabled      bool       `json:"enabled"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Open opens (or creates) the database at the given path, e.g.
// "file:/home/user/.angela/history.db".
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %v", err).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for advanced callers.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "migrate: %v", err).WithCause(err)
	}
	return nil
}

// --- Runs ---

// RecordRun persists the outcome of one Execute call.
func (s *Store) RecordRun(ctx context.Context, summary *schema.Summary, dryRun bool, transactionID string) (string, error) {
	id := uuid.NewString()
	encoded, err := json.Marshal(summary)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "marshal summary: %v", err).WithCause(err)
	}
	completedAt := summary.StartedAt
	if summary.CompletedAt != nil {
		completedAt = *summary.CompletedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plan_runs
		 (id, plan_id, goal, success, steps_completed, steps_total, failed_step, dry_run, transaction_id, summary, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, summary.PlanID, summary.Goal, boolToInt(summary.Success),
		summary.StepsCompleted, summary.StepsTotal, summary.FailedStep,
		boolToInt(dryRun), transactionID, string(encoded),
		summary.StartedAt.UTC(), completedAt.UTC(),
	)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "insert run: %v", err).WithCause(err)
	}
	return id, nil
}

// GetRun loads one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, goal, success, steps_completed, steps_total, failed_step, dry_run, transaction_id, summary, started_at, completed_at
		 FROM plan_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get run: %v", err).WithCause(err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, goal, success, steps_completed, steps_total, failed_step, dry_run, transaction_id, summary, started_at, completed_at
		 FROM plan_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list runs: %v", err).WithCause(err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan run: %v", err).WithCause(err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var success, dryRun int
	var summaryJSON sql.NullString
	err := row.Scan(&run.ID, &run.PlanID, &run.Goal, &success, &run.StepsCompleted,
		&run.StepsTotal, &run.FailedStep, &dryRun, &run.TransactionID,
		&summaryJSON, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	run.Success = success != 0
	run.DryRun = dryRun != 0
	if summaryJSON.Valid && summaryJSON.String != "" {
		var sum schema.Summary
		if err := json.Unmarshal([]byte(summaryJSON.String), &sum); err == nil {
			run.Summary = &sum
		}
	}
	return run, nil
}

// --- Rollback journal ---

// RecordStepSuccess appends one journal entry. It satisfies the engine's
// RollbackRecorder port and is fire-and-forget: failures are logged, never
// propagated into the run.
func (s *Store) RecordStepSuccess(ctx context.Context, stepID, command string, outputs map[string]any, transactionID string) {
	encoded, err := json.Marshal(outputs)
	if err != nil {
		encoded = []byte("{}")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO step_successes (transaction_id, step_id, command, outputs) VALUES (?, ?, ?, ?)`,
		transactionID, stepID, command, string(encoded),
	); err != nil {
		s.logger.Warn("rollback journal write failed",
			"step_id", stepID, "transaction_id", transactionID, "error", err)
	}
}

// StepSuccesses lists journal entries for a transaction in recorded order.
func (s *Store) StepSuccesses(ctx context.Context, transactionID string) ([]*StepSuccess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, transaction_id, step_id, command, outputs, recorded_at
		 FROM step_successes WHERE transaction_id = ? ORDER BY seq`, transactionID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list step successes: %v", err).WithCause(err)
	}
	defer rows.Close()

	var entries []*StepSuccess
	for rows.Next() {
		e := &StepSuccess{}
		var outputsJSON sql.NullString
		if err := rows.Scan(&e.Seq, &e.TransactionID, &e.StepID, &e.Command, &outputsJSON, &e.RecordedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan step success: %v", err).WithCause(err)
		}
		if outputsJSON.Valid {
			_ = json.Unmarshal([]byte(outputsJSON.String), &e.Outputs)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Secrets (persistence for the vault) ---

func (s *Store) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "store secret: %v", err).WithCause(err)
	}
	return nil
}

func (s *Store) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get secret: %v", err).WithCause(err)
	}
	return value, nil
}

func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete secret: %v", err).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return nil
}

func (s *Store) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list secrets: %v", err).WithCause(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan secret key: %v", err).WithCause(err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Scheduled plans ---

func (s *Store) CreateScheduledPlan(ctx context.Context, sp *ScheduledPlan) error {
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_plans (id, name, cron_expr, plan_document, enabled) VALUES (?, ?, ?, ?, ?)`,
		sp.ID, sp.Name, sp.CronExpr, sp.PlanDocument, boolToInt(sp.Enabled))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create scheduled plan: %v", err).WithCause(err)
	}
	return nil
}

func (s *Store) ListScheduledPlans(ctx context.Context, enabledOnly bool) ([]*ScheduledPlan, error) {
	query := `SELECT id, name, cron_expr, plan_document, enabled, last_run_at, last_status, created_at FROM scheduled_plans`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list scheduled plans: %v", err).WithCause(err)
	}
	defer rows.Close()

	var plans []*ScheduledPlan
	for rows.Next() {
		sp := &ScheduledPlan{}
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.CronExpr, &sp.PlanDocument, &enabled, &lastRun, &sp.LastStatus, &sp.CreatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan scheduled plan: %v", err).WithCause(err)
		}
		sp.Enabled = enabled != 0
		if lastRun.Valid {
			sp.LastRunAt = &lastRun.Time
		}
		plans = append(plans, sp)
	}
	return plans, rows.Err()
}

// MarkScheduledRun updates the last-run bookkeeping after an execution.
func (s *Store) MarkScheduledRun(ctx context.Context, id, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_plans SET last_run_at = ?, last_status = ? WHERE id = ?`,
		at.UTC(), status, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "mark scheduled run: %v", err).WithCause(err)
	}
	return nil
}

func (s *Store) DeleteScheduledPlan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_plans WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete scheduled plan: %v", err).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled plan %q not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

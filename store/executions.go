package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emberworks-io/crucible/types"
)

const executionColumns = `id, session_id, status, stdout, stderr, execution_time_ms, exit_code, timeout, created_at, started_at, finished_at`

// InsertExecution creates a QUEUED execution row. Must succeed before the
// job is enqueued; the row is the system of record.
func (s *Store) InsertExecution(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, session_id, status) VALUES ($1, $2, 'QUEUED')`,
		id, sessionID)
	if err != nil {
		return fmt.Errorf("store: insert execution: %w", err)
	}
	return nil
}

// GetExecution returns one execution row.
func (s *Store) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.GetContext(ctx, &exec,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	return &exec, nil
}

// ListExecutions returns a session's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, sessionID string, limit int) ([]types.Execution, error) {
	var execs []types.Execution
	err := s.db.SelectContext(ctx, &execs,
		`SELECT `+executionColumns+` FROM executions
		 WHERE session_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	return execs, nil
}

// MarkRunning performs the conditional QUEUED -> RUNNING transition, setting
// started_at. This conditional update is the guard against two workers
// pulling the same job: only one transition can win.
//
// Returns ErrConflict when the row exists but already left QUEUED (benign
// redelivery), ErrNotFound when the row does not exist at all.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = 'RUNNING', started_at = now()
		 WHERE id = $1 AND status = 'QUEUED'`, id)
	if err != nil {
		return fmt.Errorf("store: mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, id); err != nil {
			return fmt.Errorf("store: mark running recheck: %w", err)
		}
		if !exists {
			return fmt.Errorf("store: execution %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: execution %s already left QUEUED: %w", id, ErrConflict)
	}
	return nil
}

// TerminalUpdate is the single-write application of a runner outcome.
type TerminalUpdate struct {
	Status          types.ExecutionStatus
	Stdout          string
	Stderr          string
	ExecutionTimeMS float64
	ExitCode        *int
	Timeout         bool
}

// ApplyOutcome writes the terminal result in a single update. The write is
// idempotent on the execution id: a row that already reached a terminal
// state is left untouched, which makes at-least-once redelivery safe.
func (s *Store) ApplyOutcome(ctx context.Context, id string, u TerminalUpdate) error {
	if !u.Status.Terminal() {
		return fmt.Errorf("store: apply outcome: non-terminal status %s", u.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = $2, stdout = $3, stderr = $4, execution_time_ms = $5,
		     exit_code = $6, timeout = $7, finished_at = now()
		 WHERE id = $1 AND status IN ('QUEUED', 'RUNNING')`,
		id, u.Status, u.Stdout, u.Stderr, u.ExecutionTimeMS, u.ExitCode, u.Timeout)
	if err != nil {
		return fmt.Errorf("store: apply outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: execution %s already terminal: %w", id, ErrConflict)
	}
	return nil
}

// MarkFailed writes a terminal FAILED row with the given stderr. Used for
// admission enqueue failures and deterministic worker failures. A FAILED
// row always carries a non-empty stderr.
func (s *Store) MarkFailed(ctx context.Context, id, stderr string) error {
	if stderr == "" {
		stderr = "unknown failure"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = 'FAILED', stderr = $2, timeout = FALSE, finished_at = now()
		 WHERE id = $1 AND status IN ('QUEUED', 'RUNNING')`,
		id, stderr)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: execution %s already terminal: %w", id, ErrConflict)
	}
	return nil
}

// RecentExecutionStats returns the number of executions created for the
// session after the cutoff, and how many of them are FAILED. The abuse
// gate derives its sliding window from this query on every admission.
func (s *Store) RecentExecutionStats(ctx context.Context, sessionID string, since time.Time) (total, failed int, err error) {
	var row struct {
		Total  int `db:"total"`
		Failed int `db:"failed"`
	}
	err = s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS total,
		        COUNT(*) FILTER (WHERE status = 'FAILED') AS failed
		 FROM executions
		 WHERE session_id = $1 AND created_at > $2`, sessionID, since)
	if err != nil {
		return 0, 0, fmt.Errorf("store: recent execution stats: %w", err)
	}
	return row.Total, row.Failed, nil
}

// SweepStuckRunning relabels RUNNING rows whose started_at predates the
// cutoff as FAILED with stderr "worker lost". The repair sweep calls this
// periodically; it bounds how long a worker crash can leave a row RUNNING.
func (s *Store) SweepStuckRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = 'FAILED', stderr = 'worker lost', timeout = FALSE, finished_at = now()
		 WHERE status = 'RUNNING' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep stuck running: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

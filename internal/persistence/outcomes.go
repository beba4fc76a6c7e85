package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/scheduler"
)

// outcomeWriteTimeout bounds outcome writes so a busy database cannot hold
// a finished task's admissions hostage.
const outcomeWriteTimeout = 5 * time.Second

// RecordOutcome appends an entry to the outcome log and writes the final
// status and execution results back onto the task, in one transaction. A
// deferred outcome leaves the task pending with the failure details set.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, o scheduler.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, outcomeWriteTimeout)
	defer cancel()

	if !o.Status.Terminal() && !o.Deferred() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("outcome status %q is not terminal", o.Status)}
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, class = ?, branch = ?, change_url = ?, score = ?,
			failure_stage = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(o.Status), o.Class, o.Branch, o.ChangeURL, nullScore(o.Score),
		string(o.Failure), o.Error, o.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update task outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, o.TaskID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outcomes (task_id, class, status, failure, stage, score, cost_usd, duration_ms,
			branch, change_url, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.TaskID, o.Class, string(o.Status), string(o.Failure), string(o.Stage), nullScore(o.Score),
		o.CostUSD, o.Duration.Milliseconds(), o.Branch, o.ChangeURL, o.Error, formatTime(o.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListOutcomes returns outcome log entries, newest first. An empty taskID
// lists entries for all tasks; limit <= 0 means no limit.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, taskID string, limit int) ([]scheduler.Outcome, error) {
	query := `
		SELECT id, task_id, class, status, failure, stage, score, cost_usd, duration_ms,
			branch, change_url, error, recorded_at
		FROM outcomes`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []scheduler.Outcome
	for rows.Next() {
		var (
			o                                scheduler.Outcome
			status, failure, stage, recorded string
			score                            sql.NullFloat64
			durationMS                       int64
		)
		if err := rows.Scan(&o.ID, &o.TaskID, &o.Class, &status, &failure, &stage, &score, &o.CostUSD,
			&durationMS, &o.Branch, &o.ChangeURL, &o.Error, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = scheduler.Status(status)
		o.Failure = scheduler.FailureKind(failure)
		o.Stage = scheduler.Status(stage)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		o.RecordedAt = parseTime(recorded)
		if score.Valid {
			v := score.Float64
			o.Score = &v
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return outcomes, nil
}

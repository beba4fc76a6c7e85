package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/scheduler"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, title, description, acceptance_criteria, files, context_bytes, approved, status,
	class, branch, change_url, score, failure_stage, error, created_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent; created_at is kept from the first save.
// Dependencies must already be stored.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	if task.Status == "" {
		task.Status = scheduler.StatusPending
	}
	if !task.Status.Valid() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", task.Status)}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	criteria, err := json.Marshal(nonNil(task.AcceptanceCriteria))
	if err != nil {
		return fmt.Errorf("failed to encode acceptance criteria: %w", err)
	}
	files, err := json.Marshal(nonNil(task.Files))
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			acceptance_criteria = excluded.acceptance_criteria,
			files = excluded.files,
			context_bytes = excluded.context_bytes,
			approved = excluded.approved,
			status = excluded.status,
			class = excluded.class,
			branch = excluded.branch,
			change_url = excluded.change_url,
			score = excluded.score,
			failure_stage = excluded.failure_stage,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Title, task.Description, string(criteria), string(files), task.ContextBytes,
		task.Approved, string(task.Status), task.Class, task.Branch, task.ChangeURL,
		nullScore(task.Score), task.FailureStage, task.Error, formatTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for i, depID := range task.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %s: %w: %s", task.ID, errors.ErrUnknownDependency, depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	deps, err := s.loadDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps[taskID]
	if task.DependsOn == nil {
		task.DependsOn = []string{}
	}

	return task, nil
}

// ListTasks returns all tasks with their dependencies, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, rowid`)
}

// ListApproved returns approved tasks still pending, oldest first.
func (s *SQLiteStore) ListApproved(ctx context.Context) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE approved = 1 AND status = ?
		ORDER BY created_at, rowid
	`, string(scheduler.StatusPending))
}

// CompletedIDs returns the ids of tasks whose status satisfies dependents.
func (s *SQLiteStore) CompletedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?`, string(scheduler.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed tasks: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		done[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completed tasks: %w", err)
	}
	return done, nil
}

// Approve marks a task as approved for dispatch.
func (s *SQLiteStore) Approve(ctx context.Context, taskID string) error {
	return s.updateOne(ctx, taskID, `UPDATE tasks SET approved = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, taskID)
}

// UpdateStatus sets the status of a task.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID string, status scheduler.Status) error {
	if !status.Valid() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return s.updateOne(ctx, taskID, `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), taskID)
}

// RequeueInterrupted returns tasks left inside the pipeline by a previous
// process back to pending. It reports how many tasks were requeued.
func (s *SQLiteStore) RequeueInterrupted(ctx context.Context) (int, error) {
	placeholders := make([]string, len(scheduler.Stages))
	args := []any{string(scheduler.StatusPending)}
	for i, st := range scheduler.Stages {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue interrupted tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) updateOne(ctx context.Context, taskID, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	// Dependencies are loaded up front so no second query runs while rows is open.
	deps, err := s.loadDependencies(ctx, "")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.DependsOn = deps[task.ID]
		if task.DependsOn == nil {
			task.DependsOn = []string{}
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// loadDependencies returns dependency ids keyed by task, in declaration
// order. An empty taskID loads every task's dependencies.
func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID string) (map[string][]string, error) {
	query := `SELECT task_id, depends_on_id FROM task_dependencies ORDER BY task_id, position`
	var args []any
	if taskID != "" {
		query = `SELECT task_id, depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY position`
		args = append(args, taskID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var id, depID string
		if err := rows.Scan(&id, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[id] = append(deps[id], depID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		criteria, files, status, createdAt string
		score                              sql.NullFloat64
	)

	err := row.Scan(&task.ID, &task.Title, &task.Description, &criteria, &files, &task.ContextBytes,
		&task.Approved, &status, &task.Class, &task.Branch, &task.ChangeURL, &score,
		&task.FailureStage, &task.Error, &createdAt)
	if err != nil {
		return nil, err
	}

	task.Status = scheduler.Status(status)
	task.CreatedAt = parseTime(createdAt)
	if score.Valid {
		v := score.Float64
		task.Score = &v
	}
	if err := json.Unmarshal([]byte(criteria), &task.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("failed to decode acceptance criteria of %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &task.Files); err != nil {
		return nil, fmt.Errorf("failed to decode files of %s: %w", task.ID, err)
	}

	return task, nil
}

func nullScore(score *float64) sql.NullFloat64 {
	if score == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *score, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

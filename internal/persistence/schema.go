package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		files TEXT NOT NULL DEFAULT '[]',
		context_bytes INTEGER NOT NULL DEFAULT 0,
		approved INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		class TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		change_url TEXT NOT NULL DEFAULT '',
		score REAL,
		failure_stage TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(approved, status, created_at);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		class TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		failure TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT '',
		score REAL,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		branch TEXT NOT NULL DEFAULT '',
		change_url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_task ON outcomes(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

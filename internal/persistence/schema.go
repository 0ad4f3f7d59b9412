package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_history (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		description TEXT NOT NULL,
		project_path TEXT NOT NULL,
		preferred_agent TEXT,
		agent TEXT,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		duration_seconds REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_created ON task_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);

	CREATE TABLE IF NOT EXISTS graph_runs (
		id TEXT PRIMARY KEY,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS graph_tasks (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT,
		duration_seconds REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES graph_runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS graph_task_dependencies (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (run_id, task_id, depends_on_id),
		FOREIGN KEY (run_id, task_id) REFERENCES graph_tasks(run_id, task_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS jules_sessions (
		session_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		source TEXT,
		prompt TEXT NOT NULL,
		branch TEXT,
		state TEXT NOT NULL,
		url TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

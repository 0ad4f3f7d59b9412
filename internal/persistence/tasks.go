package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TaskRecord is the stored form of a delegated task once it reached a
// terminal state. Result holds the task result encoded as JSON.
type TaskRecord struct {
	ID              string
	TaskType        string
	Description     string
	ProjectPath     string
	PreferredAgent  string
	Agent           string
	Status          string
	Result          string
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
}

// RecordTask upserts a task record.
func (s *SQLiteStore) RecordTask(ctx context.Context, rec TaskRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("task record has no id")
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (
				id, task_type, description, project_path, preferred_agent, agent,
				status, result, error, created_at, started_at, completed_at, duration_seconds
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				agent = excluded.agent,
				status = excluded.status,
				result = excluded.result,
				error = excluded.error,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				duration_seconds = excluded.duration_seconds
		`,
			rec.ID, rec.TaskType, rec.Description, rec.ProjectPath, rec.PreferredAgent, rec.Agent,
			rec.Status, rec.Result, rec.Error, rec.CreatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
			rec.DurationSeconds,
		)
		if err != nil {
			return fmt.Errorf("failed to record task: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task record by id. Returns an error wrapping
// ErrNotFound when the task was never recorded.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_type, description, project_path, preferred_agent, agent,
			status, result, error, created_at, started_at, completed_at, duration_seconds
		FROM task_history
		WHERE id = ?
	`, taskID)

	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return rec, nil
}

// ListTasks returns the most recent task records first. limit <= 0 returns all.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_type, description, project_path, preferred_agent, agent,
			status, result, error, created_at, started_at, completed_at, duration_seconds
		FROM task_history
		ORDER BY created_at DESC, id
		LIMIT ?
	`, limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []TaskRecord{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// CountTasksByStatus returns the number of recorded tasks per status.
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_history GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var rec TaskRecord
	var preferred, agentID, result, errStr sql.NullString
	var started, completed sql.NullTime

	err := row.Scan(&rec.ID, &rec.TaskType, &rec.Description, &rec.ProjectPath, &preferred, &agentID,
		&rec.Status, &result, &errStr, &rec.CreatedAt, &started, &completed, &rec.DurationSeconds)
	if err != nil {
		return nil, err
	}

	rec.PreferredAgent = preferred.String
	rec.Agent = agentID.String
	rec.Result = result.String
	rec.Error = errStr.String
	rec.StartedAt = timePtr(started)
	rec.CompletedAt = timePtr(completed)
	return &rec, nil
}

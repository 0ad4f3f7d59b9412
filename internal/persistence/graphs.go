package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GraphRun is the stored outcome of one task graph execution.
type GraphRun struct {
	ID              string
	Total           int
	Completed       int
	Failed          int
	Skipped         int
	DurationSeconds float64
	CreatedAt       time.Time
	Tasks           []GraphTask
}

// GraphTask is one node of a stored graph run.
type GraphTask struct {
	ID              string
	Status          string
	Output          string
	Error           string
	DurationSeconds float64
	DependsOn       []string
}

// SaveGraphRun stores a graph run with its tasks and their dependency edges,
// replacing any previous run with the same id.
func (s *SQLiteStore) SaveGraphRun(ctx context.Context, run GraphRun) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_runs WHERE id = ?`, run.ID); err != nil {
			return fmt.Errorf("failed to replace graph run: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_runs (id, total, completed, failed, skipped, duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, run.Total, run.Completed, run.Failed, run.Skipped, run.DurationSeconds)
		if err != nil {
			return fmt.Errorf("failed to save graph run: %w", err)
		}

		for _, task := range run.Tasks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO graph_tasks (run_id, task_id, status, output, error, duration_seconds)
				VALUES (?, ?, ?, ?, ?, ?)
			`, run.ID, task.ID, task.Status, task.Output, task.Error, task.DurationSeconds)
			if err != nil {
				return fmt.Errorf("failed to save graph task %s: %w", task.ID, err)
			}
		}

		// Edges after all nodes so the composite foreign key resolves
		for _, task := range run.Tasks {
			for _, dep := range task.DependsOn {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO graph_task_dependencies (run_id, task_id, depends_on_id)
					VALUES (?, ?, ?)
				`, run.ID, task.ID, dep)
				if err != nil {
					return fmt.Errorf("failed to save dependency %s -> %s: %w", task.ID, dep, err)
				}
			}
		}
		return nil
	})
}

// GetGraphRun loads a graph run with its tasks in id order.
func (s *SQLiteStore) GetGraphRun(ctx context.Context, runID string) (*GraphRun, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	run := &GraphRun{ID: runID}
	err := s.db.QueryRowContext(ctx, `
		SELECT total, completed, failed, skipped, duration_seconds, created_at
		FROM graph_runs WHERE id = ?
	`, runID).Scan(&run.Total, &run.Completed, &run.Failed, &run.Skipped, &run.DurationSeconds, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("graph run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query graph run: %w", err)
	}

	// Dependencies are aggregated in the same query to stay within the
	// connection limit.
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.task_id, t.status, t.output, t.error, t.duration_seconds,
			COALESCE(GROUP_CONCAT(d.depends_on_id), '')
		FROM graph_tasks t
		LEFT JOIN graph_task_dependencies d ON d.run_id = t.run_id AND d.task_id = t.task_id
		WHERE t.run_id = ?
		GROUP BY t.task_id
		ORDER BY t.task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query graph tasks: %w", err)
	}
	defer rows.Close()

	run.Tasks = []GraphTask{}
	for rows.Next() {
		var task GraphTask
		var output, errStr sql.NullString
		var deps string
		if err := rows.Scan(&task.ID, &task.Status, &output, &errStr, &task.DurationSeconds, &deps); err != nil {
			return nil, fmt.Errorf("failed to scan graph task: %w", err)
		}
		task.Output = output.String
		task.Error = errStr.String
		task.DependsOn = []string{}
		if deps != "" {
			task.DependsOn = strings.Split(deps, ",")
		}
		run.Tasks = append(run.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating graph tasks: %w", err)
	}
	return run, nil
}

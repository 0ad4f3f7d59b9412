package scheduler

import (
	"context"
	"time"
)

// TaskStatus is the state of a task in a graph run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskSkipped   TaskStatus = "SKIPPED" // a hard dependency failed or was skipped
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// FailureMode determines how a task's failure affects dependents.
type FailureMode int

const (
	FailHard FailureMode = iota // dependents are skipped
	FailSoft                    // dependents still run
)

// TaskFunc is the work a task performs.
type TaskFunc func(ctx context.Context) (string, error)

// Task is a unit of work in the DAG.
type Task struct {
	ID          string
	Name        string
	DependsOn   []string
	WritesFiles []string // paths locked exclusively while the task runs
	FailureMode FailureMode
	Run         TaskFunc

	Status   TaskStatus
	Output   string
	Err      error
	Duration time.Duration
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	TaskID          string     `json:"task_id"`
	Status          TaskStatus `json:"status"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

func resultOf(t *Task) TaskResult {
	res := TaskResult{
		TaskID:          t.ID,
		Status:          t.Status,
		Output:          t.Output,
		DurationSeconds: t.Duration.Seconds(),
	}
	if t.Err != nil {
		res.Error = t.Err.Error()
	}
	return res
}

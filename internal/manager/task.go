package manager

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a delegated task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Request describes work handed to DelegateTask.
type Request struct {
	TaskType       string
	Description    string
	ProjectPath    string
	Context        map[string]any
	PreferredAgent string // agent id or "" for automatic selection
}

// AgentTask is a delegated unit of work. Values returned by the Manager are
// snapshots; the live record is owned by the Manager.
type AgentTask struct {
	ID             string         `json:"task_id"`
	TaskType       string         `json:"task_type"`
	Description    string         `json:"description"`
	ProjectPath    string         `json:"project_path"`
	Context        map[string]any `json:"context,omitempty"`
	PreferredAgent string         `json:"preferred_agent,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
	Result         map[string]any `json:"result"`
	Error          string         `json:"error,omitempty"`
}

// Duration is the time spent running, zero until the task finished.
func (t *AgentTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

func (t *AgentTask) snapshot() AgentTask {
	cp := *t
	cp.Context = maps.Clone(t.Context)
	cp.Result = maps.Clone(t.Result)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}

// WorkerStats describes one worker.
type WorkerStats struct {
	WorkerID       string `json:"worker_id"`
	IsBusy         bool   `json:"is_busy"`
	CurrentTask    string `json:"current_task"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
}

// PoolStats describes the whole pool.
type PoolStats struct {
	MaxWorkers     int           `json:"max_workers"`
	ActiveWorkers  int           `json:"active_workers"`
	BusyWorkers    int           `json:"busy_workers"`
	QueuedTasks    int           `json:"total_tasks_queued"`
	ProcessedTasks int           `json:"total_tasks_processed"`
	Workers        []WorkerStats `json:"workers"`
}

type worker struct {
	id             string
	currentTask    string
	busy           bool
	tasksCompleted int
	tasksFailed    int
}

package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	Topic() string
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicGraph = "graph"
	TopicJules = "jules"
)

// Event type constants
const (
	EventTypeTaskQueued    = "task.queued"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeGraphProgress = "graph.progress"
	EventTypeJulesSession  = "jules.session"
)

// TaskQueuedEvent is published when a task is delegated.
type TaskQueuedEvent struct {
	ID             string
	TaskType       string
	PreferredAgent string
	Timestamp      time.Time
}

func (e TaskQueuedEvent) Topic() string     { return TopicTask }
func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a worker picks a task up.
type TaskStartedEvent struct {
	ID        string
	WorkerID  string
	Timestamp time.Time
}

func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Agent     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Agent     string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a queued or running task is cancelled.
type TaskCancelledEvent struct {
	ID         string
	WasRunning bool
	Timestamp  time.Time
}

func (e TaskCancelledEvent) Topic() string     { return TopicTask }
func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// GraphProgressEvent is published whenever a task graph node settles.
type GraphProgressEvent struct {
	GraphID   string
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Pending   int
	Timestamp time.Time
}

func (e GraphProgressEvent) Topic() string     { return TopicGraph }
func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) TaskID() string    { return "" }

// JulesSessionEvent is published when a Jules session changes state.
type JulesSessionEvent struct {
	SessionID string
	Mode      string
	State     string
	Timestamp time.Time
}

func (e JulesSessionEvent) Topic() string     { return TopicJules }
func (e JulesSessionEvent) EventType() string { return EventTypeJulesSession }
func (e JulesSessionEvent) TaskID() string    { return e.SessionID }

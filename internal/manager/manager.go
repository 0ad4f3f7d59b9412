// Package manager runs delegated agent tasks on a bounded worker pool.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/persistence"
)

var (
	ErrNotRunning     = errors.New("agent manager is not running")
	ErrAlreadyStarted = errors.New("agent manager already started")
)

const (
	defaultMaxWorkers   = 3
	defaultPollInterval = time.Second
	defaultDrainTimeout = 10 * time.Second
	recordTimeout       = 5 * time.Second

	cancelledByUser = "Task cancelled by user"
)

// Executor runs one task. *agent.Orchestrator satisfies it. Select is
// called when a task is delegated so configuration errors reach the
// caller before anything is queued.
type Executor interface {
	Select(params agent.Params) (agent.ID, error)
	Execute(ctx context.Context, projectPath, prompt string, params agent.Params) (agent.Execution, error)
}

// TaskRecorder persists finished tasks. *persistence.SQLiteStore satisfies it.
type TaskRecorder interface {
	RecordTask(ctx context.Context, rec persistence.TaskRecord) error
}

// Metrics receives pool measurements.
type Metrics interface {
	TaskQueued(taskType string)
	TaskFinished(taskType, status string, elapsed time.Duration)
	SetQueueDepth(n int)
	SetBusyWorkers(n int)
}

// Config configures a Manager. Zero values take defaults.
type Config struct {
	MaxWorkers   int
	PollInterval time.Duration // how often idle workers re-check the queue and shutdown
	DrainTimeout time.Duration // how long Stop waits for running tasks before cancelling them

	Events  events.Publisher
	Store   TaskRecorder
	Metrics Metrics
	Logger  *zap.Logger
}

// Manager owns every AgentTask it creates. DelegateTask enqueues and
// returns at once; workers pull tasks in FIFO order and run each through
// the Executor. At most MaxWorkers tasks run at a time.
type Manager struct {
	exec Executor
	cfg  Config
	log  *zap.Logger

	mu        sync.Mutex
	queue     []*AgentTask
	active    map[string]*AgentTask
	completed map[string]*AgentTask
	cancels   map[string]context.CancelFunc
	workers   []*worker
	started   bool
	stopped   bool

	wake       chan struct{}
	quit       chan struct{}
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Manager. Call Start before delegating.
func New(exec Executor, cfg Config) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Manager{
		exec:      exec,
		cfg:       cfg,
		log:       cfg.Logger,
		active:    make(map[string]*AgentTask),
		completed: make(map[string]*AgentTask),
		cancels:   make(map[string]context.CancelFunc),
		wake:      make(chan struct{}, cfg.MaxWorkers),
		quit:      make(chan struct{}),
	}
}

// MaxWorkers returns the pool size.
func (m *Manager) MaxWorkers() int { return m.cfg.MaxWorkers }

// Start spawns MaxWorkers worker loops. Tasks run under a context derived
// from ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	base, cancel := context.WithCancel(ctx)
	m.baseCancel = cancel

	m.workers = make([]*worker, m.cfg.MaxWorkers)
	for i := range m.workers {
		w := &worker{id: fmt.Sprintf("worker-%d", i+1)}
		m.workers[i] = w
		m.wg.Add(1)
		go m.workerLoop(base, w)
	}

	m.log.Info("agent manager started", zap.Int("workers", m.cfg.MaxWorkers))
	return nil
}

// Stop stops accepting tasks, waits up to DrainTimeout for running tasks,
// then cancels whatever is still running and waits for the workers to
// exit. Queued tasks that never started are cancelled. Stop is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.quit)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.DrainTimeout):
		m.log.Warn("drain timeout reached, cancelling running tasks")
	case <-ctx.Done():
		m.log.Warn("stop context done, cancelling running tasks", zap.Error(ctx.Err()))
	}
	m.baseCancel()
	<-done

	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetQueueDepth(0)
	}
	now := time.Now()
	for _, task := range pending {
		m.finishLocked(task, StatusCancelled, now)
		task.Error = "agent manager stopped"
	}
	m.mu.Unlock()

	for _, task := range pending {
		m.report(task.snapshot())
	}

	m.log.Info("agent manager stopped", zap.Int("cancelled_queued", len(pending)))
	return nil
}

// DelegateTask queues req and returns the new task id without waiting for
// execution. The queue is unbounded. Requests no agent can serve (no
// agents registered, plan approval without jules, a bad complexity) are
// rejected here and never queued.
func (m *Manager) DelegateTask(req Request) (string, error) {
	if req.PreferredAgent != "" && req.PreferredAgent != "auto" {
		if _, err := agent.ParseID(req.PreferredAgent); err != nil {
			return "", err
		}
	}
	if _, err := m.exec.Select(taskParams(req.Context, req.PreferredAgent)); err != nil {
		return "", err
	}

	task := &AgentTask{
		ID:             uuid.NewString(),
		TaskType:       req.TaskType,
		Description:    req.Description,
		ProjectPath:    req.ProjectPath,
		Context:        maps.Clone(req.Context),
		PreferredAgent: req.PreferredAgent,
		Status:         StatusQueued,
		CreatedAt:      time.Now(),
	}

	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return "", ErrNotRunning
	}
	m.queue = append(m.queue, task)
	m.active[task.ID] = task
	depth := len(m.queue)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.log.Info("task queued",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.String("preferred_agent", task.PreferredAgent))
	m.publish(events.TaskQueuedEvent{
		ID:             task.ID,
		TaskType:       task.TaskType,
		PreferredAgent: task.PreferredAgent,
		Timestamp:      task.CreatedAt,
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TaskQueued(task.TaskType)
		m.cfg.Metrics.SetQueueDepth(depth)
	}
	return task.ID, nil
}

// GetTaskStatus looks in the active tasks, then the completed ones.
func (m *Manager) GetTaskStatus(id string) (AgentTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.active[id]; ok {
		return task.snapshot(), true
	}
	if task, ok := m.completed[id]; ok {
		return task.snapshot(), true
	}
	return AgentTask{}, false
}

// ListActiveTasks returns snapshots of queued and running tasks, oldest
// first.
func (m *Manager) ListActiveTasks() []AgentTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]AgentTask, 0, len(m.active))
	for _, task := range m.active {
		tasks = append(tasks, task.snapshot())
	}
	slices.SortFunc(tasks, func(a, b AgentTask) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return tasks
}

// GetWorkerStats reports per-worker state and pool totals.
func (m *Manager) GetWorkerStats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{
		MaxWorkers:    m.cfg.MaxWorkers,
		ActiveWorkers: len(m.workers),
		QueuedTasks:   len(m.queue),
		Workers:       make([]WorkerStats, 0, len(m.workers)),
	}
	for _, w := range m.workers {
		if w.busy {
			stats.BusyWorkers++
		}
		stats.ProcessedTasks += w.tasksCompleted + w.tasksFailed
		stats.Workers = append(stats.Workers, WorkerStats{
			WorkerID:       w.id,
			IsBusy:         w.busy,
			CurrentTask:    w.currentTask,
			TasksCompleted: w.tasksCompleted,
			TasksFailed:    w.tasksFailed,
		})
	}
	return stats
}

// CancelTask cancels a queued or running task. A queued task is never
// executed; a running task has its context cancelled and any late result
// is discarded. It returns false for unknown or already finished tasks.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	task, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	wasRunning := task.Status == StatusRunning
	if !wasRunning {
		m.queue = slices.DeleteFunc(m.queue, func(t *AgentTask) bool { return t.ID == id })
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.SetQueueDepth(len(m.queue))
		}
	}
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.finishLocked(task, StatusCancelled, time.Now())
	task.Error = cancelledByUser
	snap := task.snapshot()
	m.mu.Unlock()

	m.log.Info("task cancelled", zap.String("task_id", id), zap.Bool("was_running", wasRunning))
	m.publish(events.TaskCancelledEvent{ID: id, WasRunning: wasRunning, Timestamp: time.Now()})
	m.report(snap)
	return true
}

func (m *Manager) workerLoop(ctx context.Context, w *worker) {
	defer m.wg.Done()
	m.log.Debug("worker started", zap.String("worker_id", w.id))
	defer m.log.Debug("worker stopped", zap.String("worker_id", w.id))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, taskCtx := m.dequeue(ctx, w)
		if task == nil {
			select {
			case <-m.quit:
				return
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-ticker.C:
			}
			continue
		}

		m.run(taskCtx, w, task)
	}
}

// dequeue pops the oldest task and marks it running on w.
func (m *Manager) dequeue(ctx context.Context, w *worker) (*AgentTask, context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, nil
	}
	task := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]

	now := time.Now()
	task.Status = StatusRunning
	task.StartedAt = &now
	w.busy = true
	w.currentTask = task.ID

	taskCtx, cancel := context.WithCancel(ctx)
	m.cancels[task.ID] = cancel

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetQueueDepth(len(m.queue))
		m.cfg.Metrics.SetBusyWorkers(m.busyLocked())
	}
	return task, taskCtx
}

func (m *Manager) run(ctx context.Context, w *worker, task *AgentTask) {
	m.log.Info("task started", zap.String("task_id", task.ID), zap.String("worker_id", w.id))
	m.publish(events.TaskStartedEvent{ID: task.ID, WorkerID: w.id, Timestamp: time.Now()})

	res, err := m.execute(ctx, task)

	m.mu.Lock()
	w.busy = false
	w.currentTask = ""
	if cancel, ok := m.cancels[task.ID]; ok {
		cancel()
		delete(m.cancels, task.ID)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetBusyWorkers(m.busyLocked())
	}

	if task.Status == StatusCancelled {
		m.mu.Unlock()
		m.log.Info("discarding result of cancelled task", zap.String("task_id", task.ID))
		return
	}

	now := time.Now()
	if err != nil {
		var execErr *agent.ExecutionError
		if errors.As(err, &execErr) {
			task.Agent = string(execErr.Agent)
		}
		task.Error = err.Error()
		w.tasksFailed++
		m.finishLocked(task, StatusFailed, now)
	} else {
		task.Agent = string(res.Agent)
		task.Result = map[string]any{"output": res.Output, "agent_used": string(res.Agent)}
		w.tasksCompleted++
		m.finishLocked(task, StatusCompleted, now)
	}
	snap := task.snapshot()
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("agent", snap.Agent),
			zap.Duration("duration", snap.Duration()),
			zap.Error(err))
		m.publish(events.TaskFailedEvent{ID: task.ID, Agent: snap.Agent, Err: err, Duration: snap.Duration(), Timestamp: now})
	} else {
		m.log.Info("task completed",
			zap.String("task_id", task.ID),
			zap.String("agent", snap.Agent),
			zap.Duration("duration", snap.Duration()))
		m.publish(events.TaskCompletedEvent{ID: task.ID, Agent: snap.Agent, Duration: snap.Duration(), Timestamp: now})
	}
	m.report(snap)
}

// execute runs the task, converting a panic in the executor into an error
// so the worker survives.
func (m *Manager) execute(ctx context.Context, task *AgentTask) (res agent.Execution, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()

	return m.exec.Execute(ctx, task.ProjectPath, task.Description, taskParams(task.Context, task.PreferredAgent))
}

// taskParams copies the task context and adds the preferred agent.
func taskParams(taskCtx map[string]any, preferred string) agent.Params {
	params := agent.Params(maps.Clone(taskCtx))
	if params == nil {
		params = agent.Params{}
	}
	if preferred != "" {
		params[agent.ParamPreferredAgent] = preferred
	}
	return params
}

// finishLocked moves task to the completed map. Callers hold m.mu.
func (m *Manager) finishLocked(task *AgentTask, status Status, at time.Time) {
	task.Status = status
	task.CompletedAt = &at
	delete(m.active, task.ID)
	m.completed[task.ID] = task
}

func (m *Manager) busyLocked() int {
	n := 0
	for _, w := range m.workers {
		if w.busy {
			n++
		}
	}
	return n
}

func (m *Manager) publish(e events.Event) {
	if m.cfg.Events != nil {
		m.cfg.Events.Publish(e)
	}
}

// report sends a terminal snapshot to metrics and the history store.
// Store errors are logged and swallowed.
func (m *Manager) report(task AgentTask) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TaskFinished(task.TaskType, string(task.Status), task.Duration())
	}
	if m.cfg.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := persistence.TaskRecord{
		ID:              task.ID,
		TaskType:        task.TaskType,
		Description:     task.Description,
		ProjectPath:     task.ProjectPath,
		PreferredAgent:  task.PreferredAgent,
		Agent:           task.Agent,
		Status:          string(task.Status),
		Error:           task.Error,
		CreatedAt:       task.CreatedAt,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
		DurationSeconds: task.Duration().Seconds(),
	}
	if task.Result != nil {
		if data, err := json.Marshal(task.Result); err == nil {
			rec.Result = string(data)
		}
	}
	if err := m.cfg.Store.RecordTask(ctx, rec); err != nil {
		m.log.Warn("failed to record task history", zap.String("task_id", task.ID), zap.Error(err))
	}
}

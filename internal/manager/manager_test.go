package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/persistence"
)

type fakeExecutor struct {
	delay   time.Duration
	err     error
	failOn  map[string]bool // prompts that fail
	running atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32

	mu     sync.Mutex
	params []agent.Params
}

func (f *fakeExecutor) Select(agent.Params) (agent.ID, error) { return agent.Copilot, nil }

func (f *fakeExecutor) Execute(ctx context.Context, projectPath, prompt string, params agent.Params) (agent.Execution, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.params = append(f.params, params)
	f.mu.Unlock()

	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return agent.Execution{}, ctx.Err()
		}
	}
	if f.err != nil {
		return agent.Execution{}, &agent.ExecutionError{Agent: agent.Aider, Err: f.err}
	}
	if f.failOn[prompt] {
		return agent.Execution{}, &agent.ExecutionError{Agent: agent.Aider, Err: errors.New("failed: " + prompt)}
	}
	return agent.Execution{Agent: agent.Copilot, Output: "done: " + prompt}, nil
}

type memRecorder struct {
	mu      sync.Mutex
	records []persistence.TaskRecord
}

func (r *memRecorder) RecordTask(_ context.Context, rec persistence.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func startManager(t *testing.T, exec Executor, cfg Config) *Manager {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	m := New(exec, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) AgentTask {
	t.Helper()
	var task AgentTask
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = m.GetTaskStatus(id)
		return ok && task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestManager_RunsTasksWithBoundedConcurrency(t *testing.T) {
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	rec := &memRecorder{}
	m := startManager(t, exec, Config{MaxWorkers: 3, Store: rec})

	ids := make([]string, 10)
	for i := range ids {
		id, err := m.DelegateTask(Request{TaskType: "code_generation", Description: "task"})
		require.NoError(t, err)
		ids[i] = id
	}

	stats := m.GetWorkerStats()
	assert.Equal(t, 3, stats.MaxWorkers)
	assert.Equal(t, 3, stats.ActiveWorkers)
	assert.LessOrEqual(t, stats.BusyWorkers, 3)
	assert.Greater(t, stats.QueuedTasks+stats.BusyWorkers+stats.ProcessedTasks, 0)

	for _, id := range ids {
		task := waitStatus(t, m, id, StatusCompleted)
		assert.Equal(t, "copilot", task.Agent)
		assert.Equal(t, "done: task", task.Result["output"])
		assert.Equal(t, "copilot", task.Result["agent_used"])
		assert.NotNil(t, task.StartedAt)
		assert.NotNil(t, task.CompletedAt)
	}

	assert.LessOrEqual(t, exec.peak.Load(), int32(3))
	assert.Equal(t, int32(10), exec.calls.Load())
	assert.Equal(t, 10, m.GetWorkerStats().ProcessedTasks)
	assert.Empty(t, m.ListActiveTasks())
	assert.Eventually(t, func() bool { return rec.len() == 10 }, time.Second, 5*time.Millisecond)
}

func TestManager_DelegateDoesNotBlock(t *testing.T) {
	exec := &fakeExecutor{delay: 500 * time.Millisecond}
	m := startManager(t, exec, Config{MaxWorkers: 1})

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := m.DelegateTask(Request{TaskType: "analysis", Description: "slow"})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, m.ListActiveTasks(), 5)
}

func TestManager_FailedTask(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	m := startManager(t, exec, Config{MaxWorkers: 1})

	id, err := m.DelegateTask(Request{TaskType: "debugging", Description: "fix it"})
	require.NoError(t, err)

	task := waitStatus(t, m, id, StatusFailed)
	assert.Contains(t, task.Error, "boom")
	assert.Equal(t, "aider", task.Agent)
	assert.Nil(t, task.Result)

	require.Eventually(t, func() bool { return m.GetWorkerStats().Workers[0].TasksFailed == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_FailureDoesNotAffectOtherTasks(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond, failOn: map[string]bool{"bad-1": true, "bad-2": true}}
	m := startManager(t, exec, Config{MaxWorkers: 2})

	prompts := []string{"good-1", "bad-1", "good-2", "bad-2", "good-3", "good-4"}
	ids := make(map[string]string, len(prompts))
	for _, p := range prompts {
		id, err := m.DelegateTask(Request{TaskType: "analysis", Description: p})
		require.NoError(t, err)
		ids[p] = id
	}

	for _, p := range prompts {
		if exec.failOn[p] {
			task := waitStatus(t, m, ids[p], StatusFailed)
			assert.Contains(t, task.Error, "failed: "+p)
			continue
		}
		task := waitStatus(t, m, ids[p], StatusCompleted)
		assert.Equal(t, "done: "+p, task.Result["output"])
		assert.Empty(t, task.Error)
	}

	// The workers that ran failing tasks keep serving.
	later, err := m.DelegateTask(Request{TaskType: "analysis", Description: "after"})
	require.NoError(t, err)
	waitStatus(t, m, later, StatusCompleted)

	var completed, failed int
	for _, w := range m.GetWorkerStats().Workers {
		completed += w.TasksCompleted
		failed += w.TasksFailed
	}
	assert.Equal(t, 5, completed)
	assert.Equal(t, 2, failed)
}

type stubAgent struct{}

func (stubAgent) ExecutePrompt(context.Context, string, string, agent.Params) (string, error) {
	return "ok", nil
}

func TestManager_RejectsRequestsNoAgentCanServe(t *testing.T) {
	withCopilot := agent.NewRegistry()
	withCopilot.Register(agent.Copilot, stubAgent{})

	tests := []struct {
		name     string
		registry *agent.Registry
		context  map[string]any
		wantErr  error
	}{
		{"no agents registered", agent.NewRegistry(), nil, agent.ErrNoAgentsRegistered},
		{"plan approval without jules", withCopilot, map[string]any{agent.ParamRequirePlanApproval: true}, agent.ErrPlanApprovalUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &memRecorder{}
			m := startManager(t, agent.NewOrchestrator(tt.registry, agent.Options{}), Config{Store: rec})

			id, err := m.DelegateTask(Request{TaskType: "analysis", Description: "review the plan", Context: tt.context})
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, id)
			assert.Empty(t, m.ListActiveTasks())
			assert.Zero(t, m.GetWorkerStats().QueuedTasks)
			assert.Zero(t, rec.len())
		})
	}

	t.Run("invalid complexity", func(t *testing.T) {
		m := startManager(t, agent.NewOrchestrator(withCopilot, agent.Options{}), Config{})
		_, err := m.DelegateTask(Request{TaskType: "analysis", Context: map[string]any{agent.ParamComplexity: "huge"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "huge")
		assert.Empty(t, m.ListActiveTasks())
	})

	t.Run("servable request is queued", func(t *testing.T) {
		m := startManager(t, agent.NewOrchestrator(withCopilot, agent.Options{}), Config{})
		id, err := m.DelegateTask(Request{TaskType: "analysis", Description: "explain"})
		require.NoError(t, err)
		task := waitStatus(t, m, id, StatusCompleted)
		assert.Equal(t, "copilot", task.Agent)
	})
}

func TestManager_PassesContextAndPreferredAgent(t *testing.T) {
	exec := &fakeExecutor{}
	m := startManager(t, exec, Config{MaxWorkers: 1})

	ctx := map[string]any{agent.ParamComplexity: "complex"}
	id, err := m.DelegateTask(Request{
		TaskType:       "refactoring",
		Description:    "split module",
		Context:        ctx,
		PreferredAgent: "gemini",
	})
	require.NoError(t, err)
	waitStatus(t, m, id, StatusCompleted)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.params, 1)
	assert.Equal(t, "gemini", exec.params[0].String(agent.ParamPreferredAgent))
	assert.Equal(t, "complex", exec.params[0].String(agent.ParamComplexity))
	assert.NotContains(t, ctx, agent.ParamPreferredAgent, "caller context must not be mutated")
}

func TestManager_RejectsInvalidAgent(t *testing.T) {
	m := startManager(t, &fakeExecutor{}, Config{})

	_, err := m.DelegateTask(Request{TaskType: "analysis", PreferredAgent: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid agent type: nope")

	_, err = m.DelegateTask(Request{TaskType: "analysis", PreferredAgent: "auto"})
	assert.NoError(t, err)
}

func TestManager_CancelQueuedTask(t *testing.T) {
	exec := &fakeExecutor{delay: 200 * time.Millisecond}
	m := startManager(t, exec, Config{MaxWorkers: 1})

	first, err := m.DelegateTask(Request{TaskType: "analysis", Description: "first"})
	require.NoError(t, err)
	waitStatus(t, m, first, StatusRunning)

	second, err := m.DelegateTask(Request{TaskType: "analysis", Description: "second"})
	require.NoError(t, err)

	require.True(t, m.CancelTask(second))
	task, ok := m.GetTaskStatus(second)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Equal(t, "Task cancelled by user", task.Error)
	assert.Nil(t, task.StartedAt)

	waitStatus(t, m, first, StatusCompleted)
	assert.Equal(t, int32(1), exec.calls.Load(), "cancelled task must never run")
	assert.False(t, m.CancelTask(second), "second cancel finds no active task")
}

type gaugeMetrics struct {
	mu    sync.Mutex
	depth int
}

func (g *gaugeMetrics) TaskQueued(string)                          {}
func (g *gaugeMetrics) TaskFinished(string, string, time.Duration) {}
func (g *gaugeMetrics) SetBusyWorkers(int)                         {}

func (g *gaugeMetrics) SetQueueDepth(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.depth = n
}

func (g *gaugeMetrics) queueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth
}

func TestManager_QueueDepthTracksCancelAndStop(t *testing.T) {
	exec := &fakeExecutor{delay: 5 * time.Second}
	gauge := &gaugeMetrics{}
	m := New(exec, Config{MaxWorkers: 1, PollInterval: 10 * time.Millisecond, DrainTimeout: 10 * time.Millisecond, Metrics: gauge})
	require.NoError(t, m.Start(context.Background()))

	running, err := m.DelegateTask(Request{TaskType: "analysis", Description: "busy"})
	require.NoError(t, err)
	waitStatus(t, m, running, StatusRunning)

	first, err := m.DelegateTask(Request{TaskType: "analysis", Description: "first"})
	require.NoError(t, err)
	_, err = m.DelegateTask(Request{TaskType: "analysis", Description: "second"})
	require.NoError(t, err)
	assert.Equal(t, 2, gauge.queueDepth())

	require.True(t, m.CancelTask(first))
	assert.Equal(t, 1, gauge.queueDepth())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 0, gauge.queueDepth())
}

func TestManager_CancelRunningTask(t *testing.T) {
	exec := &fakeExecutor{delay: 5 * time.Second}
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicTask, 16)

	m := startManager(t, exec, Config{MaxWorkers: 1, Events: bus})

	id, err := m.DelegateTask(Request{TaskType: "analysis", Description: "long"})
	require.NoError(t, err)
	waitStatus(t, m, id, StatusRunning)

	require.True(t, m.CancelTask(id))
	require.Eventually(t, func() bool { return exec.running.Load() == 0 }, time.Second, 5*time.Millisecond)

	task, _ := m.GetTaskStatus(id)
	assert.Equal(t, StatusCancelled, task.Status, "late result must be discarded")
	assert.False(t, m.GetWorkerStats().Workers[0].IsBusy)

	var sawCancel bool
	timeout := time.After(time.Second)
	for !sawCancel {
		select {
		case e := <-ch:
			if c, ok := e.(events.TaskCancelledEvent); ok {
				sawCancel = c.WasRunning && c.ID == id
			}
		case <-timeout:
			t.Fatal("no cancellation event")
		}
	}
}

func TestManager_CancelUnknownTask(t *testing.T) {
	m := startManager(t, &fakeExecutor{}, Config{})
	assert.False(t, m.CancelTask("missing"))

	_, ok := m.GetTaskStatus("missing")
	assert.False(t, ok)
}

func TestManager_Lifecycle(t *testing.T) {
	m := New(&fakeExecutor{}, Config{PollInterval: 10 * time.Millisecond})

	_, err := m.DelegateTask(Request{TaskType: "analysis"})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	_, err = m.DelegateTask(Request{TaskType: "analysis"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestManager_StopCancelsStragglers(t *testing.T) {
	exec := &fakeExecutor{delay: 10 * time.Second}
	m := New(exec, Config{MaxWorkers: 1, PollInterval: 10 * time.Millisecond, DrainTimeout: 50 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))

	running, err := m.DelegateTask(Request{TaskType: "analysis", Description: "stuck"})
	require.NoError(t, err)
	waitStatus(t, m, running, StatusRunning)
	queued, err := m.DelegateTask(Request{TaskType: "analysis", Description: "waiting"})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	task, _ := m.GetTaskStatus(running)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.Error, context.Canceled.Error())

	task, _ = m.GetTaskStatus(queued)
	assert.Equal(t, StatusCancelled, task.Status)
}

func TestAgentTask_Snapshot(t *testing.T) {
	now := time.Now()
	task := &AgentTask{ID: "a", Context: map[string]any{"k": "v"}, StartedAt: &now}
	snap := task.snapshot()

	snap.Context["k"] = "changed"
	*snap.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "v", task.Context["k"])
	assert.Equal(t, now, *task.StartedAt)
}

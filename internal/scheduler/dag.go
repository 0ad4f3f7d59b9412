package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// ErrDependencyFailed is recorded on tasks skipped because of a dependency.
var ErrDependencyFailed = errors.New("dependency failed")

// DAG is a directed acyclic graph of tasks. Tasks are kept in insertion
// order so scheduling is deterministic.
type DAG struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{tasks: make(map[string]*Task)}
}

// AddTask adds a task. Its dependencies must already be in the graph, so a
// graph built through AddTask cannot contain a cycle.
func (d *DAG) AddTask(task *Task) error {
	if task.ID == "" {
		return errors.New("task ID is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}
	for _, depID := range task.DependsOn {
		if _, exists := d.tasks[depID]; !exists {
			return fmt.Errorf("task %q depends on unknown task %q", task.ID, depID)
		}
	}

	if task.Status == "" {
		task.Status = TaskPending
	}
	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)
	return nil
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}

// Validate runs a topological sort and returns the task IDs in dependency
// order.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var edges []toposort.Edge
	for _, id := range d.order {
		task := d.tasks[id]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("DAG contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range d.order {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Eligible returns pending tasks whose dependencies are all resolved, in
// insertion order.
func (d *DAG) Eligible() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	eligible := []*Task{}
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status != TaskPending {
			continue
		}

		ready := true
		for _, depID := range task.DependsOn {
			if !resolved(d.tasks[depID]) {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, cloneTask(task))
		}
	}
	return eligible
}

// SkipBlocked marks every pending task with a hard-failed or skipped
// dependency as skipped, transitively, and returns the IDs it changed.
func (d *DAG) SkipBlocked() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, id := range d.order {
			task := d.tasks[id]
			if task.Status != TaskPending {
				continue
			}
			for _, depID := range task.DependsOn {
				if blocks(d.tasks[depID]) {
					task.Status = TaskSkipped
					task.Err = fmt.Errorf("%w: %s", ErrDependencyFailed, depID)
					skipped = append(skipped, id)
					changed = true
					break
				}
			}
		}
	}
	return skipped
}

func resolved(dep *Task) bool {
	switch dep.Status {
	case TaskCompleted:
		return true
	case TaskFailed:
		return dep.FailureMode == FailSoft
	}
	return false
}

func blocks(dep *Task) bool {
	switch dep.Status {
	case TaskSkipped:
		return true
	case TaskFailed:
		return dep.FailureMode == FailHard
	}
	return false
}

// MarkRunning sets task status to TaskRunning.
func (d *DAG) MarkRunning(taskID string) error {
	return d.update(taskID, func(t *Task) {
		t.Status = TaskRunning
	})
}

// MarkCompleted stores the output of a finished task.
func (d *DAG) MarkCompleted(taskID, output string, elapsed time.Duration) error {
	return d.update(taskID, func(t *Task) {
		t.Status = TaskCompleted
		t.Output = output
		t.Duration = elapsed
	})
}

// MarkFailed stores the error of a failed task.
func (d *DAG) MarkFailed(taskID string, err error, elapsed time.Duration) error {
	return d.update(taskID, func(t *Task) {
		t.Status = TaskFailed
		t.Err = err
		t.Duration = elapsed
	})
}

func (d *DAG) update(taskID string, fn func(*Task)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	fn(task)
	return nil
}

// Get returns a copy of the task.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.WritesFiles != nil {
		cp.WritesFiles = append([]string(nil), task.WritesFiles...)
	}
	return &cp
}

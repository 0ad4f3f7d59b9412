package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrencyLimit = 3

// ProgressFunc is called on every task transition.
type ProgressFunc func(taskID string, status TaskStatus)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	ConcurrencyLimit int                  // max tasks running at once (default 3)
	Locks            *ResourceLockManager // optional; created when nil
	OnProgress       ProgressFunc
	Logger           *zap.Logger
}

// Summary aggregates a finished run.
type Summary struct {
	Total                int     `json:"total_tasks"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Skipped              int     `json:"skipped"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	SuccessRate          float64 `json:"success_rate"`
}

// Report is the result of Runner.Run. Results follow dependency order.
type Report struct {
	Results []TaskResult `json:"results"`
	Summary Summary      `json:"summary"`
}

// Runner executes a DAG in waves: every eligible task of a wave runs
// concurrently, bounded by ConcurrencyLimit, and the next wave starts when
// the current one has finished.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = defaultConcurrencyLimit
	}
	if cfg.Locks == nil {
		cfg.Locks = NewResourceLockManager()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg}
}

// Run executes every task of dag. A task runs only after its dependencies
// resolved; tasks behind a hard failure are skipped without running. On
// context cancellation Run returns the partial report and ctx.Err().
func (r *Runner) Run(ctx context.Context, dag *DAG) (*Report, error) {
	order, err := dag.Validate()
	if err != nil {
		return nil, err
	}
	r.cfg.Logger.Info("starting graph run",
		zap.Int("tasks", len(order)),
		zap.Int("concurrency", r.cfg.ConcurrencyLimit))

	for {
		if err := ctx.Err(); err != nil {
			return r.report(dag, order), err
		}

		for _, id := range dag.SkipBlocked() {
			r.cfg.Logger.Info("task skipped", zap.String("task_id", id))
			r.progress(id, TaskSkipped)
		}

		eligible := dag.Eligible()
		if len(eligible) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(r.cfg.ConcurrencyLimit)
		for _, task := range eligible {
			g.Go(func() error {
				r.execute(ctx, dag, task)
				return nil
			})
		}
		_ = g.Wait()
	}

	rep := r.report(dag, order)
	r.cfg.Logger.Info("graph run finished",
		zap.Int("completed", rep.Summary.Completed),
		zap.Int("failed", rep.Summary.Failed),
		zap.Int("skipped", rep.Summary.Skipped))
	return rep, nil
}

func (r *Runner) execute(ctx context.Context, dag *DAG, task *Task) {
	r.cfg.Locks.LockAll(task.WritesFiles)
	defer r.cfg.Locks.UnlockAll(task.WritesFiles)

	if err := ctx.Err(); err != nil {
		_ = dag.MarkFailed(task.ID, fmt.Errorf("context cancelled before execution: %w", err), 0)
		r.progress(task.ID, TaskFailed)
		return
	}

	if err := dag.MarkRunning(task.ID); err != nil {
		r.cfg.Logger.Error("failed to mark task running", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	r.progress(task.ID, TaskRunning)

	start := time.Now()
	output, err := runTask(ctx, task)
	elapsed := time.Since(start)

	if err != nil {
		r.cfg.Logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		_ = dag.MarkFailed(task.ID, err, elapsed)
		r.progress(task.ID, TaskFailed)
		return
	}

	r.cfg.Logger.Info("task completed", zap.String("task_id", task.ID), zap.Duration("duration", elapsed))
	_ = dag.MarkCompleted(task.ID, output, elapsed)
	r.progress(task.ID, TaskCompleted)
}

// runTask calls the task function, turning a panic into a task failure.
func runTask(ctx context.Context, task *Task) (output string, err error) {
	if task.Run == nil {
		return "", fmt.Errorf("task %q has no function", task.ID)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %q panicked: %v", task.ID, p)
		}
	}()
	return task.Run(ctx)
}

func (r *Runner) progress(id string, status TaskStatus) {
	if r.cfg.OnProgress != nil {
		r.cfg.OnProgress(id, status)
	}
}

func (r *Runner) report(dag *DAG, order []string) *Report {
	rep := &Report{Results: make([]TaskResult, 0, len(order))}
	for _, id := range order {
		task, ok := dag.Get(id)
		if !ok {
			continue
		}
		rep.Results = append(rep.Results, resultOf(task))
	}
	rep.Summary = Summarize(rep.Results)
	return rep
}

// Summarize counts outcomes. SuccessRate is the completed percentage.
func Summarize(results []TaskResult) Summary {
	s := Summary{Total: len(results)}
	for _, res := range results {
		switch res.Status {
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskSkipped:
			s.Skipped++
		}
		s.TotalDurationSeconds += res.DurationSeconds
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Total) * 100
	}
	return s
}

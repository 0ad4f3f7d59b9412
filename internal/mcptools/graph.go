package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/persistence"
	"github.com/aristath/delegator/internal/scheduler"
	"github.com/aristath/delegator/internal/worktree"
)

const defaultGraphConcurrency = 3

// GraphStore persists finished graph runs.
type GraphStore interface {
	SaveGraphRun(ctx context.Context, run persistence.GraphRun) error
}

// Isolator gives each task its own git worktree and merges the result
// back. *worktree.Manager satisfies it.
type Isolator interface {
	Create(ctx context.Context, runID, taskID string) (*worktree.Info, error)
	Commit(ctx context.Context, info *worktree.Info, message string) error
	Merge(ctx context.Context, info *worktree.Info) (*worktree.MergeResult, error)
	Cleanup(ctx context.Context, info *worktree.Info) error
}

// IsolatorFactory opens an Isolator for the repository at projectPath.
type IsolatorFactory func(ctx context.Context, projectPath string, strategy worktree.MergeStrategy) (Isolator, error)

// GraphTaskSpec is one node of an executeTaskGraph request.
type GraphTaskSpec struct {
	ID             string         `json:"id"`
	Prompt         string         `json:"prompt"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	PreferredAgent string         `json:"preferred_agent,omitempty"`
	WritesFiles    []string       `json:"writes_files,omitempty"`
	FailureMode    string         `json:"failure_mode,omitempty"` // "hard" (default) or "soft"
	Context        map[string]any `json:"context,omitempty"`
}

// ExecuteTaskGraphTool handles the executeTaskGraph MCP tool: it runs a set
// of prompts with dependencies through the agent orchestrator, in parallel
// where the graph allows, and waits for the whole graph.
type ExecuteTaskGraphTool struct {
	exec      agent.Executor
	store     GraphStore
	events    events.Publisher
	logger    *zap.Logger
	worktrees IsolatorFactory
}

// NewExecuteTaskGraphTool creates the tool. store, pub and logger may be nil.
func NewExecuteTaskGraphTool(exec agent.Executor, store GraphStore, pub events.Publisher, logger *zap.Logger) *ExecuteTaskGraphTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecuteTaskGraphTool{exec: exec, store: store, events: pub, logger: logger}
}

// WithWorktrees enables the isolate option, which runs every task in its
// own git worktree.
func (t *ExecuteTaskGraphTool) WithWorktrees(f IsolatorFactory) *ExecuteTaskGraphTool {
	t.worktrees = f
	return t
}

// Definition returns the MCP tool definition for registration.
func (t *ExecuteTaskGraphTool) Definition() mcp.Tool {
	return mcp.NewTool("executeTaskGraph",
		mcp.WithDescription(
			"Execute several agent prompts that depend on each other. Independent tasks run "+
				"in parallel up to max_concurrency; a task runs only after its dependencies "+
				"completed, and tasks behind a hard failure are skipped. Tasks declaring the "+
				"same writes_files never run at the same time. Blocks until the graph finishes.",
		),
		mcp.WithArray("tasks",
			mcp.Required(),
			mcp.Description("Nodes: {id, prompt, depends_on?, preferred_agent?, writes_files?, failure_mode? (hard|soft), context?}."),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":              map[string]any{"type": "string"},
					"prompt":          map[string]any{"type": "string"},
					"depends_on":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"preferred_agent": map[string]any{"type": "string"},
					"writes_files":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"failure_mode":    map[string]any{"type": "string", "enum": []string{"hard", "soft"}},
					"context":         map[string]any{"type": "object"},
				},
				"required": []string{"id", "prompt"},
			}),
		),
		mcp.WithString("project_path",
			mcp.Description("Project directory every task runs in (default current directory)."),
			mcp.DefaultString("."),
		),
		mcp.WithNumber("max_concurrency",
			mcp.Description("Maximum tasks running at once (default 3)."),
			mcp.DefaultNumber(defaultGraphConcurrency),
		),
		mcp.WithBoolean("isolate",
			mcp.Description("Run each task in its own git worktree of project_path and merge its changes back when it succeeds (default false)."),
			mcp.DefaultBool(false),
		),
		mcp.WithString("merge_strategy",
			mcp.Description("How isolated tasks merge back: fail leaves conflicting branches unmerged, ours/theirs resolve conflicts for the base or the task."),
			mcp.Enum("fail", "ours", "theirs"),
			mcp.DefaultString("fail"),
		),
	)
}

// Handle processes the executeTaskGraph tool call.
func (t *ExecuteTaskGraphTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specs, err := decodeGraphTasks(req.GetArguments()["tasks"])
	if err != nil {
		return errorResult(err.Error(), nil)
	}

	projectPath := req.GetString("project_path", ".")
	graphID := uuid.NewString()

	var iso Isolator
	if req.GetBool("isolate", false) {
		iso, err = t.isolator(ctx, projectPath, req.GetString("merge_strategy", "fail"))
		if err != nil {
			return errorResult(err.Error(), nil)
		}
	}

	dag, err := t.buildDAG(specs, projectPath, graphID, iso)
	if err != nil {
		return errorResult(err.Error(), nil)
	}

	started := time.Now()
	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		ConcurrencyLimit: int(req.GetFloat("max_concurrency", defaultGraphConcurrency)),
		OnProgress:       t.progress(graphID, dag.Len()),
		Logger:           t.logger.With(zap.String("graph_id", graphID)),
	})

	report, runErr := runner.Run(ctx, dag)
	if report == nil {
		return errorResult(runErr.Error(), map[string]any{"graph_id": graphID})
	}

	t.save(graphID, started, report, specs)

	doc := map[string]any{
		"status":   "success",
		"graph_id": graphID,
		"results":  report.Results,
		"summary":  report.Summary,
	}
	if runErr != nil {
		doc["status"] = "error"
		doc["message"] = fmt.Sprintf("graph run interrupted: %v", runErr)
	}
	return jsonResult(doc)
}

func (t *ExecuteTaskGraphTool) isolator(ctx context.Context, projectPath, strategyName string) (Isolator, error) {
	if t.worktrees == nil {
		return nil, fmt.Errorf("worktree isolation is not available")
	}
	strategy, err := worktree.ParseMergeStrategy(strategyName)
	if err != nil {
		return nil, err
	}
	return t.worktrees(ctx, projectPath, strategy)
}

func decodeGraphTasks(raw any) ([]GraphTaskSpec, error) {
	if raw == nil {
		return nil, fmt.Errorf("tasks is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid tasks: %w", err)
	}
	var specs []GraphTaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("invalid tasks: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("tasks must not be empty")
	}
	for i, s := range specs {
		if s.ID == "" || strings.TrimSpace(s.Prompt) == "" {
			return nil, fmt.Errorf("task %d: id and prompt are required", i)
		}
	}
	return specs, nil
}

// buildDAG adds specs in dependency order regardless of the order they
// were given in. Specs left over once no progress is possible reference an
// unknown task or form a cycle.
func (t *ExecuteTaskGraphTool) buildDAG(specs []GraphTaskSpec, projectPath, graphID string, iso Isolator) (*scheduler.DAG, error) {
	dag := scheduler.NewDAG()
	added := make(map[string]bool, len(specs))
	pending := specs

	for len(pending) > 0 {
		var next []GraphTaskSpec
		for _, s := range pending {
			ready := true
			for _, dep := range s.DependsOn {
				if !added[dep] {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, s)
				continue
			}
			if err := dag.AddTask(t.task(s, projectPath, graphID, iso)); err != nil {
				return nil, err
			}
			added[s.ID] = true
		}

		if len(next) == len(pending) {
			ids := make([]string, len(next))
			for i, s := range next {
				ids[i] = s.ID
			}
			return nil, fmt.Errorf("unknown dependency or cycle among tasks: %s", strings.Join(ids, ", "))
		}
		pending = next
	}
	return dag, nil
}

func (t *ExecuteTaskGraphTool) task(s GraphTaskSpec, projectPath, graphID string, iso Isolator) *scheduler.Task {
	mode := scheduler.FailHard
	if strings.EqualFold(s.FailureMode, "soft") {
		mode = scheduler.FailSoft
	}

	params := agent.Params(maps.Clone(s.Context))
	if params == nil {
		params = agent.Params{}
	}
	if s.PreferredAgent != "" {
		params[agent.ParamPreferredAgent] = s.PreferredAgent
	}
	prompt, id := s.Prompt, s.ID

	run := func(ctx context.Context) (string, error) {
		return t.exec.ExecutePrompt(ctx, projectPath, prompt, params.Clone())
	}
	if iso != nil {
		run = func(ctx context.Context) (string, error) {
			return t.runIsolated(ctx, iso, graphID, id, prompt, params.Clone())
		}
	}

	return &scheduler.Task{
		ID:          s.ID,
		Name:        truncate(prompt, 60),
		DependsOn:   s.DependsOn,
		WritesFiles: s.WritesFiles,
		FailureMode: mode,
		Run:         run,
	}
}

// runIsolated runs one task in a fresh worktree, commits what the agent
// changed and merges it into the base branch. A branch that cannot be
// merged is kept for manual resolution.
func (t *ExecuteTaskGraphTool) runIsolated(ctx context.Context, iso Isolator, graphID, taskID, prompt string, params agent.Params) (string, error) {
	info, err := iso.Create(ctx, graphID, taskID)
	if err != nil {
		return "", err
	}
	keep := false
	defer func() {
		if keep {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := iso.Cleanup(cleanupCtx, info); err != nil {
			t.logger.Warn("worktree cleanup failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	out, err := t.exec.ExecutePrompt(ctx, info.Path, prompt, params)
	if err != nil {
		return "", err
	}
	if err := iso.Commit(ctx, info, fmt.Sprintf("Task %s: %s", taskID, truncate(prompt, 60))); err != nil {
		return out, err
	}

	res, err := iso.Merge(ctx, info)
	if err != nil {
		keep = true
		return out, fmt.Errorf("%w; changes kept on branch %s", err, info.Branch)
	}
	if !res.Merged {
		keep = true
		return out, fmt.Errorf("merge conflict in %s; changes kept on branch %s",
			strings.Join(res.ConflictFiles, ", "), info.Branch)
	}
	return out, nil
}

// progress publishes a GraphProgressEvent whenever a node settles.
func (t *ExecuteTaskGraphTool) progress(graphID string, total int) scheduler.ProgressFunc {
	if t.events == nil {
		return nil
	}
	var (
		mu                         sync.Mutex
		completed, failed, skipped int
	)
	return func(_ string, status scheduler.TaskStatus) {
		mu.Lock()
		switch status {
		case scheduler.TaskCompleted:
			completed++
		case scheduler.TaskFailed:
			failed++
		case scheduler.TaskSkipped:
			skipped++
		default:
			mu.Unlock()
			return
		}
		e := events.GraphProgressEvent{
			GraphID:   graphID,
			Total:     total,
			Completed: completed,
			Failed:    failed,
			Skipped:   skipped,
			Pending:   total - completed - failed - skipped,
			Timestamp: time.Now(),
		}
		mu.Unlock()
		t.events.Publish(e)
	}
}

func (t *ExecuteTaskGraphTool) save(graphID string, started time.Time, report *scheduler.Report, specs []GraphTaskSpec) {
	if t.store == nil {
		return
	}

	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		deps[s.ID] = s.DependsOn
	}

	run := persistence.GraphRun{
		ID:              graphID,
		Total:           report.Summary.Total,
		Completed:       report.Summary.Completed,
		Failed:          report.Summary.Failed,
		Skipped:         report.Summary.Skipped,
		DurationSeconds: time.Since(started).Seconds(),
		CreatedAt:       started,
	}
	for _, res := range report.Results {
		run.Tasks = append(run.Tasks, persistence.GraphTask{
			ID:              res.TaskID,
			Status:          string(res.Status),
			Output:          res.Output,
			Error:           res.Error,
			DurationSeconds: res.DurationSeconds,
			DependsOn:       deps[res.TaskID],
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.SaveGraphRun(ctx, run); err != nil {
		t.logger.Warn("failed to save graph run", zap.String("graph_id", graphID), zap.Error(err))
	}
}

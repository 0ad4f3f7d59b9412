package mcptools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/persistence"
	"github.com/aristath/delegator/internal/worktree"
)

type promptExecutor struct {
	calls   atomic.Int32
	mu      sync.Mutex
	prompts []string
}

func (p *promptExecutor) ExecutePrompt(_ context.Context, _, prompt string, params agent.Params) (string, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	if strings.HasPrefix(prompt, "fail") {
		return "", errors.New("agent crashed")
	}
	return "did " + prompt + " with " + params.String(agent.ParamPreferredAgent), nil
}

type memGraphStore struct {
	runs []persistence.GraphRun
}

func (m *memGraphStore) SaveGraphRun(_ context.Context, run persistence.GraphRun) error {
	m.runs = append(m.runs, run)
	return nil
}

func graphTasks(specs ...map[string]interface{}) []interface{} {
	out := make([]interface{}, len(specs))
	for i, s := range specs {
		out[i] = s
	}
	return out
}

func TestExecuteTaskGraphTool_Handle(t *testing.T) {
	exec := &promptExecutor{}
	store := &memGraphStore{}
	bus := events.NewEventBus()
	defer bus.Close()
	progress := bus.Subscribe(events.TopicGraph, 32)

	tool := NewExecuteTaskGraphTool(exec, store, bus, nil)
	if tool.Definition().Name != "executeTaskGraph" {
		t.Errorf("unexpected tool name %q", tool.Definition().Name)
	}

	// Given out of order on purpose: "test" is listed before "build".
	doc := decodeResult(t)(tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"project_path": "/repo",
		"tasks": graphTasks(
			map[string]interface{}{"id": "test", "prompt": "write tests", "depends_on": []interface{}{"build"}},
			map[string]interface{}{"id": "build", "prompt": "fail build", "preferred_agent": "aider"},
			map[string]interface{}{"id": "docs", "prompt": "write docs", "preferred_agent": "gemini"},
			map[string]interface{}{"id": "lint", "prompt": "fail lint", "failure_mode": "soft"},
			map[string]interface{}{"id": "fmt", "prompt": "format", "depends_on": []interface{}{"lint"}},
		),
	})))

	if doc["status"] != "success" {
		t.Fatalf("status = %v (%v)", doc["status"], doc)
	}

	statuses := map[string]string{}
	for _, raw := range doc["results"].([]any) {
		r := raw.(map[string]any)
		statuses[r["task_id"].(string)] = r["status"].(string)
	}
	want := map[string]string{"build": "FAILED", "test": "SKIPPED", "docs": "COMPLETED", "lint": "FAILED", "fmt": "COMPLETED"}
	for id, status := range want {
		if statuses[id] != status {
			t.Errorf("%s = %s, want %s", id, statuses[id], status)
		}
	}

	for _, p := range exec.prompts {
		if p == "write tests" {
			t.Error("task behind a hard failure was executed")
		}
	}

	summary := doc["summary"].(map[string]any)
	if summary["total_tasks"] != float64(5) || summary["skipped"] != float64(1) || summary["success_rate"] != float64(40) {
		t.Errorf("summary = %v", summary)
	}

	if len(store.runs) != 1 {
		t.Fatalf("expected one saved graph run, got %d", len(store.runs))
	}
	run := store.runs[0]
	if run.ID != doc["graph_id"] || run.Total != 5 || run.Failed != 2 {
		t.Errorf("saved run = %+v", run)
	}

	var last events.GraphProgressEvent
	timeout := time.After(time.Second)
	for last.Pending != 0 || last.Total == 0 {
		select {
		case e := <-progress:
			last = e.(events.GraphProgressEvent)
		case <-timeout:
			t.Fatalf("no final progress event, last = %+v", last)
		}
	}
	if last.Completed+last.Failed+last.Skipped != 5 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestExecuteTaskGraphTool_PassesPreferredAgent(t *testing.T) {
	exec := &promptExecutor{}
	tool := NewExecuteTaskGraphTool(exec, nil, nil, nil)

	doc := decodeResult(t)(tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"tasks": graphTasks(map[string]interface{}{"id": "a", "prompt": "explain", "preferred_agent": "gemini"}),
	})))

	result := doc["results"].([]any)[0].(map[string]any)
	if result["output"] != "did explain with gemini" {
		t.Errorf("output = %v", result["output"])
	}
}

func TestExecuteTaskGraphTool_InvalidGraphs(t *testing.T) {
	tests := []struct {
		name  string
		tasks interface{}
		want  string
	}{
		{name: "missing tasks", tasks: nil, want: "tasks is required"},
		{name: "empty tasks", tasks: []interface{}{}, want: "must not be empty"},
		{name: "missing prompt", tasks: graphTasks(map[string]interface{}{"id": "a"}), want: "id and prompt are required"},
		{
			name: "unknown dependency",
			tasks: graphTasks(map[string]interface{}{"id": "a", "prompt": "x", "depends_on": []interface{}{"ghost"}}),
			want:  "unknown dependency or cycle",
		},
		{
			name: "cycle",
			tasks: graphTasks(
				map[string]interface{}{"id": "a", "prompt": "x", "depends_on": []interface{}{"b"}},
				map[string]interface{}{"id": "b", "prompt": "y", "depends_on": []interface{}{"a"}},
			),
			want: "a, b",
		},
		{
			name: "duplicate id",
			tasks: graphTasks(
				map[string]interface{}{"id": "a", "prompt": "x"},
				map[string]interface{}{"id": "a", "prompt": "y"},
			),
			want: "already exists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &promptExecutor{}
			args := map[string]interface{}{}
			if tt.tasks != nil {
				args["tasks"] = tt.tasks
			}
			doc := decodeResult(t)(NewExecuteTaskGraphTool(exec, nil, nil, nil).Handle(context.Background(), newRequest(args)))
			if doc["status"] != "error" {
				t.Fatalf("status = %v, want error", doc["status"])
			}
			if msg, _ := doc["message"].(string); !strings.Contains(msg, tt.want) {
				t.Errorf("message = %q, want it to contain %q", msg, tt.want)
			}
			if exec.calls.Load() != 0 {
				t.Error("invalid graph must not execute anything")
			}
		})
	}
}

type fakeIsolator struct {
	mu       sync.Mutex
	created  []string
	cleaned  []string
	conflict string // task id whose merge conflicts
}

func (f *fakeIsolator) Create(_ context.Context, runID, taskID string) (*worktree.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, taskID)
	return &worktree.Info{Path: "/wt/" + taskID, Branch: "delegator/" + runID + "/" + taskID, TaskID: taskID}, nil
}

func (f *fakeIsolator) Commit(context.Context, *worktree.Info, string) error { return nil }

func (f *fakeIsolator) Merge(_ context.Context, info *worktree.Info) (*worktree.MergeResult, error) {
	if info.TaskID == f.conflict {
		return &worktree.MergeResult{Changed: true, ConflictFiles: []string{"main.go"}}, nil
	}
	return &worktree.MergeResult{Merged: true, Changed: true}, nil
}

func (f *fakeIsolator) Cleanup(_ context.Context, info *worktree.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, info.TaskID)
	return nil
}

type pathExecutor struct {
	mu    sync.Mutex
	paths map[string]string
}

func (p *pathExecutor) ExecutePrompt(_ context.Context, projectPath, prompt string, _ agent.Params) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths[prompt] = projectPath
	return "ok", nil
}

func TestExecuteTaskGraphTool_Isolate(t *testing.T) {
	iso := &fakeIsolator{conflict: "b"}
	exec := &pathExecutor{paths: map[string]string{}}
	var gotStrategy worktree.MergeStrategy

	tool := NewExecuteTaskGraphTool(exec, nil, nil, nil).WithWorktrees(
		func(_ context.Context, projectPath string, strategy worktree.MergeStrategy) (Isolator, error) {
			gotStrategy = strategy
			if projectPath != "/repo" {
				t.Errorf("projectPath = %q", projectPath)
			}
			return iso, nil
		})

	doc := decodeResult(t)(tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"project_path":   "/repo",
		"isolate":        true,
		"merge_strategy": "theirs",
		"tasks": graphTasks(
			map[string]interface{}{"id": "a", "prompt": "task a"},
			map[string]interface{}{"id": "b", "prompt": "task b"},
		),
	})))

	if gotStrategy != worktree.MergeTheirs {
		t.Errorf("strategy = %v, want theirs", gotStrategy)
	}
	if exec.paths["task a"] != "/wt/a" || exec.paths["task b"] != "/wt/b" {
		t.Errorf("tasks did not run in their worktrees: %v", exec.paths)
	}

	statuses := map[string]map[string]any{}
	for _, raw := range doc["results"].([]any) {
		r := raw.(map[string]any)
		statuses[r["task_id"].(string)] = r
	}
	if statuses["a"]["status"] != "COMPLETED" {
		t.Errorf("a = %v", statuses["a"])
	}
	if statuses["b"]["status"] != "FAILED" {
		t.Fatalf("b = %v", statuses["b"])
	}
	if msg, _ := statuses["b"]["error"].(string); !strings.Contains(msg, "merge conflict in main.go") {
		t.Errorf("b error = %q", msg)
	}

	// The conflicting branch is kept for manual resolution.
	if len(iso.cleaned) != 1 || iso.cleaned[0] != "a" {
		t.Errorf("cleaned = %v, want [a]", iso.cleaned)
	}
}

func TestExecuteTaskGraphTool_IsolateUnavailable(t *testing.T) {
	tool := NewExecuteTaskGraphTool(&promptExecutor{}, nil, nil, nil)
	doc := decodeResult(t)(tool.Handle(context.Background(), newRequest(map[string]interface{}{
		"isolate": true,
		"tasks":   graphTasks(map[string]interface{}{"id": "a", "prompt": "x"}),
	})))
	if doc["status"] != "error" {
		t.Errorf("status = %v, want error", doc["status"])
	}
}

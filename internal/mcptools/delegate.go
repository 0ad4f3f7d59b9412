package mcptools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aristath/delegator/internal/manager"
)

// DelegateTaskTool handles the delegateTask MCP tool. It queues work on the
// pool and returns at once with the task id.
type DelegateTaskTool struct {
	tasks TaskManager
}

// NewDelegateTaskTool creates a DelegateTaskTool.
func NewDelegateTaskTool(tasks TaskManager) *DelegateTaskTool {
	return &DelegateTaskTool{tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *DelegateTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("delegateTask",
		mcp.WithDescription(
			"Delegate a coding task to an AI agent without waiting for it. "+
				"Returns a task_id immediately; poll getTaskStatus for the result. "+
				"The agent is picked automatically from task complexity unless preferred_agent is set.",
		),
		mcp.WithString("task_description",
			mcp.Required(),
			mcp.Description("What the agent should do, in natural language."),
		),
		mcp.WithString("task_type",
			mcp.Description("Kind of work: code_generation, refactoring, debugging, documentation, analysis, testing."),
			mcp.DefaultString("code_generation"),
		),
		mcp.WithString("project_path",
			mcp.Description("Project directory the agent runs in. Defaults to the current directory."),
			mcp.DefaultString("."),
		),
		mcp.WithObject("context",
			mcp.Description("Extra hints such as complexity, context_size, require_plan_approval, language, target_file."),
		),
		mcp.WithString("preferred_agent",
			mcp.Description("jules, copilot, gemini, qwen, aider, deepagents, codex, rovodev, or auto."),
		),
	)
}

// Handle processes the delegateTask tool call.
func (t *DelegateTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := req.RequireString("task_description")
	if err != nil {
		return errorResult(err.Error(), nil)
	}

	taskType := req.GetString("task_type", "code_generation")
	preferred := req.GetString("preferred_agent", "")

	var taskCtx map[string]any
	if raw, ok := req.GetArguments()["context"].(map[string]any); ok {
		taskCtx = raw
	}

	id, err := t.tasks.DelegateTask(manager.Request{
		TaskType:       taskType,
		Description:    description,
		ProjectPath:    req.GetString("project_path", "."),
		Context:        taskCtx,
		PreferredAgent: preferred,
	})
	if err != nil {
		if errors.Is(err, manager.ErrNotRunning) {
			return errorResult("Agent manager is not running", nil)
		}
		return errorResult(err.Error(), nil)
	}

	assigned := preferred
	if assigned == "" {
		assigned = "auto"
	}
	return jsonResult(map[string]any{
		"status":         "success",
		"task_id":        id,
		"message":        "Task delegated successfully",
		"assigned_agent": assigned,
		"task_type":      taskType,
	})
}

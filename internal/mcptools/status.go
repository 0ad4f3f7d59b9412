package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// GetTaskStatusTool handles the getTaskStatus MCP tool.
type GetTaskStatusTool struct {
	tasks TaskManager
}

// NewGetTaskStatusTool creates a GetTaskStatusTool.
func NewGetTaskStatusTool(tasks TaskManager) *GetTaskStatusTool {
	return &GetTaskStatusTool{tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *GetTaskStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("getTaskStatus",
		mcp.WithDescription("Get the status and, once finished, the result of a delegated task."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Id returned by delegateTask."),
		),
	)
}

// Handle processes the getTaskStatus tool call.
func (t *GetTaskStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return errorResult(err.Error(), nil)
	}

	task, ok := t.tasks.GetTaskStatus(id)
	if !ok {
		return jsonResult(map[string]any{
			"status":  "not_found",
			"task_id": id,
			"message": "Task not found. It may have been cleaned up or never existed.",
		})
	}

	return jsonResult(map[string]any{
		"task_id":         task.ID,
		"status":          task.Status,
		"task_type":       task.TaskType,
		"description":     task.Description,
		"preferred_agent": task.PreferredAgent,
		"agent":           task.Agent,
		"created_at":      task.CreatedAt,
		"started_at":      task.StartedAt,
		"completed_at":    task.CompletedAt,
		"result":          task.Result,
		"error":           task.Error,
	})
}

// ListActiveTasksTool handles the listActiveTasks MCP tool.
type ListActiveTasksTool struct {
	tasks TaskManager
}

// NewListActiveTasksTool creates a ListActiveTasksTool.
func NewListActiveTasksTool(tasks TaskManager) *ListActiveTasksTool {
	return &ListActiveTasksTool{tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *ListActiveTasksTool) Definition() mcp.Tool {
	return mcp.NewTool("listActiveTasks",
		mcp.WithDescription("List tasks that are queued or running."),
	)
}

// Handle processes the listActiveTasks tool call.
func (t *ListActiveTasksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active := t.tasks.ListActiveTasks()

	tasks := make([]map[string]any, 0, len(active))
	for _, task := range active {
		tasks = append(tasks, map[string]any{
			"task_id":         task.ID,
			"status":          task.Status,
			"task_type":       task.TaskType,
			"description":     truncate(task.Description, descriptionPreview),
			"preferred_agent": task.PreferredAgent,
			"created_at":      task.CreatedAt,
		})
	}

	return jsonResult(map[string]any{
		"status":      "success",
		"total_tasks": len(tasks),
		"tasks":       tasks,
	})
}

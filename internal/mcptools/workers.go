package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// GetWorkerStatsTool handles the getWorkerStats MCP tool.
type GetWorkerStatsTool struct {
	tasks TaskManager
}

// NewGetWorkerStatsTool creates a GetWorkerStatsTool.
func NewGetWorkerStatsTool(tasks TaskManager) *GetWorkerStatsTool {
	return &GetWorkerStatsTool{tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *GetWorkerStatsTool) Definition() mcp.Tool {
	return mcp.NewTool("getWorkerStats",
		mcp.WithDescription("Report worker pool size, queue depth and per-worker counters."),
	)
}

// Handle processes the getWorkerStats tool call.
func (t *GetWorkerStatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := t.tasks.GetWorkerStats()
	return jsonResult(map[string]any{
		"status":                "success",
		"max_workers":           stats.MaxWorkers,
		"active_workers":        stats.ActiveWorkers,
		"busy_workers":          stats.BusyWorkers,
		"total_tasks_queued":    stats.QueuedTasks,
		"total_tasks_processed": stats.ProcessedTasks,
		"workers":               stats.Workers,
	})
}

// CancelTaskTool handles the cancelTask MCP tool.
type CancelTaskTool struct {
	tasks TaskManager
}

// NewCancelTaskTool creates a CancelTaskTool.
func NewCancelTaskTool(tasks TaskManager) *CancelTaskTool {
	return &CancelTaskTool{tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *CancelTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("cancelTask",
		mcp.WithDescription(
			"Cancel a queued or running task. A queued task never starts; "+
				"a running task has its agent process stopped.",
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Id returned by delegateTask."),
		),
	)
}

// Handle processes the cancelTask tool call.
func (t *CancelTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return errorResult(err.Error(), nil)
	}

	if !t.tasks.CancelTask(id) {
		return errorResult("Task not found", map[string]any{"task_id": id})
	}
	return jsonResult(map[string]any{
		"status":  "success",
		"task_id": id,
		"message": "Task cancelled successfully",
	})
}

// Package mcptools implements the MCP tools exposed by the delegator
// server. Each tool is a struct with Definition and Handle; dependencies
// arrive through small interfaces so handlers can be tested with fakes.
//
// Every handler answers with a JSON text result carrying a "status" field.
// Domain failures are encoded as {"status":"error"} rather than returned as
// Go errors.
package mcptools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aristath/delegator/internal/manager"
)

// TaskManager is the worker pool as seen by the task tools.
// *manager.Manager satisfies it.
type TaskManager interface {
	DelegateTask(req manager.Request) (string, error)
	GetTaskStatus(id string) (manager.AgentTask, bool)
	ListActiveTasks() []manager.AgentTask
	GetWorkerStats() manager.PoolStats
	CancelTask(id string) bool
}

const descriptionPreview = 100

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(message string, extra map[string]any) (*mcp.CallToolResult, error) {
	doc := map[string]any{"status": "error", "message": message}
	for k, v := range extra {
		doc[k] = v
	}
	return jsonResult(doc)
}

// truncate shortens s to n runes followed by "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

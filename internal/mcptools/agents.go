package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/jules"
)

// ModeDetector reports which Jules transports are usable.
// *jules.Router satisfies it.
type ModeDetector interface {
	DetectModes(ctx context.Context) jules.Modes
}

// ListAvailableAgentsTool handles the listAvailableAgents MCP tool.
type ListAvailableAgentsTool struct {
	registry *agent.Registry
	hints    map[agent.ID]string
	modes    ModeDetector
}

// NewListAvailableAgentsTool creates the tool. hints holds install
// instructions for agents that are not registered; modes may be nil.
func NewListAvailableAgentsTool(registry *agent.Registry, hints map[agent.ID]string, modes ModeDetector) *ListAvailableAgentsTool {
	return &ListAvailableAgentsTool{registry: registry, hints: hints, modes: modes}
}

// Definition returns the MCP tool definition for registration.
func (t *ListAvailableAgentsTool) Definition() mcp.Tool {
	return mcp.NewTool("listAvailableAgents",
		mcp.WithDescription(
			"List every supported coding agent with its capabilities, whether it is ready "+
				"to use, and what setup is missing otherwise.",
		),
	)
}

// Handle processes the listAvailableAgents tool call.
func (t *ListAvailableAgentsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		available   []map[string]any
		unavailable []map[string]any
		ready       = make(map[agent.ID]bool)
	)

	for _, id := range agent.AllIDs() {
		capability, _ := agent.CapabilityOf(id)
		entry := map[string]any{
			"name":         id,
			"capabilities": capability,
		}

		ok := t.registry.IsAvailable(id)
		if id == agent.Jules && t.modes != nil {
			modes := t.modes.DetectModes(ctx)
			entry["modes"] = modes
			ok = ok && modes.Preferred != jules.ModeSetup
		}

		if ok {
			ready[id] = true
			entry["status"] = "available"
			available = append(available, entry)
			continue
		}

		entry["status"] = "unavailable"
		setup := []string{}
		if hint := t.hints[id]; hint != "" {
			setup = append(setup, hint)
		}
		if id == agent.Jules {
			setup = append(setup, "Set JULES_API_KEY for API mode or run `jules login` for CLI mode")
		}
		entry["setup_required"] = setup
		unavailable = append(unavailable, entry)
	}

	pick := func(first, second agent.ID, none string) string {
		switch {
		case ready[first]:
			return string(first)
		case ready[second]:
			return string(second)
		}
		return none
	}

	return jsonResult(map[string]any{
		"status":             "success",
		"summary":            fmt.Sprintf("%d/%d agents available", len(available), len(agent.AllIDs())),
		"available_agents":   available,
		"unavailable_agents": unavailable,
		"recommendations": map[string]string{
			"complex_tasks": pick(agent.Jules, agent.Gemini, "None available"),
			"quick_fixes":   pick(agent.Copilot, agent.Gemini, "None available"),
			"documentation": pick(agent.Gemini, agent.Copilot, "None available"),
		},
	})
}

// SelectAgentTool handles the selectAgent MCP tool: it analyses a task
// description and reports which agent would be chosen, without running
// anything.
type SelectAgentTool struct {
	registry *agent.Registry
	policy   agent.Policy
}

// NewSelectAgentTool creates a SelectAgentTool.
func NewSelectAgentTool(registry *agent.Registry, policy agent.Policy) *SelectAgentTool {
	return &SelectAgentTool{registry: registry, policy: policy}
}

// Definition returns the MCP tool definition for registration.
func (t *SelectAgentTool) Definition() mcp.Tool {
	return mcp.NewTool("selectAgent",
		mcp.WithDescription(
			"Estimate the complexity of a task description and recommend an agent, "+
				"with the reasoning behind the choice.",
		),
		mcp.WithString("task_description",
			mcp.Required(),
			mcp.Description("The task to analyse."),
		),
		mcp.WithBoolean("available_only",
			mcp.Description("Only consider agents that are installed and configured (default true)."),
			mcp.DefaultBool(true),
		),
	)
}

// Handle processes the selectAgent tool call.
func (t *SelectAgentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := req.RequireString("task_description")
	if err != nil {
		return errorResult(err.Error(), nil)
	}

	var candidates []agent.ID
	if req.GetBool("available_only", true) {
		candidates = t.registry.Available()
		if len(candidates) == 0 {
			return errorResult("No agents available. Run listAvailableAgents for setup instructions.", nil)
		}
	}

	id, analysis, err := t.policy.SuggestAgent(description, candidates)
	doc := map[string]any{
		"complexity":            analysis.Complexity.String(),
		"score":                 analysis.Score,
		"require_plan_approval": analysis.RequirePlanApproval,
		"context_size":          analysis.ContextSize,
	}
	if err != nil {
		return errorResult(err.Error(), map[string]any{"analysis": doc})
	}

	return jsonResult(map[string]any{
		"status":    "success",
		"agent":     id,
		"available": t.registry.IsAvailable(id),
		"analysis":  doc,
		"reasoning": agent.Explain(id, analysis),
	})
}

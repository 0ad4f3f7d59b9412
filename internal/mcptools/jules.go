package mcptools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aristath/delegator/internal/agent"
)

// JulesRunner routes a prompt to Jules and encodes the outcome.
// *jules.Router satisfies it.
type JulesRunner interface {
	Run(ctx context.Context, projectPath, prompt string, params agent.Params) (string, error)
}

// DelegateToJulesTool handles the delegateToJules MCP tool. Unlike
// delegateTask it runs synchronously unless detached is set.
type DelegateToJulesTool struct {
	runner JulesRunner
}

// NewDelegateToJulesTool creates a DelegateToJulesTool.
func NewDelegateToJulesTool(runner JulesRunner) *DelegateToJulesTool {
	return &DelegateToJulesTool{runner: runner}
}

// Definition returns the MCP tool definition for registration.
func (t *DelegateToJulesTool) Definition() mcp.Tool {
	return mcp.NewTool("delegateToJules",
		mcp.WithDescription(
			"Run a long or repository-wide coding task on Jules. Uses the Jules API when "+
				"JULES_API_KEY is set, otherwise the logged-in Jules CLI; with neither it "+
				"returns setup instructions.",
		),
		mcp.WithString("user_prompt",
			mcp.Required(),
			mcp.Description("Task for Jules in natural language."),
		),
		mcp.WithString("project_path",
			mcp.Description("Project directory (default current directory)."),
			mcp.DefaultString("."),
		),
		mcp.WithString("branch",
			mcp.Description("Starting git branch (default main)."),
			mcp.DefaultString("main"),
		),
		mcp.WithBoolean("require_plan_approval",
			mcp.Description("Have Jules produce a plan and approve it before execution."),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Maximum wait in seconds (default 1800)."),
			mcp.DefaultNumber(1800),
		),
		mcp.WithBoolean("detached",
			mcp.Description("Return right after the session is created."),
		),
		mcp.WithString("mode",
			mcp.Description("auto, api, cli or setup."),
			mcp.Enum("auto", "api", "cli", "cli_headless", "setup"),
			mcp.DefaultString("auto"),
		),
	)
}

// Handle processes the delegateToJules tool call.
func (t *DelegateToJulesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("user_prompt")
	if err != nil {
		return errorResult(err.Error(), nil)
	}

	params := agent.Params{
		agent.ParamBranch:              req.GetString("branch", "main"),
		agent.ParamRequirePlanApproval: req.GetBool("require_plan_approval", false),
		agent.ParamTimeout:             int(req.GetFloat("timeout", 1800)),
		agent.ParamDetached:            req.GetBool("detached", false),
		agent.ParamMode:                req.GetString("mode", "auto"),
	}

	out, err := t.runner.Run(ctx, req.GetString("project_path", "."), prompt, params)
	if err != nil {
		return errorResult(err.Error(), map[string]any{"success": false})
	}
	return withStatus(out), nil
}

// withStatus adds a status field to router documents that only carry
// success, so every tool answer has the same discriminator.
func withStatus(out string) *mcp.CallToolResult {
	var doc map[string]any
	if json.Unmarshal([]byte(out), &doc) != nil {
		return mcp.NewToolResultText(out)
	}
	if _, ok := doc["status"]; ok {
		return mcp.NewToolResultText(out)
	}
	doc["status"] = "error"
	if ok, _ := doc["success"].(bool); ok {
		doc["status"] = "success"
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(out)
	}
	return mcp.NewToolResultText(string(data))
}

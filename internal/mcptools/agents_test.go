package mcptools

import (
	"context"
	"strings"
	"testing"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/jules"
)

type nopExecutor struct{}

func (nopExecutor) ExecutePrompt(context.Context, string, string, agent.Params) (string, error) {
	return "", nil
}

type staticModes jules.Modes

func (s staticModes) DetectModes(context.Context) jules.Modes { return jules.Modes(s) }

func registryWith(ids ...agent.ID) *agent.Registry {
	reg := agent.NewRegistry()
	for _, id := range ids {
		reg.Register(id, nopExecutor{})
	}
	return reg
}

func TestListAvailableAgentsTool_Handle(t *testing.T) {
	reg := registryWith(agent.Copilot, agent.Gemini, agent.Jules)
	hints := map[agent.ID]string{agent.Aider: "pip install aider-chat"}
	modes := staticModes{Preferred: jules.ModeSetup}

	tool := NewListAvailableAgentsTool(reg, hints, modes)
	if tool.Definition().Name != "listAvailableAgents" {
		t.Errorf("unexpected tool name %q", tool.Definition().Name)
	}

	doc := decodeResult(t)(tool.Handle(context.Background(), newRequest(nil)))
	if doc["summary"] != "2/8 agents available" {
		t.Errorf("summary = %v", doc["summary"])
	}

	names := map[string]map[string]any{}
	for _, raw := range doc["unavailable_agents"].([]any) {
		entry := raw.(map[string]any)
		names[entry["name"].(string)] = entry
	}
	if _, ok := names["jules"]; !ok {
		t.Error("jules without a usable mode should be unavailable")
	}
	aider := names["aider"]
	setup := aider["setup_required"].([]any)
	if len(setup) != 1 || setup[0] != "pip install aider-chat" {
		t.Errorf("aider setup = %v", setup)
	}

	recs := doc["recommendations"].(map[string]any)
	if recs["complex_tasks"] != "gemini" || recs["quick_fixes"] != "copilot" || recs["documentation"] != "gemini" {
		t.Errorf("recommendations = %v", recs)
	}
}

func TestSelectAgentTool_Handle(t *testing.T) {
	tests := []struct {
		name       string
		registered []agent.ID
		args       map[string]interface{}
		wantStatus string
		wantAgent  string
		wantMsg    string
	}{
		{
			name:       "trivial task prefers first in chain",
			registered: []agent.ID{agent.Jules, agent.Copilot, agent.Gemini, agent.Qwen},
			args:       map[string]interface{}{"task_description": "fix typo"},
			wantStatus: "success",
			wantAgent:  "jules",
		},
		{
			name:       "plan approval without jules",
			registered: []agent.ID{agent.Copilot, agent.Gemini},
			args:       map[string]interface{}{"task_description": "architectural redesign that needs stakeholder approval"},
			wantStatus: "error",
			wantMsg:    "Plan approval requires jules",
		},
		{
			name:       "no agents installed",
			registered: nil,
			args:       map[string]interface{}{"task_description": "fix typo"},
			wantStatus: "error",
			wantMsg:    "No agents available",
		},
		{
			name:       "all agents considered",
			registered: nil,
			args:       map[string]interface{}{"task_description": "fix typo", "available_only": false},
			wantStatus: "success",
			wantAgent:  "jules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := NewSelectAgentTool(registryWith(tt.registered...), agent.DefaultPolicy())
			doc := decodeResult(t)(tool.Handle(context.Background(), newRequest(tt.args)))

			if doc["status"] != tt.wantStatus {
				t.Fatalf("status = %v, want %s (%v)", doc["status"], tt.wantStatus, doc)
			}
			if tt.wantAgent != "" && doc["agent"] != tt.wantAgent {
				t.Errorf("agent = %v, want %s", doc["agent"], tt.wantAgent)
			}
			if tt.wantMsg != "" {
				msg, _ := doc["message"].(string)
				if !strings.Contains(msg, tt.wantMsg) {
					t.Errorf("message = %q, want it to contain %q", msg, tt.wantMsg)
				}
			}
			if tt.wantStatus == "success" {
				if _, ok := doc["reasoning"].(string); !ok {
					t.Error("missing reasoning")
				}
			}
		})
	}
}

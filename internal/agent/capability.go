package agent

// Capability describes what an agent can do.
type Capability struct {
	Async            bool     `json:"async"`
	PlanApproval     bool     `json:"plan_approval"`
	FullContext      bool     `json:"full_context"`
	MaxContextTokens int      `json:"max_context_tokens"`
	BestFor          []string `json:"best_for"`
	RequiresAuth     bool     `json:"requires_auth"`
	Description      string   `json:"description"`
}

// HasStrength reports whether any of the given domains appears in BestFor.
func (c Capability) HasStrength(domains ...string) bool {
	for _, have := range c.BestFor {
		for _, want := range domains {
			if have == want {
				return true
			}
		}
	}
	return false
}

var capabilityMatrix = map[ID]Capability{
	Jules: {
		Async:            true,
		PlanApproval:     true,
		FullContext:      true,
		MaxContextTokens: 100000,
		BestFor:          []string{"refactoring", "feature_development", "complex_tasks", "architecture"},
		RequiresAuth:     true,
		Description:      "Async agent with full repository context and plan approval",
	},
	Copilot: {
		MaxContextTokens: 5000,
		BestFor:          []string{"quick_fixes", "code_generation", "suggestions"},
		RequiresAuth:     true,
		Description:      "GitHub Copilot suggestions through the gh CLI",
	},
	Gemini: {
		FullContext:      true,
		MaxContextTokens: 8000,
		BestFor:          []string{"documentation", "analysis", "quick_fixes"},
		RequiresAuth:     true,
		Description:      "Google Gemini CLI for analysis and documentation",
	},
	Qwen: {
		MaxContextTokens: 4000,
		BestFor:          []string{"fallback"},
		Description:      "Qwen CLI, last-resort generator",
	},
	Aider: {
		MaxContextTokens: 16000,
		BestFor:          []string{"pair_programming", "multi_file_edits", "refactoring"},
		Description:      "Aider pair programmer editing files in place",
	},
	DeepAgents: {
		Async:            true,
		MaxContextTokens: 20000,
		BestFor:          []string{"research", "prototyping", "refactoring"},
		Description:      "DeepAgents CLI for research-heavy prototyping",
	},
	Codex: {
		MaxContextTokens: 8000,
		BestFor:          []string{"code_review", "analysis"},
		RequiresAuth:     true,
		Description:      "OpenAI Codex CLI",
	},
	RovoDev: {
		MaxContextTokens: 10000,
		BestFor:          []string{"task_completion", "jira_integration"},
		RequiresAuth:     true,
		Description:      "Atlassian Rovo Dev CLI",
	},
}

// CapabilityOf returns the capability entry for id.
func CapabilityOf(id ID) (Capability, bool) {
	c, ok := capabilityMatrix[id]
	if !ok {
		return Capability{}, false
	}
	c.BestFor = append([]string(nil), c.BestFor...)
	return c, true
}

// GetCapabilityMatrix returns a copy of the full capability table.
func GetCapabilityMatrix() map[ID]Capability {
	out := make(map[ID]Capability, len(capabilityMatrix))
	for id := range capabilityMatrix {
		out[id], _ = CapabilityOf(id)
	}
	return out
}

package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies an external coding agent.
type ID string

const (
	Jules      ID = "jules"
	Copilot    ID = "copilot"
	Gemini     ID = "gemini"
	Qwen       ID = "qwen"
	Aider      ID = "aider"
	DeepAgents ID = "deepagents"
	Codex      ID = "codex"
	RovoDev    ID = "rovodev"
)

// knownIDs lists every agent in capability-matrix order.
var knownIDs = []ID{Jules, Copilot, Gemini, Qwen, Aider, DeepAgents, Codex, RovoDev}

// AllIDs returns every known agent identifier.
func AllIDs() []ID {
	return append([]ID(nil), knownIDs...)
}

// ParseID converts a user-supplied string into a known agent ID.
// Matching is case-insensitive and ignores surrounding whitespace.
func ParseID(s string) (ID, error) {
	normalized := ID(strings.ToLower(strings.TrimSpace(s)))
	for _, id := range knownIDs {
		if id == normalized {
			return id, nil
		}
	}

	valid := make([]string, len(knownIDs))
	for i, id := range knownIDs {
		valid[i] = string(id)
	}
	return "", fmt.Errorf("Invalid agent type: %s. Valid options: %s", s, strings.Join(valid, ", "))
}

// Complexity is the coarse size of a unit of work.
type Complexity int

const (
	Trivial Complexity = iota
	Simple
	Moderate
	Complex
	Epic
)

var complexityNames = map[Complexity]string{
	Trivial:  "trivial",
	Simple:   "simple",
	Moderate: "moderate",
	Complex:  "complex",
	Epic:     "epic",
}

func (c Complexity) String() string {
	if name, ok := complexityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("complexity(%d)", int(c))
}

// ParseComplexity accepts the tier names in any case.
func ParseComplexity(s string) (Complexity, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for c, name := range complexityNames {
		if name == normalized {
			return c, nil
		}
	}
	return Moderate, fmt.Errorf("unknown complexity %q", s)
}

// Executor runs a prompt against a project and returns the agent's output.
type Executor interface {
	ExecutePrompt(ctx context.Context, projectPath, prompt string, params Params) (string, error)
}

// Params carries loosely-typed execution hints such as preferred_agent,
// complexity, context_size, require_plan_approval, language or mode.
type Params map[string]any

// Well-known parameter keys.
const (
	ParamPreferredAgent      = "preferred_agent"
	ParamComplexity          = "complexity"
	ParamContextSize         = "context_size"
	ParamRequirePlanApproval = "require_plan_approval"
	ParamLanguage            = "language"
	ParamTargetFile          = "target_file"
	ParamExistingCode        = "existing_code"
	ParamMode                = "mode"
	ParamBranch              = "branch"
	ParamTimeout             = "timeout"
	ParamDetached            = "detached"
)

// String returns the value at key as a string, or "" when absent.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the value at key as an int. JSON numbers decode as float64,
// so those are truncated; numeric strings are parsed.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Bool returns the value at key as a bool.
func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Has reports whether key is present with a non-nil value.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	cp := make(Params, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

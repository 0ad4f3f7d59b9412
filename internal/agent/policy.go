package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoSuitableAgent is returned when no available agent can take the task.
	ErrNoSuitableAgent = errors.New("No suitable agent available")

	// ErrPlanApprovalUnavailable is returned when plan approval is required
	// but no plan-approval capable agent is available.
	ErrPlanApprovalUnavailable = errors.New("Plan approval requires jules")
)

// DefaultContextThreshold is the context size above which full-context
// agents are preferred.
const DefaultContextThreshold = 20000

// DefaultFallbackChain is the order in which agents are tried for
// small tasks and when a preferred agent is unavailable.
var DefaultFallbackChain = []ID{Jules, Copilot, Gemini, Qwen, Aider, DeepAgents, Codex, RovoDev}

// Policy selects agents. It holds no mutable state, so the same inputs
// always produce the same agent.
type Policy struct {
	FallbackChain    []ID
	ContextThreshold int
}

// DefaultPolicy returns a policy with the default chain and threshold.
func DefaultPolicy() Policy {
	return Policy{
		FallbackChain:    append([]ID(nil), DefaultFallbackChain...),
		ContextThreshold: DefaultContextThreshold,
	}
}

// SelectAgent picks the best agent from available.
func (p Policy) SelectAgent(complexity Complexity, available []ID, requirePlanApproval bool, contextSize int) (ID, error) {
	if len(available) == 0 {
		return "", ErrNoSuitableAgent
	}

	candidates := p.order(available)

	if requirePlanApproval {
		for _, id := range candidates {
			if c, ok := capabilityMatrix[id]; ok && c.PlanApproval {
				return id, nil
			}
		}
		return "", ErrPlanApprovalUnavailable
	}

	threshold := p.ContextThreshold
	if threshold <= 0 {
		threshold = DefaultContextThreshold
	}
	if contextSize > threshold {
		var full []ID
		for _, id := range candidates {
			if capabilityMatrix[id].FullContext {
				full = append(full, id)
			}
		}
		if len(full) > 0 {
			return pickForTier(complexity, full), nil
		}
	}

	return pickForTier(complexity, candidates), nil
}

// pickForTier chooses among ordered, non-empty candidates.
func pickForTier(complexity Complexity, candidates []ID) ID {
	if complexity >= Complex {
		for _, id := range candidates {
			if capabilityMatrix[id].HasStrength("complex_tasks", "architecture") {
				return id
			}
		}
	}
	return candidates[0]
}

// order sorts available agents by fallback-chain position. Agents not in
// the chain keep their relative order after the chained ones. Duplicates
// are dropped.
func (p Policy) order(available []ID) []ID {
	chain := p.FallbackChain
	if len(chain) == 0 {
		chain = DefaultFallbackChain
	}

	present := make(map[ID]bool, len(available))
	for _, id := range available {
		present[id] = true
	}

	out := make([]ID, 0, len(available))
	seen := make(map[ID]bool, len(available))
	for _, id := range chain {
		if present[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	for _, id := range available {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// Analysis is what SuggestAgent derives from a task description.
type Analysis struct {
	Score               float64    `json:"score"`
	Complexity          Complexity `json:"-"`
	RequirePlanApproval bool       `json:"require_plan_approval"`
	ContextSize         int        `json:"context_size"`
}

// SuggestAgent analyses description and selects among available. A nil
// available list means every known agent.
func (p Policy) SuggestAgent(description string, available []ID) (ID, Analysis, error) {
	a := AnalyzeTask(description)
	if available == nil {
		available = AllIDs()
	}
	id, err := p.SelectAgent(a.Complexity, available, a.RequirePlanApproval, a.ContextSize)
	return id, a, err
}

type weightedPatterns struct {
	weight   float64
	patterns []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

var scoring = []weightedPatterns{
	{3, compileAll(`architecture`, `\bsystem\b`, `migration`, `refactor.*entire`, `redesign`, `restructure`,
		`complete.*rewrite`, `platform`, `infrastructure`, `enterprise`, `scalability`, `performance.*optimization`)},
	{2, compileAll(`feature`, `module`, `integration`, `\bapi\b`, `database`, `authentication`, `authorization`,
		`security`, `complex`, `multiple.*files`, `cross-cutting`, `dependency.*injection`, `microservices`,
		`distributed`, `concurrent`, `async.*await`)},
	{1, compileAll(`\btest`, `documentation`, `config`, `settings`, `validation`, `error.*handling`, `logging`,
		`monitoring`, `deployment`, `ci.*cd`, `docker`, `kubernetes`)},
	{-0.5, compileAll(`\bfix`, `\bbug`, `typo`, `comment`, `readme`, `\bdoc`, `update`, `change`, `modify`,
		`add.*field`, `remove.*field`)},
	// technology stack
	{2, compileAll(`kubernetes`, `docker.*compose`, `microservices`, `graphql`, `blockchain`, `machine.*learning`,
		`\bai\b`, `neural`, `tensorflow`, `pytorch`, `cuda`, `\bgpu\b`, `distributed.*computing`)},
	{1, compileAll(`react`, `\bvue\b`, `angular`, `typescript`, `webpack`, `database`, `\bsql\b`, `nosql`, `redis`,
		`mongodb`, `authentication`, `oauth`, `\bjwt\b`, `encryption`)},
	// scope
	{2, compileAll(`all.*files`, `entire.*project`, `whole.*system`, `every.*component`, `all.*modules`,
		`system.*wide`, `across.*application`, `end.*to.*end`)},
	{1, compileAll(`multiple.*files`, `several.*components`, `various.*modules`, `different.*parts`,
		`several.*areas`)},
}

var approvalPatterns = compileAll(`approval`, `review`, `architectural`, `design.*review`, `stakeholder`,
	`business.*requirements`, `critical`, `high.*impact`, `breaking.*change`, `migration`, `delete.*data`,
	`drop.*table`, `remove.*feature`, `major.*version`, `\bapi.*change`)

var (
	largeContext  = compileAll(`architecture`, `\bsystem\b`, `refactor`, `migration`)
	mediumContext = compileAll(`feature`, `module`, `integration`, `multiple.*files`)
	smallContext  = compileAll(`\bfix`, `typo`, `single.*file`, `one.*file`)
)

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// AnalyzeTask scores a free-text description with weighted keywords.
// Score is clamped to [0,10] and bucketed: >=8 epic, >=6 complex,
// >=4 moderate, >=2 simple, else trivial.
func AnalyzeTask(description string) Analysis {
	desc := strings.ToLower(description)

	score := 0.0
	for _, group := range scoring {
		for _, re := range group.patterns {
			if re.MatchString(desc) {
				score += group.weight
			}
		}
	}
	score = max(0, min(10, score))

	var c Complexity
	switch {
	case score >= 8:
		c = Epic
	case score >= 6:
		c = Complex
	case score >= 4:
		c = Moderate
	case score >= 2:
		c = Simple
	default:
		c = Trivial
	}

	contextSize := 1000
	switch {
	case anyMatch(largeContext, desc):
		contextSize = 50000
	case anyMatch(mediumContext, desc):
		contextSize = 10000
	case anyMatch(smallContext, desc):
		contextSize = 500
	}

	return Analysis{
		Score:               score,
		Complexity:          c,
		RequirePlanApproval: anyMatch(approvalPatterns, desc),
		ContextSize:         contextSize,
	}
}

// Explain returns a one-line reason for choosing id, used by tool output.
func Explain(id ID, a Analysis) string {
	c := capabilityMatrix[id]
	reason := fmt.Sprintf("%s complexity (score %.1f), estimated context %d", a.Complexity, a.Score, a.ContextSize)
	if a.RequirePlanApproval {
		reason += ", plan approval required"
	}
	if len(c.BestFor) > 0 {
		reason += "; " + string(id) + " is best for " + strings.Join(c.BestFor, ", ")
	}
	return reason
}

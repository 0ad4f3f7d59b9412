package jules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/persistence"
)

const (
	defaultSessionTimeout = 30 * time.Minute
	defaultPollInterval   = 5 * time.Second
	approvalPollInterval  = 2 * time.Second
	gitRemoteTimeout      = 5 * time.Second
	sourceCacheFile       = ".jules/source_id"
)

// ErrSourceNotFound is returned when no connected source matches the project.
var ErrSourceNotFound = errors.New("no Jules source found")

// SessionStore records Jules sessions. *persistence.SQLiteStore satisfies it.
type SessionStore interface {
	SaveJulesSession(ctx context.Context, session persistence.JulesSession) error
}

// APIResult is the JSON document returned by an API-mode execution.
type APIResult struct {
	Success         bool              `json:"success"`
	SessionID       string            `json:"session_id"`
	State           string            `json:"state"`
	ModifiedFiles   []string          `json:"modified_files"`
	ActivitiesCount int               `json:"activities_count"`
	Log             string            `json:"log"`
	Metadata        map[string]string `json:"metadata"`
}

// APIAdapter executes prompts as Jules sessions through the REST API.
type APIAdapter struct {
	api          API
	pollInterval time.Duration
	approvalPoll time.Duration
	timeout      time.Duration
	store        SessionStore
	events       events.Publisher
	logger       *zap.Logger
}

var _ agent.Executor = (*APIAdapter)(nil)

// APIAdapterOption configures an APIAdapter.
type APIAdapterOption func(*APIAdapter)

// WithPollInterval sets how often a running session is polled.
func WithPollInterval(d time.Duration) APIAdapterOption {
	return func(a *APIAdapter) {
		if d > 0 {
			a.pollInterval = d
			if d < a.approvalPoll {
				a.approvalPoll = d
			}
		}
	}
}

// WithSessionTimeout sets the default wait for session completion.
func WithSessionTimeout(d time.Duration) APIAdapterOption {
	return func(a *APIAdapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithSessionStore records every session the adapter creates.
func WithSessionStore(store SessionStore) APIAdapterOption {
	return func(a *APIAdapter) { a.store = store }
}

// WithEvents publishes session state changes.
func WithEvents(pub events.Publisher) APIAdapterOption {
	return func(a *APIAdapter) { a.events = pub }
}

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) APIAdapterOption {
	return func(a *APIAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAPIAdapter creates an adapter over api.
func NewAPIAdapter(api API, opts ...APIAdapterOption) *APIAdapter {
	a := &APIAdapter{
		api:          api,
		pollInterval: defaultPollInterval,
		approvalPoll: approvalPollInterval,
		timeout:      defaultSessionTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ExecutePrompt resolves the project's source, creates a session, approves
// its plan when requested, waits for completion unless detached, and returns
// an APIResult as JSON.
//
// Recognised params: branch (default "main"), require_plan_approval,
// detached, timeout (seconds).
func (a *APIAdapter) ExecutePrompt(ctx context.Context, projectPath, prompt string, params agent.Params) (string, error) {
	source, err := a.resolveSource(ctx, projectPath)
	if err != nil {
		return "", err
	}

	branch := params.String(agent.ParamBranch)
	if branch == "" {
		branch = "main"
	}
	requireApproval := params.Bool(agent.ParamRequirePlanApproval)
	timeout := a.timeout
	if secs, ok := params.Int(agent.ParamTimeout); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	session, err := a.api.CreateSession(ctx, CreateSessionRequest{
		Prompt:              prompt,
		Source:              source,
		StartingBranch:      branch,
		RequirePlanApproval: requireApproval,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	a.logger.Info("jules session created",
		zap.String("session_id", session.ID),
		zap.String("source", source),
		zap.String("branch", branch))
	a.record(ctx, session, prompt, source, branch)

	if requireApproval {
		session, err = a.approvePlan(ctx, session.ID)
		if err != nil {
			return "", err
		}
	}

	if !params.Bool(agent.ParamDetached) {
		session, err = a.waitForCompletion(ctx, session.ID, timeout)
		if err != nil {
			return "", err
		}
		a.record(ctx, session, prompt, source, branch)
	}

	activities, err := a.api.ListActivities(ctx, session.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list activities: %w", err)
	}

	result := APIResult{
		Success:         session.State == StateCompleted,
		SessionID:       session.ID,
		State:           session.State,
		ModifiedFiles:   modifiedFiles(activities),
		ActivitiesCount: len(activities),
		Log:             formatActivityLog(activities),
		Metadata: map[string]string{
			"session_url": session.URL,
			"prompt":      prompt,
			"source":      source,
			"branch":      branch,
		},
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

// resolveSource maps projectPath to a Jules source name. The cached id in
// .jules/source_id wins; otherwise the origin remote is matched against
// owner/repo, then the directory name against the repo name. Matches are
// cached.
func (a *APIAdapter) resolveSource(ctx context.Context, projectPath string) (string, error) {
	cache := filepath.Join(projectPath, sourceCacheFile)
	if data, err := os.ReadFile(cache); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	sources, err := a.api.ListSources(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list sources: %w", err)
	}

	if remote := gitRemote(ctx, projectPath); remote != "" {
		trimmed := strings.TrimSuffix(remote, ".git")
		for _, src := range sources {
			if src.GitHubRepo == nil {
				continue
			}
			if strings.HasSuffix(trimmed, src.GitHubRepo.Owner+"/"+src.GitHubRepo.Repo) {
				a.cacheSource(cache, src.Name)
				return src.Name, nil
			}
		}
	}

	name := filepath.Base(projectPath)
	for _, src := range sources {
		if src.GitHubRepo != nil && src.GitHubRepo.Repo == name {
			a.cacheSource(cache, src.Name)
			return src.Name, nil
		}
	}

	return "", fmt.Errorf("%w for project: %s. Connect the repository at https://jules.google/", ErrSourceNotFound, projectPath)
}

func (a *APIAdapter) cacheSource(path, name string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		a.logger.Warn("failed to cache jules source", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
		a.logger.Warn("failed to cache jules source", zap.Error(err))
	}
}

// approvePlan waits for the plan and approves it. A session that finishes
// before producing a plan is returned as is.
func (a *APIAdapter) approvePlan(ctx context.Context, id string) (*Session, error) {
	ticker := time.NewTicker(a.approvalPoll)
	defer ticker.Stop()

	for {
		session, err := a.api.GetSession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		if session.State == StateAwaitingPlanApproval {
			if err := a.api.ApprovePlan(ctx, id); err != nil {
				return nil, fmt.Errorf("failed to approve plan: %w", err)
			}
			a.logger.Info("jules plan approved", zap.String("session_id", id))
			return session, nil
		}
		if session.Terminal() {
			return session, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *APIAdapter) waitForCompletion(ctx context.Context, id string, timeout time.Duration) (*Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		session, err := a.api.GetSession(waitCtx, id)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("session %s did not complete within %s", id, timeout)
			}
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		if session.Terminal() {
			return session, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("session %s did not complete within %s", id, timeout)
		case <-ticker.C:
		}
	}
}

func (a *APIAdapter) record(ctx context.Context, s *Session, prompt, source, branch string) {
	if a.events != nil {
		a.events.Publish(events.JulesSessionEvent{
			SessionID: s.ID,
			Mode:      string(ModeAPI),
			State:     s.State,
			Timestamp: time.Now(),
		})
	}
	if a.store == nil {
		return
	}
	err := a.store.SaveJulesSession(ctx, persistence.JulesSession{
		SessionID: s.ID,
		Mode:      string(ModeAPI),
		Source:    source,
		Prompt:    prompt,
		Branch:    branch,
		State:     s.State,
		URL:       s.URL,
	})
	if err != nil {
		a.logger.Warn("failed to record jules session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func gitRemote(ctx context.Context, dir string) string {
	ctx, cancel := context.WithTimeout(ctx, gitRemoteTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// modifiedFiles returns the sorted unique files touched by activities.
func modifiedFiles(activities []Activity) []string {
	seen := make(map[string]struct{})
	for _, act := range activities {
		if act.CodeChangeMade == nil {
			continue
		}
		for _, f := range act.CodeChangeMade.Files {
			seen[f] = struct{}{}
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func formatActivityLog(activities []Activity) string {
	var b strings.Builder
	b.WriteString("Jules Session Activity Log:\n")
	b.WriteString(strings.Repeat("=", 50))

	for i, act := range activities {
		fmt.Fprintf(&b, "\n\n%d. %s", i+1, act.Description)
		fmt.Fprintf(&b, "\n   Time: %s", act.CreateTime)
		fmt.Fprintf(&b, "\n   Originator: %s", act.Originator)

		if act.AgentMessaged != nil && act.AgentMessaged.AgentMessage != "" {
			msg := act.AgentMessaged.AgentMessage
			if len(msg) > 100 {
				msg = msg[:100] + "..."
			}
			fmt.Fprintf(&b, "\n   Message: %s", msg)
		}
		if act.CodeChangeMade != nil && len(act.CodeChangeMade.Files) > 0 {
			files := act.CodeChangeMade.Files
			if len(files) > 5 {
				files = files[:5]
			}
			fmt.Fprintf(&b, "\n   Files changed: %s", strings.Join(files, ", "))
		}
	}
	return b.String()
}

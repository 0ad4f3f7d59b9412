package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/delegator/internal/agent"
)

const (
	julesCreateTimeout  = 30 * time.Second
	julesStatusTimeout  = 10 * time.Second
	julesPullTimeout    = 60 * time.Second
	julesVersionTimeout = 5 * time.Second
	gitDiffTimeout      = 10 * time.Second

	defaultJulesSessionTimeout = 30 * time.Minute
	defaultJulesPollInterval   = 30 * time.Second
)

// Session states reported by `jules remote list`.
const (
	SessionCompleted = "COMPLETED"
	SessionFailed    = "FAILED"
	SessionRunning   = "RUNNING"
	SessionPending   = "PENDING"
	SessionUnknown   = "UNKNOWN"
	SessionCreated   = "CREATED"
)

var sessionIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Session\s+(?:ID|created):\s*(\w+)`),
	regexp.MustCompile(`(?i)session[_\s]+id:\s*(\w+)`),
	regexp.MustCompile(`(?i)\b([0-9a-f]{6,})\b`),
}

var errSessionPending = errors.New("session still running")

// JulesCLIResult is the JSON document returned by a headless Jules run.
type JulesCLIResult struct {
	Success       bool     `json:"success"`
	SessionID     string   `json:"session_id"`
	State         string   `json:"state"`
	Message       string   `json:"message"`
	ModifiedFiles []string `json:"modified_files"`
	Log           string   `json:"log,omitempty"`
	NextSteps     []string `json:"next_steps,omitempty"`
}

// JulesCLIAdapter runs Jules sessions through the `jules` CLI in headless mode:
// create a session, poll until it finishes, then pull the changes locally.
type JulesCLIAdapter struct {
	command      string
	cfg          Config
	pollInterval time.Duration
	procMgr      *ProcessManager
}

var _ Adapter = (*JulesCLIAdapter)(nil)

// NewJulesCLIAdapter creates a Jules CLI adapter. cfg.Timeout bounds a whole
// session, not a single subprocess call.
func NewJulesCLIAdapter(cfg Config, procMgr *ProcessManager) *JulesCLIAdapter {
	command := cfg.Command
	if command == "" {
		command = "jules"
	}
	return &JulesCLIAdapter{
		command:      command,
		cfg:          cfg,
		pollInterval: defaultJulesPollInterval,
		procMgr:      procMgr,
	}
}

// WithPollInterval overrides how often session status is polled.
func (j *JulesCLIAdapter) WithPollInterval(d time.Duration) *JulesCLIAdapter {
	if d > 0 {
		j.pollInterval = d
	}
	return j
}

// Available reports whether the jules binary is on PATH.
func (j *JulesCLIAdapter) Available() bool {
	_, err := exec.LookPath(j.command)
	return err == nil
}

// InstallHint returns installation instructions for the CLI.
func (j *JulesCLIAdapter) InstallHint() string { return "npm install -g @google/jules" }

// Version returns the trimmed output of `jules version`.
func (j *JulesCLIAdapter) Version(ctx context.Context) (string, error) {
	out, err := j.run(ctx, "", julesVersionTimeout, "version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CheckLogin runs `jules remote list`, which only succeeds when the CLI is
// authenticated.
func (j *JulesCLIAdapter) CheckLogin(ctx context.Context) error {
	_, err := j.run(ctx, "", julesStatusTimeout, "remote", "list")
	return err
}

// ExecutePrompt runs a headless Jules session for prompt in projectPath and
// returns a JulesCLIResult as JSON. With the "detached" param it returns as
// soon as the session is created.
func (j *JulesCLIAdapter) ExecutePrompt(ctx context.Context, projectPath, prompt string, params agent.Params) (string, error) {
	projectPath, err := filepath.Abs(projectPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(projectPath, ".git")); err != nil {
		return "", fmt.Errorf("project %s is not a Git repository. Jules CLI requires a Git repo to track changes", projectPath)
	}

	sessionID, createLog, err := j.createSession(ctx, projectPath, prompt)
	if err != nil {
		return "", err
	}

	if params.Bool(agent.ParamDetached) {
		return encodeResult(JulesCLIResult{
			Success:       true,
			SessionID:     sessionID,
			State:         SessionCreated,
			Message:       fmt.Sprintf("Jules session %s created", sessionID),
			ModifiedFiles: []string{},
			Log:           createLog,
			NextSteps:     []string{fmt.Sprintf("Pull results later: %s remote pull --session %s", j.command, sessionID)},
		})
	}

	timeout := callTimeout(params, j.cfg.Timeout, defaultJulesSessionTimeout)
	if err := j.waitForCompletion(ctx, sessionID, timeout); err != nil {
		return "", err
	}

	modified, err := j.pullResults(ctx, projectPath, sessionID)
	if err != nil {
		return "", err
	}

	return encodeResult(JulesCLIResult{
		Success:       true,
		SessionID:     sessionID,
		State:         SessionCompleted,
		Message:       fmt.Sprintf("Task completed via Jules CLI (session %s)", sessionID),
		ModifiedFiles: modified,
		Log:           createLog,
		NextSteps: []string{
			"Review changes: git diff HEAD~1",
			"Test your changes",
			"Commit when ready",
		},
	})
}

func (j *JulesCLIAdapter) createSession(ctx context.Context, projectPath, prompt string) (string, string, error) {
	out, err := j.run(ctx, projectPath, julesCreateTimeout, "new", prompt)
	if err != nil {
		return "", "", fmt.Errorf("failed to create Jules session: %w", err)
	}

	sessionID := extractSessionID(string(out))
	if sessionID == "" {
		return "", "", fmt.Errorf("could not parse session ID from output: %q", string(out))
	}
	return sessionID, strings.TrimSpace(string(out)), nil
}

// waitForCompletion polls session status at a constant interval until it
// reports COMPLETED, FAILED or the timeout elapses. Failed status calls are
// retried.
func (j *JulesCLIAdapter) waitForCompletion(ctx context.Context, sessionID string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	operation := func() error {
		out, err := j.run(waitCtx, "", julesStatusTimeout, "remote", "list", "--session", sessionID)
		if err != nil {
			return err
		}
		switch extractStatus(string(out)) {
		case SessionCompleted:
			return nil
		case SessionFailed:
			return backoff.Permanent(fmt.Errorf("Jules session %s failed", sessionID))
		default:
			return errSessionPending
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(j.pollInterval), waitCtx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitCtx.Err() != nil {
		return fmt.Errorf("Jules session %s did not complete within %s", sessionID, timeout)
	}
	return err
}

func (j *JulesCLIAdapter) pullResults(ctx context.Context, projectPath, sessionID string) ([]string, error) {
	if _, err := j.run(ctx, projectPath, julesPullTimeout, "remote", "pull", "--session", sessionID); err != nil {
		return nil, fmt.Errorf("failed to pull results: %w", err)
	}

	diffCtx, cancel := context.WithTimeout(ctx, gitDiffTimeout)
	defer cancel()
	cmd := newCommand(diffCtx, "git", "diff", "--name-only", "HEAD~1")
	cmd.Dir = projectPath
	out, _, err := executeCommand(diffCtx, cmd, j.procMgr)
	if err != nil {
		// A fresh repository has no HEAD~1
		return []string{}, nil
	}

	files := []string{}
	for _, line := range strings.Split(string(out), "\n") {
		if f := strings.TrimSpace(line); f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

func (j *JulesCLIAdapter) run(ctx context.Context, dir string, timeout time.Duration, args ...string) ([]byte, error) {
	bin, err := exec.LookPath(j.command)
	if err != nil {
		return nil, fmt.Errorf("%s CLI not found. Install: %s", j.command, j.InstallHint())
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := newCommand(ctx, bin, args...)
	cmd.Dir = dir
	stdout, _, err := executeCommand(ctx, cmd, j.procMgr)
	return stdout, err
}

// extractSessionID finds the session id in `jules new` output.
func extractSessionID(output string) string {
	for _, re := range sessionIDPatterns {
		if m := re.FindStringSubmatch(output); m != nil {
			return m[1]
		}
	}
	words := strings.Fields(output)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}

// extractStatus reads the session status from `jules remote list` output.
func extractStatus(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(strings.ToLower(line), "status") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.ToUpper(strings.TrimSpace(value))
		}
	}

	upper := strings.ToUpper(output)
	for _, status := range []string{SessionCompleted, SessionFailed, SessionRunning, SessionPending} {
		if strings.Contains(upper, status) {
			return status
		}
	}
	return SessionUnknown
}

func encodeResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

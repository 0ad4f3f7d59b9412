package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aristath/delegator/internal/agent"
)

// CodexAdapter drives the `codex` CLI in non-interactive exec mode.
// Each call starts a fresh thread; the adapter is safe for concurrent use.
type CodexAdapter struct {
	command string
	model   string
	cfg     Config
	procMgr *ProcessManager
}

var _ Adapter = (*CodexAdapter)(nil)

// codexEvent is the base event type for all Codex events.
type codexEvent struct {
	Type string `json:"type"`
}

// codexThreadStarted carries the thread id of a new conversation.
type codexThreadStarted struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// codexTurnCompleted carries the final assistant content of a turn.
type codexTurnCompleted struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// codexItemCompleted is emitted by newer CLI versions for each finished item.
type codexItemCompleted struct {
	Type string `json:"type"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// NewCodexAdapter creates a new Codex adapter.
func NewCodexAdapter(cfg Config, procMgr *ProcessManager) *CodexAdapter {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	return &CodexAdapter{
		command: command,
		model:   cfg.Model,
		cfg:     cfg,
		procMgr: procMgr,
	}
}

// Available reports whether the codex binary is on PATH.
func (c *CodexAdapter) Available() bool {
	_, err := exec.LookPath(c.command)
	return err == nil
}

// InstallHint returns installation instructions for the CLI.
func (c *CodexAdapter) InstallHint() string { return "npm install -g @openai/codex" }

// ExecutePrompt runs prompt through `codex exec` inside projectPath.
func (c *CodexAdapter) ExecutePrompt(ctx context.Context, projectPath, prompt string, params agent.Params) (string, error) {
	bin, err := exec.LookPath(c.command)
	if err != nil {
		return "", fmt.Errorf("%s CLI not found. Install: %s", c.command, c.InstallHint())
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout(params, c.cfg.Timeout, defaultCLITimeout))
	defer cancel()

	cmd := newCommand(ctx, bin, c.buildArgs(prompt)...)
	cmd.Dir = projectPath

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return "", fmt.Errorf("codex command failed: %w", err)
	}

	_, content, parseErr := parseCodexEvents(stdout)
	if parseErr != nil {
		// Older builds ignore --json and print plain text
		return strings.TrimSpace(string(stdout)), nil
	}
	return content, nil
}

// buildArgs constructs: exec <prompt> --json [--model m] [extra...]
func (c *CodexAdapter) buildArgs(prompt string) []string {
	args := []string{"exec", prompt, "--json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return append(args, c.cfg.ExtraArgs...)
}

// parseCodexEvents parses newline-delimited JSON events from Codex CLI output.
// It extracts the thread id and the final assistant content.
func parseCodexEvents(data []byte) (threadID string, content string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if parseErr := json.Unmarshal([]byte(line), &evt); parseErr != nil {
			return "", "", fmt.Errorf("failed to parse event type: %w", parseErr)
		}

		switch evt.Type {
		case "ThreadStarted", "thread.started":
			var started codexThreadStarted
			if parseErr := json.Unmarshal([]byte(line), &started); parseErr != nil {
				return "", "", fmt.Errorf("failed to parse ThreadStarted event: %w", parseErr)
			}
			threadID = started.ThreadID

		case "TurnCompleted":
			var completed codexTurnCompleted
			if parseErr := json.Unmarshal([]byte(line), &completed); parseErr != nil {
				return "", "", fmt.Errorf("failed to parse TurnCompleted event: %w", parseErr)
			}
			content = completed.Content

		case "item.completed":
			var item codexItemCompleted
			if parseErr := json.Unmarshal([]byte(line), &item); parseErr != nil {
				return "", "", fmt.Errorf("failed to parse item.completed event: %w", parseErr)
			}
			if item.Item.Type == "agent_message" {
				content = item.Item.Text
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("error reading events: %w", err)
	}

	return threadID, content, nil
}

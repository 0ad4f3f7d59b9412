package backend

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/delegator/internal/agent"
)

// defaultCLITimeout applies to a single code-generation CLI call.
const defaultCLITimeout = 5 * time.Minute

// cliSpec describes how to drive one single-shot agent CLI.
type cliSpec struct {
	binary  string
	install string
	args    func(prompt string, cfg Config) []string
	enrich  func(prompt string, params agent.Params) string
	clean   func(out string) string
}

var cliSpecs = map[agent.ID]cliSpec{
	agent.Copilot: {
		binary:  "gh",
		install: "gh extension install github/gh-copilot",
		args: func(prompt string, _ Config) []string {
			return []string{"copilot", "suggest", prompt, "--no-interactive"}
		},
		enrich: enrichCopilotPrompt,
		clean:  stripSuggestionWrapper,
	},
	agent.Gemini: {
		binary:  "gemini",
		install: "npm install -g @google/gemini-cli",
		args: func(prompt string, cfg Config) []string {
			args := []string{"generate", "--prompt", prompt, "--temperature", "0.2", "--max-tokens", "500"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			return args
		},
		enrich: enrichGenerationPrompt,
		clean:  extractCodeBlocks,
	},
	agent.Qwen: {
		binary:  "qwen",
		install: "npm install -g @qwen-code/qwen-code",
		args: func(prompt string, cfg Config) []string {
			args := []string{"chat", "--message", prompt, "--temperature", "0.2", "--max-tokens", "500"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			return args
		},
		enrich: enrichGenerationPrompt,
	},
	agent.DeepAgents: {
		binary:  "deepagents",
		install: "pip install deepagents-cli",
		args: func(prompt string, _ Config) []string {
			return []string{"--non-interactive", prompt}
		},
	},
	agent.RovoDev: {
		binary:  "rovo",
		install: "see https://support.atlassian.com/rovo/docs/use-rovo-dev-cli/",
		args: func(prompt string, _ Config) []string {
			return []string{"dev", "run", prompt}
		},
	},
	agent.Aider: {
		binary:  "aider",
		install: "pip install aider-chat",
		args: func(prompt string, cfg Config) []string {
			args := []string{"--message", prompt, "--yes-always", "--no-pretty", "--no-stream"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			return args
		},
	},
}

// CLIAdapter runs one prompt per subprocess invocation of an agent CLI.
// It holds no per-call state and is safe for concurrent use.
type CLIAdapter struct {
	id      agent.ID
	spec    cliSpec
	cfg     Config
	procMgr *ProcessManager
}

var _ Adapter = (*CLIAdapter)(nil)

func newCLIAdapter(id agent.ID, spec cliSpec, cfg Config, pm *ProcessManager) *CLIAdapter {
	return &CLIAdapter{id: id, spec: spec, cfg: cfg, procMgr: pm}
}

// Available reports whether the CLI is on PATH.
func (a *CLIAdapter) Available() bool {
	_, err := exec.LookPath(a.binary())
	return err == nil
}

// InstallHint returns installation instructions for the CLI.
func (a *CLIAdapter) InstallHint() string { return a.spec.install }

// ExecutePrompt enriches prompt from params, runs the CLI inside projectPath
// and returns its cleaned stdout.
func (a *CLIAdapter) ExecutePrompt(ctx context.Context, projectPath, prompt string, params agent.Params) (string, error) {
	bin, err := exec.LookPath(a.binary())
	if err != nil {
		return "", fmt.Errorf("%s CLI not found. Install: %s", a.binary(), a.spec.install)
	}

	if a.spec.enrich != nil {
		prompt = a.spec.enrich(prompt, params)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout(params, a.cfg.Timeout, defaultCLITimeout))
	defer cancel()

	cmd := newCommand(ctx, bin, a.buildArgs(prompt)...)
	cmd.Dir = projectPath

	stdout, _, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", a.binary(), err)
	}

	out := strings.TrimSpace(string(stdout))
	if a.spec.clean != nil {
		out = a.spec.clean(out)
	}
	return out, nil
}

func (a *CLIAdapter) buildArgs(prompt string) []string {
	args := a.spec.args(prompt, a.cfg)
	return append(args, a.cfg.ExtraArgs...)
}

func (a *CLIAdapter) binary() string {
	if a.cfg.Command != "" {
		return a.cfg.Command
	}
	return a.spec.binary
}

// callTimeout resolves the timeout for one call: the "timeout" param in
// seconds, then the configured value, then fallback.
func callTimeout(params agent.Params, configured, fallback time.Duration) time.Duration {
	if secs, ok := params.Int(agent.ParamTimeout); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if configured > 0 {
		return configured
	}
	return fallback
}

func enrichCopilotPrompt(prompt string, params agent.Params) string {
	enhanced := prompt
	if lang := params.String(agent.ParamLanguage); lang != "" {
		enhanced = fmt.Sprintf("Generate %s code: %s", lang, enhanced)
	}
	if file := params.String(agent.ParamTargetFile); file != "" {
		enhanced = fmt.Sprintf("For file %s (%s): %s", file, filepath.Ext(file), enhanced)
	}
	if existing := params.String(agent.ParamExistingCode); existing != "" {
		enhanced = fmt.Sprintf("Existing code context:\n%s\n\n%s", truncate(existing, 500), enhanced)
	}
	return enhanced
}

func enrichGenerationPrompt(prompt string, params agent.Params) string {
	var b strings.Builder
	if lang := params.String(agent.ParamLanguage); lang != "" {
		fmt.Fprintf(&b, "Generate %s code: %s", lang, prompt)
	} else {
		fmt.Fprintf(&b, "Generate code for the following request. Only provide code, no explanations unless asked.\n\nRequest: %s", prompt)
	}
	if file := params.String(agent.ParamTargetFile); file != "" {
		fmt.Fprintf(&b, "\n\nTarget file: %s", file)
	}
	if existing := params.String(agent.ParamExistingCode); existing != "" {
		fmt.Fprintf(&b, "\n\nExisting code context:\n%s", truncate(existing, 1000))
	}
	b.WriteString("\n\nProvide clean, well-formatted code ready for use.")
	return b.String()
}

// stripSuggestionWrapper removes a leading fence or label line and a
// trailing fence from a suggestion.
func stripSuggestionWrapper(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 0 {
		first := lines[0]
		if strings.HasPrefix(first, "```") || strings.HasPrefix(first, "Suggestion:") || strings.HasPrefix(first, "Code:") {
			lines = lines[1:]
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractCodeBlocks returns the contents of all fenced code blocks, or the
// trimmed input when there are none.
func extractCodeBlocks(out string) string {
	if !strings.Contains(out, "```") {
		return strings.TrimSpace(out)
	}

	var code []string
	inBlock := false
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inBlock = !inBlock
			continue
		}
		if inBlock {
			code = append(code, line)
		}
	}
	if len(code) == 0 {
		return strings.TrimSpace(out)
	}
	return strings.TrimSpace(strings.Join(code, "\n"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

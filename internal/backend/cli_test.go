package backend

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/delegator/internal/agent"
)

func mustCLIAdapter(t *testing.T, id agent.ID, cfg Config) *CLIAdapter {
	t.Helper()
	adapter, err := New(id, cfg, NewProcessManager())
	if err != nil {
		t.Fatalf("New(%s) failed: %v", id, err)
	}
	cli, ok := adapter.(*CLIAdapter)
	if !ok {
		t.Fatalf("Expected *CLIAdapter, got %T", adapter)
	}
	return cli
}

// TestCLIAdapter_BuildArgs verifies the command line for each single-shot CLI
func TestCLIAdapter_BuildArgs(t *testing.T) {
	tests := []struct {
		id   agent.ID
		cfg  Config
		want []string
	}{
		{agent.Copilot, Config{}, []string{"copilot", "suggest", "p", "--no-interactive"}},
		{agent.Gemini, Config{}, []string{"generate", "--prompt", "p", "--temperature", "0.2", "--max-tokens", "500"}},
		{agent.Gemini, Config{Model: "gemini-2.5-pro"}, []string{"generate", "--prompt", "p", "--temperature", "0.2", "--max-tokens", "500", "--model", "gemini-2.5-pro"}},
		{agent.Qwen, Config{}, []string{"chat", "--message", "p", "--temperature", "0.2", "--max-tokens", "500"}},
		{agent.DeepAgents, Config{}, []string{"--non-interactive", "p"}},
		{agent.RovoDev, Config{}, []string{"dev", "run", "p"}},
		{agent.Aider, Config{}, []string{"--message", "p", "--yes-always", "--no-pretty", "--no-stream"}},
		{agent.Aider, Config{ExtraArgs: []string{"--no-git"}}, []string{"--message", "p", "--yes-always", "--no-pretty", "--no-stream", "--no-git"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			got := mustCLIAdapter(t, tt.id, tt.cfg).buildArgs("p")
			if !sliceEqual(got, tt.want) {
				t.Errorf("buildArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCLIAdapter_Binary verifies the default binary and the override
func TestCLIAdapter_Binary(t *testing.T) {
	if got := mustCLIAdapter(t, agent.Copilot, Config{}).binary(); got != "gh" {
		t.Errorf("Expected copilot to run gh, got %s", got)
	}
	if got := mustCLIAdapter(t, agent.RovoDev, Config{}).binary(); got != "rovo" {
		t.Errorf("Expected rovodev to run rovo, got %s", got)
	}
	if got := mustCLIAdapter(t, agent.Qwen, Config{Command: "/opt/qwen"}).binary(); got != "/opt/qwen" {
		t.Errorf("Expected override to win, got %s", got)
	}
}

// TestEnrichCopilotPrompt verifies language, file and existing code context
func TestEnrichCopilotPrompt(t *testing.T) {
	got := enrichCopilotPrompt("add a handler", agent.Params{
		agent.ParamLanguage:     "go",
		agent.ParamTargetFile:   "internal/api/handler.go",
		agent.ParamExistingCode: strings.Repeat("x", 800),
	})

	if !strings.HasPrefix(got, "Existing code context:\n"+strings.Repeat("x", 500)+"\n\n") {
		t.Errorf("Expected existing code truncated to 500 chars at the front, got: %q", got[:60])
	}
	if strings.Contains(got, strings.Repeat("x", 501)) {
		t.Error("Existing code was not truncated")
	}
	if !strings.HasSuffix(got, "For file internal/api/handler.go (.go): Generate go code: add a handler") {
		t.Errorf("Unexpected prompt tail: %q", got)
	}

	if plain := enrichCopilotPrompt("plain", nil); plain != "plain" {
		t.Errorf("Expected prompt unchanged without params, got %q", plain)
	}
}

// TestEnrichGenerationPrompt verifies the gemini/qwen request template
func TestEnrichGenerationPrompt(t *testing.T) {
	got := enrichGenerationPrompt("sort a slice", nil)
	if !strings.Contains(got, "Request: sort a slice") {
		t.Errorf("Expected generic request template, got: %q", got)
	}
	if !strings.HasSuffix(got, "Provide clean, well-formatted code ready for use.") {
		t.Errorf("Expected closing instruction, got: %q", got)
	}

	got = enrichGenerationPrompt("sort a slice", agent.Params{
		agent.ParamLanguage:     "rust",
		agent.ParamTargetFile:   "src/lib.rs",
		agent.ParamExistingCode: strings.Repeat("y", 1500),
	})
	if !strings.HasPrefix(got, "Generate rust code: sort a slice") {
		t.Errorf("Expected language template, got: %q", got)
	}
	if !strings.Contains(got, "\n\nTarget file: src/lib.rs") {
		t.Errorf("Expected target file, got: %q", got)
	}
	if strings.Contains(got, strings.Repeat("y", 1001)) {
		t.Error("Existing code was not truncated to 1000 chars")
	}
}

// TestStripSuggestionWrapper verifies copilot response cleanup
func TestStripSuggestionWrapper(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"fenced", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
		{"suggestion label", "Suggestion:\nls -la", "ls -la"},
		{"code label", "Code:\nx := 1\n```", "x := 1"},
		{"plain", "echo hi", "echo hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripSuggestionWrapper(tt.in); got != tt.want {
				t.Errorf("stripSuggestionWrapper() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestExtractCodeBlocks verifies fenced code extraction
func TestExtractCodeBlocks(t *testing.T) {
	in := "Here you go:\n```python\ndef f():\n    return 1\n```\nAnd more:\n```\nprint(f())\n```\nThanks"
	want := "def f():\n    return 1\nprint(f())"
	if got := extractCodeBlocks(in); got != want {
		t.Errorf("extractCodeBlocks() = %q, want %q", got, want)
	}

	if got := extractCodeBlocks("  just text  "); got != "just text" {
		t.Errorf("Expected trimmed passthrough, got %q", got)
	}
}

// TestCLIAdapter_ExecutePrompt runs a fake gemini CLI end to end
func TestCLIAdapter_ExecutePrompt(t *testing.T) {
	fake := writeFakeCLI(t, "gemini", `
echo "cwd=$(pwd)"
echo '`+"```"+`'
echo "args: $*"
echo '`+"```"+`'`)
	project := t.TempDir()

	adapter := mustCLIAdapter(t, agent.Gemini, Config{Command: fake})
	if !adapter.Available() {
		t.Fatal("Expected fake CLI to be available")
	}

	out, err := adapter.ExecutePrompt(context.Background(), project, "make a thing", nil)
	if err != nil {
		t.Fatalf("ExecutePrompt failed: %v", err)
	}

	if !strings.HasPrefix(out, "args: generate --prompt") {
		t.Errorf("Expected only the fenced block, got: %q", out)
	}
	if !strings.Contains(out, "Request: make a thing") {
		t.Errorf("Expected enriched prompt in args, got: %q", out)
	}
}

// TestCLIAdapter_RunsInProjectPath verifies the working directory
func TestCLIAdapter_RunsInProjectPath(t *testing.T) {
	fake := writeFakeCLI(t, "deepagents", `pwd`)
	project := t.TempDir()

	out, err := mustCLIAdapter(t, agent.DeepAgents, Config{Command: fake}).
		ExecutePrompt(context.Background(), project, "p", nil)
	if err != nil {
		t.Fatalf("ExecutePrompt failed: %v", err)
	}

	want, _ := filepath.EvalSymlinks(project)
	got, _ := filepath.EvalSymlinks(out)
	if got != want {
		t.Errorf("Expected to run in %s, ran in %s", want, got)
	}
}

// TestCLIAdapter_NonZeroExit verifies stderr is surfaced on failure
func TestCLIAdapter_NonZeroExit(t *testing.T) {
	fake := writeFakeCLI(t, "aider", `echo "model quota exceeded" >&2; exit 3`)

	_, err := mustCLIAdapter(t, agent.Aider, Config{Command: fake}).
		ExecutePrompt(context.Background(), t.TempDir(), "p", nil)
	if err == nil {
		t.Fatal("Expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "model quota exceeded") {
		t.Errorf("Expected stderr in error, got: %v", err)
	}
}

// TestCLIAdapter_MissingBinary verifies the install hint on a missing CLI
func TestCLIAdapter_MissingBinary(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "rovo")
	adapter := mustCLIAdapter(t, agent.RovoDev, Config{Command: missing})

	if adapter.Available() {
		t.Fatal("Expected missing binary to be unavailable")
	}
	_, err := adapter.ExecutePrompt(context.Background(), t.TempDir(), "p", nil)
	if err == nil || !strings.Contains(err.Error(), "CLI not found") {
		t.Errorf("Expected CLI not found error, got: %v", err)
	}
}

// TestCLIAdapter_Timeout verifies the timeout param kills a hung CLI
func TestCLIAdapter_Timeout(t *testing.T) {
	fake := writeFakeCLI(t, "qwen", `sleep 30`)
	adapter := mustCLIAdapter(t, agent.Qwen, Config{Command: fake, Timeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := adapter.ExecutePrompt(context.Background(), t.TempDir(), "p", nil)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout took %v", elapsed)
	}
}

// TestCallTimeout verifies timeout resolution order
func TestCallTimeout(t *testing.T) {
	if got := callTimeout(agent.Params{agent.ParamTimeout: 7}, time.Minute, time.Hour); got != 7*time.Second {
		t.Errorf("Expected param to win, got %v", got)
	}
	if got := callTimeout(nil, time.Minute, time.Hour); got != time.Minute {
		t.Errorf("Expected configured value, got %v", got)
	}
	if got := callTimeout(nil, 0, time.Hour); got != time.Hour {
		t.Errorf("Expected fallback, got %v", got)
	}
}

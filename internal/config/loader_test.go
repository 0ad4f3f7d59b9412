package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/delegator/internal/agent"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		global        string
		globalName    string
		project       string
		projectName   string
		expectWorkers int
		checkAgent    string
		expectModel   string
		expectTimeout time.Duration
		expectChain   int
	}{
		{
			name:          "No config files - returns defaults",
			expectWorkers: 3,
			expectChain:   8,
		},
		{
			name:          "Global JSON only",
			global:        `{"max_workers": 5, "agents": {"gemini": {"model": "gemini-pro", "timeout": "2m"}}}`,
			globalName:    "config.json",
			expectWorkers: 5,
			checkAgent:    "gemini",
			expectModel:   "gemini-pro",
			expectTimeout: 2 * time.Minute,
			expectChain:   8,
		},
		{
			name:          "Project YAML only",
			project:       "max_workers: 2\nfallback_chain: [gemini, aider]\nagents:\n  aider:\n    model: sonnet\n",
			projectName:   "config.yaml",
			expectWorkers: 2,
			checkAgent:    "aider",
			expectModel:   "sonnet",
			expectChain:   2,
		},
		{
			name:          "Project overrides global - project wins",
			global:        `{"max_workers": 5, "agents": {"qwen": {"model": "model-x"}}}`,
			globalName:    "config.json",
			project:       "agents:\n  qwen:\n    model: model-y\n",
			projectName:   "config.yml",
			expectWorkers: 5,
			checkAgent:    "qwen",
			expectModel:   "model-y",
			expectChain:   8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.global != "" {
				globalPath = writeFile(t, tmpDir, "global-"+tt.globalName, tt.global)
			}
			projectPath := ""
			if tt.project != "" {
				projectPath = writeFile(t, tmpDir, "project-"+tt.projectName, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.MaxWorkers != tt.expectWorkers {
				t.Errorf("max_workers = %d, want %d", cfg.MaxWorkers, tt.expectWorkers)
			}
			if len(cfg.FallbackChain) != tt.expectChain {
				t.Errorf("fallback_chain length = %d, want %d", len(cfg.FallbackChain), tt.expectChain)
			}
			if len(cfg.Agents) != 8 {
				t.Errorf("agents count = %d, want 8", len(cfg.Agents))
			}

			if tt.checkAgent != "" {
				ac, exists := cfg.Agents[tt.checkAgent]
				if !exists {
					t.Fatalf("expected agent %q not found", tt.checkAgent)
				}
				if ac.Model != tt.expectModel {
					t.Errorf("agent %q model = %q, want %q", tt.checkAgent, ac.Model, tt.expectModel)
				}
				if ac.Timeout.Std() != tt.expectTimeout {
					t.Errorf("agent %q timeout = %s, want %s", tt.checkAgent, ac.Timeout, tt.expectTimeout)
				}
			}
		})
	}
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "malformed JSON", file: "global.json", content: "{invalid json"},
		{name: "malformed YAML", file: "global.yaml", content: "max_workers: [unclosed"},
		{name: "bad duration", file: "global.json", content: `{"poll_interval": "soon"}`},
		{name: "unknown agent", file: "global.json", content: `{"fallback_chain": ["nobody"]}`},
		{name: "zero workers", file: "global.json", content: `{"max_workers": 0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			if _, err := Load(path, ""); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.PollInterval.Std() != time.Second {
		t.Errorf("poll_interval = %s, want 1s", cfg.PollInterval)
	}
	if cfg.FallbackOnFailure {
		t.Error("fallback_on_failure should default to false")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvMaxWorkers, "7")
	t.Setenv(EnvEnvironment, "production")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvDBPath, "/tmp/history.db")
	t.Setenv(EnvMetricsAddr, ":9090")
	t.Setenv("JULES_API_KEY", "secret")

	path := writeFile(t, t.TempDir(), "project.json", `{"max_workers": 4}`)
	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxWorkers != 7 {
		t.Errorf("max_workers = %d, want env value 7", cfg.MaxWorkers)
	}
	if cfg.Environment != "production" || cfg.LogLevel != "debug" {
		t.Errorf("environment/log_level = %q/%q", cfg.Environment, cfg.LogLevel)
	}
	if cfg.DatabasePath != "/tmp/history.db" || cfg.MetricsAddr != ":9090" {
		t.Errorf("database_path/metrics_addr = %q/%q", cfg.DatabasePath, cfg.MetricsAddr)
	}
	if cfg.Jules.APIKey != "secret" {
		t.Errorf("jules api key = %q, want secret", cfg.Jules.APIKey)
	}

	t.Setenv(EnvMaxWorkers, "many")
	if _, err := Load("", ""); err == nil {
		t.Error("expected error for non-numeric max workers")
	}
}

func TestConfig_Derived(t *testing.T) {
	cfg := DefaultConfig()
	off := false
	cfg.Agents["rovodev"] = AgentConfig{Enabled: &off}
	cfg.Agents["codex"] = AgentConfig{Command: "/opt/codex", Timeout: Duration(time.Minute)}
	cfg.FallbackChain = []string{"gemini", "codex"}
	cfg.Resilience.RetryEnabled = true

	backends := cfg.BackendConfigs()
	if _, ok := backends[agent.RovoDev]; ok {
		t.Error("disabled agent should not get a backend config")
	}
	if bc := backends[agent.Codex]; bc.Command != "/opt/codex" || bc.Timeout != time.Minute {
		t.Errorf("codex backend config = %+v", bc)
	}
	if bc := backends[agent.Jules]; bc.Command != "jules" || bc.Timeout != 30*time.Minute {
		t.Errorf("jules backend config = %+v", bc)
	}

	policy := cfg.Policy()
	if len(policy.FallbackChain) != 2 || policy.FallbackChain[0] != agent.Gemini {
		t.Errorf("policy chain = %v", policy.FallbackChain)
	}
	if policy.ContextThreshold != agent.DefaultContextThreshold {
		t.Errorf("context threshold = %d", policy.ContextThreshold)
	}

	rc := cfg.RetryConfig()
	if rc == nil || rc.InitialInterval != time.Second || rc.MaxElapsedTime != 30*time.Second {
		t.Errorf("retry config = %+v", rc)
	}
	cfg.Resilience.RetryEnabled = false
	if cfg.RetryConfig() != nil {
		t.Error("retry config should be nil when disabled")
	}

	if bs := cfg.BreakerSettings(); bs.ConsecutiveFailures != 5 || bs.OpenTimeout != 30*time.Second {
		t.Errorf("breaker settings = %+v", bs)
	}
}

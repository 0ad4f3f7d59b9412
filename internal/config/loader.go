package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/backend"
)

const dirName = ".delegator"

// Environment variables that override file settings.
const (
	EnvMaxWorkers  = "DELEGATOR_MAX_WORKERS"
	EnvEnvironment = "DELEGATOR_ENV"
	EnvLogLevel    = "DELEGATOR_LOG_LEVEL"
	EnvDBPath      = "DELEGATOR_DB_PATH"
	EnvMetricsAddr = "DELEGATOR_METRICS_ADDR"
)

// configNames are tried in order inside a config directory.
var configNames = []string{"config.yaml", "config.yml", "config.json"}

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files
// return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads .env from the working directory, then configuration
// from the files Paths returns.
func LoadDefault() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	globalPath, projectPath, err := Paths()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(filepath.Dir(globalPath), "history.db")
	}
	return cfg, nil
}

// Paths returns the global and project config files.
// Global: ~/.delegator/config.{yaml,yml,json}
// Project: .delegator/config.{yaml,yml,json} (relative to cwd)
// When no file exists yet the config.json name is returned.
func Paths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return findConfig(filepath.Join(homeDir, dirName)), findConfig(dirName), nil
}

// findConfig returns the first existing config file in dir, or the
// default name when none exists.
func findConfig(dir string) string {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.json")
}

// mergeConfigFile decodes path over base. Scalars present in the file
// replace the base value; agent entries replace the base entry per key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, base)
	} else {
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvMaxWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxWorkers, err)
		}
		cfg.MaxWorkers = n
	}
	if v, ok := os.LookupEnv(EnvEnvironment); ok {
		cfg.Environment = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvDBPath); ok {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		cfg.MetricsAddr = v
	}
	if cfg.Jules.APIKeyEnv != "" {
		cfg.Jules.APIKey = os.Getenv(cfg.Jules.APIKeyEnv)
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	for _, name := range c.FallbackChain {
		if _, err := agent.ParseID(name); err != nil {
			return fmt.Errorf("fallback_chain: %w", err)
		}
	}
	for name := range c.Agents {
		if _, err := agent.ParseID(name); err != nil {
			return fmt.Errorf("agents: %w", err)
		}
	}
	return nil
}

// Policy builds the agent selection policy.
func (c *Config) Policy() agent.Policy {
	p := agent.Policy{ContextThreshold: c.ContextThreshold}
	for _, name := range c.FallbackChain {
		if id, err := agent.ParseID(name); err == nil {
			p.FallbackChain = append(p.FallbackChain, id)
		}
	}
	if len(p.FallbackChain) == 0 {
		p.FallbackChain = agent.DefaultPolicy().FallbackChain
	}
	return p
}

// BackendConfigs returns the CLI adapter settings of every enabled agent.
// Jules uses the jules section for its binary and timeout.
func (c *Config) BackendConfigs() map[agent.ID]backend.Config {
	out := make(map[agent.ID]backend.Config, len(c.Agents))
	for name, ac := range c.Agents {
		if !ac.IsEnabled() {
			continue
		}
		id, err := agent.ParseID(name)
		if err != nil {
			continue
		}
		bc := backend.Config{
			Command:   ac.Command,
			Model:     ac.Model,
			Timeout:   ac.Timeout.Std(),
			ExtraArgs: ac.ExtraArgs,
		}
		if id == agent.Jules {
			if bc.Command == "" {
				bc.Command = c.Jules.Binary
			}
			if bc.Timeout == 0 {
				bc.Timeout = c.Jules.Timeout.Std()
			}
		}
		out[id] = bc
	}
	return out
}

// RetryConfig returns the orchestrator retry settings, or nil when retry
// is disabled.
func (c *Config) RetryConfig() *agent.RetryConfig {
	if !c.Resilience.RetryEnabled {
		return nil
	}
	rc := agent.DefaultRetryConfig()
	if c.Resilience.RetryInitial > 0 {
		rc.InitialInterval = c.Resilience.RetryInitial.Std()
	}
	if c.Resilience.RetryMaxElapsed > 0 {
		rc.MaxElapsedTime = c.Resilience.RetryMaxElapsed.Std()
	}
	return &rc
}

// BreakerSettings returns the circuit breaker settings.
func (c *Config) BreakerSettings() agent.BreakerSettings {
	return agent.BreakerSettings{
		ConsecutiveFailures: c.Resilience.BreakerFailures,
		OpenTimeout:         c.Resilience.BreakerTimeout.Std(),
	}
}

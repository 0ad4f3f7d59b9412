package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s",
// "10m") in both JSON and YAML files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// AgentConfig tunes one coding-agent CLI.
type AgentConfig struct {
	Enabled   *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`       // nil means enabled
	Command   string   `json:"command,omitempty" yaml:"command,omitempty"`       // binary override
	Model     string   `json:"model,omitempty" yaml:"model,omitempty"`           // model override for CLIs that take one
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // per-call timeout
	ExtraArgs []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"` // appended to every invocation
}

// IsEnabled reports whether the agent should be discovered.
func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// JulesConfig configures both Jules transports.
type JulesConfig struct {
	APIKeyEnv         string   `json:"api_key_env" yaml:"api_key_env"`
	APIKey            string   `json:"-" yaml:"-"` // resolved from APIKeyEnv, never persisted
	BaseURL           string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Binary            string   `json:"binary,omitempty" yaml:"binary,omitempty"`
	PollInterval      Duration `json:"poll_interval" yaml:"poll_interval"`
	Timeout           Duration `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
}

// ResilienceConfig tunes circuit breakers and retries around agent calls.
type ResilienceConfig struct {
	BreakerFailures uint32   `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
	RetryEnabled    bool     `json:"retry_enabled" yaml:"retry_enabled"`
	RetryInitial    Duration `json:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxElapsed Duration `json:"retry_max_elapsed" yaml:"retry_max_elapsed"`
}

// Config is the top-level configuration.
type Config struct {
	MaxWorkers        int                    `json:"max_workers" yaml:"max_workers"`
	PollInterval      Duration               `json:"poll_interval" yaml:"poll_interval"`
	DrainTimeout      Duration               `json:"drain_timeout" yaml:"drain_timeout"`
	FallbackOnFailure bool                   `json:"fallback_on_failure" yaml:"fallback_on_failure"`
	ContextThreshold  int                    `json:"context_threshold" yaml:"context_threshold"`
	FallbackChain     []string               `json:"fallback_chain" yaml:"fallback_chain"`
	Agents            map[string]AgentConfig `json:"agents" yaml:"agents"`
	Jules             JulesConfig            `json:"jules" yaml:"jules"`
	Resilience        ResilienceConfig       `json:"resilience" yaml:"resilience"`
	DatabasePath      string                 `json:"database_path" yaml:"database_path"`
	MetricsAddr       string                 `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
	Environment       string                 `json:"environment" yaml:"environment"`
	LogLevel          string                 `json:"log_level" yaml:"log_level"`
}

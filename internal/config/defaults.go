package config

import (
	"time"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/jules"
)

// DefaultConfig returns the built-in configuration: every known agent
// enabled with its stock CLI, three workers, no failure fallback.
func DefaultConfig() *Config {
	agents := make(map[string]AgentConfig)
	chain := make([]string, 0, len(agent.DefaultFallbackChain))
	for _, id := range agent.AllIDs() {
		agents[string(id)] = AgentConfig{}
	}
	for _, id := range agent.DefaultFallbackChain {
		chain = append(chain, string(id))
	}

	return &Config{
		MaxWorkers:       3,
		PollInterval:     Duration(time.Second),
		DrainTimeout:     Duration(10 * time.Second),
		ContextThreshold: agent.DefaultContextThreshold,
		FallbackChain:    chain,
		Agents:           agents,
		Jules: JulesConfig{
			APIKeyEnv:         "JULES_API_KEY",
			BaseURL:           jules.DefaultBaseURL,
			Binary:            "jules",
			PollInterval:      Duration(5 * time.Second),
			Timeout:           Duration(30 * time.Minute),
			RequestsPerSecond: 2,
		},
		Resilience: ResilienceConfig{
			BreakerFailures: 5,
			BreakerTimeout:  Duration(30 * time.Second),
			RetryInitial:    Duration(time.Second),
			RetryMaxElapsed: Duration(30 * time.Second),
		},
		Environment: "development",
		LogLevel:    "info",
	}
}

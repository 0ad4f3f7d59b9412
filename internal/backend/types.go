package backend

import (
	"time"

	"github.com/aristath/delegator/internal/agent"
)

// Config defines the configuration for one CLI adapter.
type Config struct {
	Command   string        // Binary override; empty uses the agent's default CLI name
	Model     string        // Model override for CLIs that accept one
	Timeout   time.Duration // Per-invocation timeout; zero uses the adapter default
	ExtraArgs []string      // Appended after the adapter's own arguments
}

// Adapter is an agent executor backed by a local CLI.
type Adapter interface {
	agent.Executor

	// Available reports whether the CLI binary can be found.
	Available() bool

	// InstallHint tells the user how to install the CLI.
	InstallHint() string
}

package backend

import (
	"fmt"

	"github.com/aristath/delegator/internal/agent"
)

// New creates the CLI adapter for id.
func New(id agent.ID, cfg Config, pm *ProcessManager) (Adapter, error) {
	switch id {
	case agent.Jules:
		return NewJulesCLIAdapter(cfg, pm), nil
	case agent.Codex:
		return NewCodexAdapter(cfg, pm), nil
	}

	spec, ok := cliSpecs[id]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", id)
	}
	return newCLIAdapter(id, spec, cfg, pm), nil
}

// Discover builds an adapter for every id in configs and returns the ones
// whose CLI is installed, keyed by agent id.
func Discover(configs map[agent.ID]Config, pm *ProcessManager) (map[agent.ID]Adapter, error) {
	found := make(map[agent.ID]Adapter, len(configs))
	for id, cfg := range configs {
		adapter, err := New(id, cfg, pm)
		if err != nil {
			return nil, err
		}
		if adapter.Available() {
			found[id] = adapter
		}
	}
	return found, nil
}

package agent

import "sync"

// Registry maps agent IDs to executors. Each Registry is independent.
type Registry struct {
	mu        sync.RWMutex
	executors map[ID]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[ID]Executor)}
}

// Register stores exec under id, replacing any previous registration.
func (r *Registry) Register(id ID, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[id] = exec
}

// Get returns the executor for id.
func (r *Registry) Get(id ID) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[id]
	return exec, ok
}

// Available returns registered agent IDs in capability-matrix order.
func (r *Registry) Available() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ID, 0, len(r.executors))
	for _, id := range knownIDs {
		if _, ok := r.executors[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// IsAvailable reports whether id has a registered executor.
func (r *Registry) IsAvailable(id ID) bool {
	_, ok := r.Get(id)
	return ok
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

package scheduler

import (
	"slices"
	"sync"
)

// ResourceLockManager provides per-path mutual exclusion between tasks that
// write the same files. Tasks touching different paths run concurrently.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for path, creating it on first use.
func (r *ResourceLockManager) Lock(path string) {
	r.mu.Lock()
	l, exists := r.locks[path]
	if !exists {
		l = &sync.Mutex{}
		r.locks[path] = l
	}
	r.mu.Unlock()

	l.Lock()
}

// Unlock releases the mutex for path.
func (r *ResourceLockManager) Unlock(path string) {
	r.mu.Lock()
	l, exists := r.locks[path]
	r.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// LockAll acquires the locks for paths in sorted order, so two tasks with
// overlapping sets cannot deadlock. Duplicate paths are locked once.
func (r *ResourceLockManager) LockAll(paths []string) {
	for _, p := range normalize(paths) {
		r.Lock(p)
	}
}

// UnlockAll releases locks taken by LockAll in reverse order.
func (r *ResourceLockManager) UnlockAll(paths []string) {
	sorted := normalize(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func normalize(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}

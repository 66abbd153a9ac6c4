package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	v1 "github.com/kination/noteflow/api/v1"
)

// ErrNoExecutor is returned by Get when no executor handles the kind
var ErrNoExecutor = errors.New("no executor registered")

// Registry manages executor registration and lookup
type Registry struct {
	mu        sync.RWMutex
	executors map[v1.TaskKind]Executor
}

// NewRegistry creates a new executor registry
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[v1.TaskKind]Executor),
	}
}

// Register adds an executor to the registry. A later registration for the
// same kind replaces the earlier one.
func (r *Registry) Register(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kind := range exec.Kinds() {
		r.executors[kind] = exec
	}
}

// Get retrieves an executor for the given task kind
func (r *Registry) Get(kind v1.TaskKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w for task kind: %s", ErrNoExecutor, kind)
	}
	return exec, nil
}

// Has checks if an executor is registered for the given task kind
func (r *Registry) Has(kind v1.TaskKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.executors[kind]
	return ok
}

// Kinds returns all registered task kinds, sorted
func (r *Registry) Kinds() []v1.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]v1.TaskKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

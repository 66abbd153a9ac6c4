package executor

import (
	"context"
	"errors"
	"sync"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/noteflow/api/v1"
)

var log = ctrl.Log.WithName("runner")

// Runner executes task attempts through the registry. It satisfies the queue's
// TaskRunner interface and turns Abort into cancellation of the attempt context.
type Runner struct {
	registry *Registry

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewRunner creates a Runner backed by registry
func NewRunner(registry *Registry) *Runner {
	return &Runner{
		registry: registry,
		running:  make(map[string]context.CancelFunc),
	}
}

// Run executes one attempt of task with the executor for its kind
func (r *Runner) Run(ctx context.Context, task v1.TaskRecord) (map[string]any, error) {
	exec, err := r.registry.Get(task.Kind)
	if err != nil {
		return nil, v1.NewTaskError(v1.CodeValidation, "%v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[task.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()
		cancel()
	}()

	log.V(1).Info("Running task", "task", task.ID, "node", task.NodeID, "kind", task.Kind, "provider", task.ProviderRef)
	result, err := exec.Execute(runCtx, task)
	if err == nil {
		return result, nil
	}

	var te *v1.TaskError
	if errors.As(err, &te) {
		return nil, te
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, v1.NewTaskError(v1.CodeTimeout, "%v", err)
	case runCtx.Err() != nil:
		return nil, v1.NewTaskError(v1.CodeCancelled, "%v", err)
	}
	return nil, err
}

// Abort cancels the attempt in progress for taskID, if any
func (r *Runner) Abort(taskID string) {
	r.mu.Lock()
	cancel, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		log.Info("Aborting task", "task", taskID)
		cancel()
	}
}

// Running returns how many attempts are in progress
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

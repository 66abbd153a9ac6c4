// Package executor provides the Executor interface, the registry that maps task
// kinds to executors, and the Runner the queue hands task attempts to.
package executor

import (
	"context"

	v1 "github.com/kination/noteflow/api/v1"
)

// Executor defines the interface for executing tasks.
// Different implementations handle different task kinds (external commands, in-process functions).
type Executor interface {
	// Kinds returns the task kind(s) this executor handles
	Kinds() []v1.TaskKind

	// Execute runs one attempt and returns the result map. Failures should be
	// *v1.TaskError values so the queue can classify them.
	Execute(ctx context.Context, task v1.TaskRecord) (map[string]any, error)
}

// Func adapts a function to the Executor interface for the given kinds.
type Func struct {
	For []v1.TaskKind
	Fn  func(ctx context.Context, task v1.TaskRecord) (map[string]any, error)
}

// Kinds implements Executor
func (f Func) Kinds() []v1.TaskKind { return f.For }

// Execute implements Executor
func (f Func) Execute(ctx context.Context, task v1.TaskRecord) (map[string]any, error) {
	return f.Fn(ctx, task)
}

// Package queue implements the task scheduler: per-resource mutual exclusion,
// bounded concurrency, retry classification and crash-recovery persistence.
package queue

import (
	"context"
	"time"

	v1 "github.com/kination/noteflow/api/v1"
)

// TaskRunner executes task attempts. The queue calls Run once per attempt on
// its own goroutine and routes success or failure only on the returned error.
type TaskRunner interface {
	// Run executes one attempt. Returning a *v1.TaskError sets the error code
	// used for retry classification.
	Run(ctx context.Context, task v1.TaskRecord) (map[string]any, error)

	// Abort asks the runner to stop the attempt in progress for taskID.
	// Best effort; the queue does not wait for it.
	Abort(taskID string)
}

// StateStore persists the recovery snapshot of the queue.
type StateStore interface {
	// Load returns the last saved state, or nil when nothing was saved yet
	Load(ctx context.Context) (*State, error)

	// Save replaces the saved state
	Save(ctx context.Context, state *State) error
}

// EventType defines the type of queue event
type EventType string

const (
	// EventTaskAdded is emitted when a task is enqueued
	EventTaskAdded EventType = "task-added"
	// EventTaskStarted is emitted when a task is handed to the runner
	EventTaskStarted EventType = "task-started"
	// EventTaskCompleted is emitted when an attempt succeeds
	EventTaskCompleted EventType = "task-completed"
	// EventTaskFailed is emitted when an attempt fails; WillRetry tells whether
	// the task went back to Pending
	EventTaskFailed EventType = "task-failed"
	// EventTaskCancelled is emitted when a task is cancelled
	EventTaskCancelled EventType = "task-cancelled"
	// EventQueuePaused is emitted when scheduling is paused
	EventQueuePaused EventType = "queue-paused"
	// EventQueueResumed is emitted when scheduling resumes
	EventQueueResumed EventType = "queue-resumed"
)

// Event is published to queue subscribers.
type Event struct {
	Type   EventType
	TaskID string
	// Task is a snapshot of the record after the transition. Nil for queue-level events.
	Task      *v1.TaskRecord
	WillRetry bool
	Timestamp time.Time
}

// Filter selects tasks in List. Zero fields match everything.
type Filter struct {
	NodeID     string
	PipelineID string
	States     []v1.TaskState
}

func (f Filter) matches(t *v1.TaskRecord) bool {
	if f.NodeID != "" && t.NodeID != f.NodeID {
		return false
	}
	if f.PipelineID != "" && t.PipelineID != f.PipelineID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}

// Stats counts tasks by state.
type Stats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Paused    bool
}

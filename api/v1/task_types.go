// Package v1 holds the data model shared by the queue, the executors and the
// pipeline orchestrators.
package v1

import (
	"fmt"
	"time"
)

// TaskKind defines the kind of knowledge-base operation a task performs
type TaskKind string

const (
	KindDefine        TaskKind = "define"
	KindTag           TaskKind = "tag"
	KindWrite         TaskKind = "write"
	KindAmend         TaskKind = "amend"
	KindMerge         TaskKind = "merge"
	KindIndex         TaskKind = "index"
	KindVerify        TaskKind = "verify"
	KindImageGenerate TaskKind = "image-generate"
)

// AllKinds lists every task kind in declaration order.
var AllKinds = []TaskKind{
	KindDefine, KindTag, KindWrite, KindAmend, KindMerge, KindIndex, KindVerify, KindImageGenerate,
}

// Valid reports whether k is one of the known task kinds.
func (k TaskKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// TaskState represents the current state of an individual task.
type TaskState string

const (
	StatePending   TaskState = "Pending"
	StateRunning   TaskState = "Running"
	StateCompleted TaskState = "Completed"
	StateFailed    TaskState = "Failed"
	StateCancelled TaskState = "Cancelled"
)

// Active reports whether the state still owns its resource.
func (s TaskState) Active() bool {
	return s == StatePending || s == StateRunning
}

// Terminal reports whether the task is done from the scheduler's point of view.
// Failed counts as terminal here: a retry moves the task back to Pending before
// the failure is ever observed as final.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskError is one failed attempt.
type TaskError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
}

// NewTaskError builds an error executors can return to carry a classification code.
func NewTaskError(code, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TaskRecord is the unit of schedulable work.
type TaskRecord struct {
	ID         string   `json:"id"`
	NodeID     string   `json:"nodeId"`
	Kind       TaskKind `json:"kind"`
	PipelineID string   `json:"pipelineId,omitempty"`

	State       TaskState `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LockKey     string    `json:"lockKey"`
	TypeLockKey string    `json:"typeLockKey,omitempty"`
	ProviderRef string    `json:"providerRef,omitempty"`
	PromptRef   string    `json:"promptRef,omitempty"`

	Payload Payload        `json:"-"`
	Result  map[string]any `json:"result,omitempty"`
	Errors  []TaskError    `json:"errors,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// NotBefore holds a retry back in Pending until the backoff has elapsed.
	NotBefore *time.Time `json:"notBefore,omitempty"`
}

// LastError returns the most recent error record, if any.
func (t *TaskRecord) LastError() *TaskError {
	if len(t.Errors) == 0 {
		return nil
	}
	e := t.Errors[len(t.Errors)-1]
	return &e
}

// Clone returns a copy that shares nothing mutable with t. Payloads are
// immutable values and are shared.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Errors != nil {
		cp.Errors = append([]TaskError(nil), t.Errors...)
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.NotBefore = cloneTime(t.NotBefore)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

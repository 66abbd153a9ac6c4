// Package pipeline orchestrates multi-stage note workflows (create, amend,
// merge, verify) on top of the task queue: snapshot, generate, review, write,
// reindex and optional verification.
package pipeline

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/queue"
)

// Kind is the workflow a pipeline runs
type Kind string

const (
	KindCreate Kind = "create"
	KindAmend  Kind = "amend"
	KindMerge  Kind = "merge"
	KindVerify Kind = "verify"
)

// ParseKind validates a workflow name
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := workflows[k]; !ok {
		return "", fmt.Errorf("unknown workflow %q", s)
	}
	return k, nil
}

// Stage is the position of a pipeline in its workflow
type Stage string

const (
	StageIdle       Stage = "idle"
	StageGenerating Stage = "generating"
	StageReview     Stage = "review_changes"
	StageWriting    Stage = "writing"
	StageIndexing   Stage = "indexing"
	StageVerifying  Stage = "verifying"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether the pipeline is finished
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

type workflow struct {
	taskKind       v1.TaskKind
	review         bool
	requireContent bool
	reindex        bool
}

var workflows = map[Kind]workflow{
	KindCreate: {taskKind: v1.KindWrite, review: true, reindex: true},
	KindAmend:  {taskKind: v1.KindAmend, review: true, requireContent: true, reindex: true},
	KindMerge:  {taskKind: v1.KindMerge, requireContent: true, reindex: true},
	KindVerify: {taskKind: v1.KindVerify, requireContent: true},
}

// ErrorInfo is the failure recorded on a pipeline
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// PipelineContext is the state of one pipeline run.
type PipelineContext struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType,omitempty"`
	Title    string `json:"title,omitempty"`
	FilePath string `json:"filePath"`
	Stage    Stage  `json:"stage"`

	UserInput    string `json:"userInput,omitempty"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
	SourcePath   string `json:"sourcePath,omitempty"`

	// PreviousContent is what the file held when generation started. The
	// write is refused unless the file still holds exactly this.
	PreviousContent string `json:"previousContent"`
	Existed         bool   `json:"existed"`
	SourceContent   string `json:"sourceContent,omitempty"`
	NewContent      string `json:"newContent,omitempty"`
	Diff            string `json:"diff,omitempty"`

	SnapshotIDs        []string       `json:"snapshotIds,omitempty"`
	TaskID             string         `json:"taskId,omitempty"`
	VerifyTaskID       string         `json:"verifyTaskId,omitempty"`
	VerificationResult map[string]any `json:"verificationResult,omitempty"`
	Error              *ErrorInfo     `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *PipelineContext) clone() *PipelineContext {
	cp := *c
	cp.SnapshotIDs = append([]string(nil), c.SnapshotIDs...)
	if c.VerificationResult != nil {
		cp.VerificationResult = make(map[string]any, len(c.VerificationResult))
		for k, v := range c.VerificationResult {
			cp.VerificationResult[k] = v
		}
	}
	if c.Error != nil {
		e := *c.Error
		cp.Error = &e
	}
	return &cp
}

// EventType defines the type of pipeline event
type EventType string

const (
	EventStageChanged         EventType = "stage_changed"
	EventConfirmationRequired EventType = "confirmation_required"
	EventTaskCompleted        EventType = "task_completed"
	EventTaskFailed           EventType = "task_failed"
	EventPipelineCompleted    EventType = "pipeline_completed"
	EventPipelineFailed       EventType = "pipeline_failed"
)

// Event is published to pipeline subscribers
type Event struct {
	Type       EventType
	PipelineID string
	Stage      Stage
	Context    *PipelineContext
	Timestamp  time.Time
}

// StartRequest starts a pipeline
type StartRequest struct {
	NodeID string
	// FilePath defaults to NodeID + ".md"
	FilePath  string
	NodeType  string
	Title     string
	UserInput string
	// SourceNodeID and SourcePath name the note merged into NodeID
	SourceNodeID string
	SourcePath   string
}

// TaskQueue is the part of the task queue the orchestrator uses
type TaskQueue interface {
	Enqueue(req queue.EnqueueRequest) (*v1.TaskRecord, error)
	Cancel(taskID string) error
	List(f queue.Filter) []*v1.TaskRecord
	Subscribe(fn func(queue.Event)) (unsubscribe func())
}

// DocumentStore reads and writes notes by path
type DocumentStore interface {
	Read(ctx context.Context, path string) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
	WriteAtomic(ctx context.Context, path, content string) error
	Delete(ctx context.Context, path string) error
}

// SnapshotService records undo points
type SnapshotService interface {
	CreateSnapshot(ctx context.Context, path, content, ownerID string) (string, error)
}

// VectorIndex stores note embeddings
type VectorIndex interface {
	Upsert(ctx context.Context, nodeID string, vec []float32) error
	Delete(ctx context.Context, nodeID string) error
}

// Embedder computes note embeddings
type Embedder interface {
	Embed(ctx context.Context, nodeID, filePath, content string) ([]float32, error)
}

// DuplicateService tracks duplicate candidates between notes
type DuplicateService interface {
	Detect(ctx context.Context, nodeID string) ([]string, error)
	ClearForNode(ctx context.Context, nodeID string) error
}

// ProviderResolver reports the provider and prompt configured for a task kind
type ProviderResolver interface {
	Resolve(kind v1.TaskKind) (provider, prompt string, ok bool)
}

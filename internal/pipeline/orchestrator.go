package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/event"
	"github.com/kination/noteflow/internal/queue"
	"github.com/kination/noteflow/internal/store"
)

var log = ctrl.Log.WithName("pipeline")

// Deps are the collaborators of an orchestrator. Queue, Documents and
// Snapshots are required; the index collaborators and Records are optional.
type Deps struct {
	Queue      TaskQueue
	Documents  DocumentStore
	Snapshots  SnapshotService
	Vectors    VectorIndex
	Embedder   Embedder
	Duplicates DuplicateService
	Providers  ProviderResolver
	// Records keeps review-pending pipelines across restarts
	Records store.Store
}

// Options tune an orchestrator
type Options struct {
	// AutoVerify chains a verify task after a successful write
	AutoVerify bool
	// Language selects user-facing error messages ("en", "zh")
	Language string
	// MaxHistory bounds how many finished pipelines are kept for Get and
	// List; the oldest are forgotten first
	MaxHistory int
	Clock      clock.PassiveClock
}

// DefaultMaxHistory is used when Options.MaxHistory is not positive
const DefaultMaxHistory = 100

type entry struct {
	mu sync.Mutex
	pc *PipelineContext
}

// Orchestrator runs pipelines of one workflow kind. Several orchestrators can
// share a queue; each only reacts to tasks tagged with its own pipeline ids.
type Orchestrator struct {
	kind  Kind
	wf    workflow
	deps  Deps
	opts  Options
	clock clock.PassiveClock

	mu        sync.Mutex
	pipelines map[string]*entry
	finished  []string
	closed    bool
	wg        sync.WaitGroup

	events      *event.Bus[Event]
	unsubscribe func()
}

// New creates an orchestrator for kind and subscribes it to the queue.
func New(kind Kind, deps Deps, opts Options) (*Orchestrator, error) {
	wf, ok := workflows[kind]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", kind)
	}
	switch {
	case deps.Queue == nil:
		return nil, errors.New("task queue is required")
	case deps.Documents == nil:
		return nil, errors.New("document store is required")
	case deps.Snapshots == nil:
		return nil, errors.New("snapshot service is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	o := &Orchestrator{
		kind:      kind,
		wf:        wf,
		deps:      deps,
		opts:      opts,
		clock:     opts.Clock,
		pipelines: make(map[string]*entry),
		events:    event.NewBus[Event](),
	}
	o.unsubscribe = deps.Queue.Subscribe(o.onQueueEvent)
	return o, nil
}

// NewCreate creates the orchestrator for new notes
func NewCreate(deps Deps, opts Options) (*Orchestrator, error) { return New(KindCreate, deps, opts) }

// NewAmend creates the orchestrator for instructed edits
func NewAmend(deps Deps, opts Options) (*Orchestrator, error) { return New(KindAmend, deps, opts) }

// NewMerge creates the orchestrator that folds a source note into a target
func NewMerge(deps Deps, opts Options) (*Orchestrator, error) { return New(KindMerge, deps, opts) }

// NewVerify creates the orchestrator for fact-check reports
func NewVerify(deps Deps, opts Options) (*Orchestrator, error) { return New(KindVerify, deps, opts) }

// Kind returns the workflow of this orchestrator
func (o *Orchestrator) Kind() Kind {
	return o.kind
}

// Subscribe registers fn for pipeline events. Handlers run synchronously and
// must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) (unsubscribe func()) {
	return o.events.Subscribe(fn)
}

// Close detaches from the queue and waits for event handling in progress.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.unsubscribe()
	o.wg.Wait()
}

// Start validates preconditions, snapshots the target and enqueues the
// generation task.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*PipelineContext, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	if o.deps.Providers != nil {
		if _, _, ok := o.deps.Providers.Resolve(o.wf.taskKind); !ok {
			return nil, o.localized(CodeProviderNotConfigured, o.wf.taskKind)
		}
	}
	if o.kind == KindMerge && o.nodeBusy(req.SourceNodeID) {
		return nil, o.localized(CodeNodeBusy, req.SourceNodeID)
	}

	now := o.clock.Now()
	pc := &PipelineContext{
		ID:           uuid.NewString(),
		Kind:         o.kind,
		NodeID:       req.NodeID,
		NodeType:     req.NodeType,
		Title:        req.Title,
		FilePath:     req.FilePath,
		Stage:        StageIdle,
		UserInput:    req.UserInput,
		SourceNodeID: req.SourceNodeID,
		SourcePath:   req.SourcePath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if pc.FilePath == "" {
		pc.FilePath = req.NodeID + ".md"
	}
	if o.kind == KindMerge && pc.SourcePath == "" {
		pc.SourcePath = req.SourceNodeID + ".md"
	}
	if pc.Title == "" {
		pc.Title = path.Base(req.NodeID)
	}
	if pc.NodeType == "" {
		pc.NodeType = "note"
	}

	if err := o.capture(ctx, pc); err != nil {
		return nil, err
	}

	e := &entry{pc: pc}
	e.mu.Lock()
	o.mu.Lock()
	o.pipelines[pc.ID] = e
	o.mu.Unlock()

	task, perr := o.enqueue(pc)
	if perr != nil {
		e.mu.Unlock()
		o.mu.Lock()
		delete(o.pipelines, pc.ID)
		o.mu.Unlock()
		return nil, perr
	}
	var b batch
	pc.TaskID = task.ID
	o.setStage(&b, pc, StageGenerating)
	cp := pc.clone()
	e.mu.Unlock()

	log.Info("pipeline started", "pipeline", pc.ID, "kind", o.kind, "node", pc.NodeID, "task", task.ID)
	o.publish(b)
	return cp, nil
}

func (o *Orchestrator) validate(req StartRequest) *Error {
	if strings.TrimSpace(req.NodeID) == "" {
		return errorf(CodeInvalidInput, "node id is required")
	}
	switch o.kind {
	case KindAmend:
		if strings.TrimSpace(req.UserInput) == "" {
			return errorf(CodeInvalidInput, "an instruction is required to amend %s", req.NodeID)
		}
	case KindMerge:
		if req.SourceNodeID == "" {
			return errorf(CodeInvalidInput, "a source node is required to merge into %s", req.NodeID)
		}
		if req.SourceNodeID == req.NodeID {
			return errorf(CodeInvalidInput, "cannot merge %s into itself", req.NodeID)
		}
	}
	return nil
}

// capture reads the current content and records undo snapshots. A snapshot
// failure aborts the pipeline before anything is enqueued.
func (o *Orchestrator) capture(ctx context.Context, pc *PipelineContext) *Error {
	content, exists, err := o.read(ctx, pc.FilePath)
	if err != nil {
		return errorf(CodeMissingContent, "failed to read %s: %v", pc.FilePath, err)
	}
	if o.wf.requireContent && (!exists || strings.TrimSpace(content) == "") {
		return o.localized(CodeMissingContent, pc.FilePath)
	}
	var source string
	if o.kind == KindMerge {
		var srcExists bool
		source, srcExists, err = o.read(ctx, pc.SourcePath)
		if err != nil {
			return errorf(CodeMissingContent, "failed to read %s: %v", pc.SourcePath, err)
		}
		if !srcExists || strings.TrimSpace(source) == "" {
			return o.localized(CodeMissingContent, pc.SourcePath)
		}
	}

	snapshots := []string{}
	id, err := o.deps.Snapshots.CreateSnapshot(ctx, pc.FilePath, content, pc.ID)
	if err != nil {
		log.Error(err, "snapshot failed, aborting pipeline", "pipeline", pc.ID, "path", pc.FilePath)
		return o.localized(CodeSnapshotFailed, pc.FilePath)
	}
	snapshots = append(snapshots, id)
	if o.kind == KindMerge {
		id, err := o.deps.Snapshots.CreateSnapshot(ctx, pc.SourcePath, source, pc.ID)
		if err != nil {
			log.Error(err, "snapshot failed, aborting pipeline", "pipeline", pc.ID, "path", pc.SourcePath)
			return o.localized(CodeSnapshotFailed, pc.SourcePath)
		}
		snapshots = append(snapshots, id)
	}

	pc.PreviousContent = content
	pc.Existed = exists
	pc.SourceContent = source
	pc.SnapshotIDs = append(pc.SnapshotIDs, snapshots...)
	return nil
}

func (o *Orchestrator) read(ctx context.Context, p string) (string, bool, error) {
	exists, err := o.deps.Documents.Exists(ctx, p)
	if err != nil || !exists {
		return "", false, err
	}
	content, err := o.deps.Documents.Read(ctx, p)
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

func (o *Orchestrator) payload(pc *PipelineContext) v1.Payload {
	switch o.kind {
	case KindCreate:
		return v1.WritePayload{NodeType: pc.NodeType, Title: pc.Title, CurrentContent: pc.PreviousContent, UserInput: pc.UserInput}
	case KindAmend:
		return v1.AmendPayload{CurrentContent: pc.PreviousContent, Instruction: pc.UserInput}
	case KindMerge:
		return v1.MergePayload{
			TargetContent: pc.PreviousContent,
			SourceNodeID:  pc.SourceNodeID,
			SourceContent: pc.SourceContent,
			Instruction:   pc.UserInput,
		}
	default:
		return v1.VerifyPayload{NodeType: pc.NodeType, Content: pc.PreviousContent}
	}
}

// enqueue submits the generation task for pc. A busy node is reported as
// NODE_BUSY rather than a generic failure.
func (o *Orchestrator) enqueue(pc *PipelineContext) (*v1.TaskRecord, *Error) {
	return o.submit(pc, o.wf.taskKind, o.payload(pc))
}

func (o *Orchestrator) submit(pc *PipelineContext, kind v1.TaskKind, payload v1.Payload) (*v1.TaskRecord, *Error) {
	var provider, prompt string
	if o.deps.Providers != nil {
		provider, prompt, _ = o.deps.Providers.Resolve(kind)
	}
	task, err := o.deps.Queue.Enqueue(queue.EnqueueRequest{
		NodeID:      pc.NodeID,
		Kind:        kind,
		Payload:     payload,
		PipelineID:  pc.ID,
		ProviderRef: provider,
		PromptRef:   prompt,
	})
	if errors.Is(err, queue.ErrResourceBusy) {
		return nil, o.localized(CodeNodeBusy, pc.NodeID)
	}
	if err != nil {
		return nil, errorf(CodeEnqueueFailed, "failed to enqueue %s task: %v", kind, err)
	}
	return task, nil
}

// nodeBusy reports whether the queue holds a pending or running task for nodeID.
func (o *Orchestrator) nodeBusy(nodeID string) bool {
	active := o.deps.Queue.List(queue.Filter{NodeID: nodeID, States: []v1.TaskState{v1.StatePending, v1.StateRunning}})
	return len(active) > 0
}

func (o *Orchestrator) localized(code ErrorCode, args ...any) *Error {
	return &Error{Code: code, Message: Message(o.opts.Language, code, args...)}
}

func (o *Orchestrator) lookup(id string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.pipelines[id]
	if !ok {
		return nil, errorf(CodeNotFound, "pipeline %s not found", id)
	}
	return e, nil
}

// ConfirmWrite writes the reviewed content. If the file changed since the
// preview was built the write is refused with WRITE_CONFLICT and the pipeline
// stays in review. It stays in review on NODE_BUSY as well.
func (o *Orchestrator) ConfirmWrite(ctx context.Context, id string) (*PipelineContext, error) {
	e, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	pc := e.pc
	if pc.Stage != StageReview {
		stage := pc.Stage
		e.mu.Unlock()
		return nil, errorf(CodeInvalidStage, "pipeline %s is %s, not awaiting confirmation", id, stage)
	}
	var b batch
	perr := o.commit(ctx, &b, pc)
	if perr != nil && perr.Code != CodeWriteConflict && perr.Code != CodeNodeBusy {
		o.fail(ctx, &b, pc, perr)
	}
	cp := pc.clone()
	e.mu.Unlock()

	o.publish(b)
	if perr != nil {
		return cp, perr
	}
	return cp, nil
}

// Regenerate re-reads the target and runs generation again, typically after
// a write conflict.
func (o *Orchestrator) Regenerate(ctx context.Context, id string) (*PipelineContext, error) {
	e, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	pc := e.pc
	if pc.Stage != StageReview {
		stage := pc.Stage
		e.mu.Unlock()
		return nil, errorf(CodeInvalidStage, "pipeline %s is %s, not awaiting confirmation", id, stage)
	}

	next := pc.clone()
	next.SnapshotIDs = nil
	if perr := o.capture(ctx, next); perr != nil {
		e.mu.Unlock()
		return nil, perr
	}
	task, perr := o.enqueue(next)
	if perr != nil {
		e.mu.Unlock()
		return nil, perr
	}
	next.SnapshotIDs = append(pc.SnapshotIDs, next.SnapshotIDs...)
	next.TaskID = task.ID
	next.NewContent = ""
	next.Diff = ""
	next.Error = nil
	*pc = *next

	o.deleteRecord(ctx, pc.ID)
	var b batch
	o.setStage(&b, pc, StageGenerating)
	cp := pc.clone()
	e.mu.Unlock()

	log.Info("pipeline regenerating", "pipeline", id, "task", task.ID)
	o.publish(b)
	return cp, nil
}

// Cancel fails the pipeline with USER_CANCELLED and cancels its queued tasks.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*PipelineContext, error) {
	e, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	pc := e.pc
	if pc.Stage.Terminal() {
		stage := pc.Stage
		e.mu.Unlock()
		return nil, errorf(CodeInvalidStage, "pipeline %s is already %s", id, stage)
	}
	var b batch
	o.fail(ctx, &b, pc, o.localized(CodeUserCancelled))
	cp := pc.clone()
	e.mu.Unlock()

	active := o.deps.Queue.List(queue.Filter{PipelineID: id, States: []v1.TaskState{v1.StatePending, v1.StateRunning}})
	for _, t := range active {
		if err := o.deps.Queue.Cancel(t.ID); err != nil && !errors.Is(err, queue.ErrInvalidState) && !errors.Is(err, queue.ErrNotFound) {
			log.Error(err, "failed to cancel pipeline task", "pipeline", id, "task", t.ID)
		}
	}
	o.publish(b)
	return cp, nil
}

// Get returns a copy of the pipeline context
func (o *Orchestrator) Get(id string) (*PipelineContext, error) {
	e, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc.clone(), nil
}

// List returns copies of all pipelines, oldest first
func (o *Orchestrator) List() []*PipelineContext {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.pipelines))
	for _, e := range o.pipelines {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	out := make([]*PipelineContext, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pc.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

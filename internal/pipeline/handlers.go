package pipeline

import (
	"context"
	"fmt"
	"strings"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/note"
	"github.com/kination/noteflow/internal/queue"
)

// batch collects events while a pipeline is locked; they are published
// after the lock is released.
type batch []Event

func (o *Orchestrator) emit(b *batch, typ EventType, pc *PipelineContext) {
	*b = append(*b, Event{
		Type:       typ,
		PipelineID: pc.ID,
		Stage:      pc.Stage,
		Context:    pc.clone(),
		Timestamp:  o.clock.Now(),
	})
}

func (o *Orchestrator) setStage(b *batch, pc *PipelineContext, stage Stage) {
	if pc.Stage == stage {
		return
	}
	log.V(1).Info("pipeline stage changed", "pipeline", pc.ID, "from", pc.Stage, "to", stage)
	pc.Stage = stage
	pc.UpdatedAt = o.clock.Now()
	o.emit(b, EventStageChanged, pc)
}

func (o *Orchestrator) fail(ctx context.Context, b *batch, pc *PipelineContext, perr *Error) {
	pc.Error = &ErrorInfo{Code: perr.Code, Message: perr.Message}
	o.setStage(b, pc, StageFailed)
	o.emit(b, EventPipelineFailed, pc)
	o.deleteRecord(ctx, pc.ID)
	o.retire(pc.ID)
	log.Info("pipeline failed", "pipeline", pc.ID, "kind", pc.Kind, "node", pc.NodeID, "code", perr.Code, "reason", perr.Message)
}

func (o *Orchestrator) complete(b *batch, pc *PipelineContext) {
	o.setStage(b, pc, StageCompleted)
	o.emit(b, EventPipelineCompleted, pc)
	o.retire(pc.ID)
	log.Info("pipeline completed", "pipeline", pc.ID, "kind", pc.Kind, "node", pc.NodeID)
}

// retire records a finished pipeline and forgets the oldest finished ones
// beyond MaxHistory. Callers hold the pipeline's entry lock.
func (o *Orchestrator) retire(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, id)
	for len(o.finished) > o.opts.MaxHistory {
		delete(o.pipelines, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func (o *Orchestrator) publish(b batch) {
	for _, ev := range b {
		o.events.Publish(ev)
	}
}

// onQueueEvent runs on the queue's publishing goroutine, so the real work is
// handed to a goroutine of its own.
func (o *Orchestrator) onQueueEvent(ev queue.Event) {
	if ev.Task == nil || ev.Task.PipelineID == "" {
		return
	}
	switch ev.Type {
	case queue.EventTaskCompleted, queue.EventTaskCancelled:
	case queue.EventTaskFailed:
		if ev.WillRetry {
			return
		}
	default:
		return
	}

	o.mu.Lock()
	e, ok := o.pipelines[ev.Task.PipelineID]
	if !ok || o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.handleTask(context.Background(), e, ev)
	}()
}

func (o *Orchestrator) handleTask(ctx context.Context, e *entry, ev queue.Event) {
	e.mu.Lock()
	pc := e.pc
	var b batch
	switch {
	case pc.Stage.Terminal():
	case ev.TaskID == pc.TaskID && pc.Stage == StageGenerating:
		o.onGenerated(ctx, &b, pc, ev)
	case ev.TaskID == pc.VerifyTaskID && pc.Stage == StageVerifying:
		o.onVerified(ctx, &b, pc, ev)
	default:
		log.V(1).Info("ignoring task event", "pipeline", pc.ID, "task", ev.TaskID, "stage", pc.Stage)
	}
	e.mu.Unlock()
	o.publish(b)
}

func taskFailure(task *v1.TaskRecord) string {
	if last := task.LastError(); last != nil {
		return fmt.Sprintf("%s task failed: %s: %s", task.Kind, last.Code, last.Message)
	}
	return fmt.Sprintf("%s task was %s", task.Kind, strings.ToLower(string(task.State)))
}

func (o *Orchestrator) onGenerated(ctx context.Context, b *batch, pc *PipelineContext, ev queue.Event) {
	if ev.Type != queue.EventTaskCompleted {
		o.emit(b, EventTaskFailed, pc)
		o.fail(ctx, b, pc, errorf(CodeTaskFailed, "%s", taskFailure(ev.Task)))
		return
	}
	o.emit(b, EventTaskCompleted, pc)

	if perr := o.applyResult(pc, ev.Task.Result); perr != nil {
		o.fail(ctx, b, pc, perr)
		return
	}
	pc.Diff = note.Diff(pc.FilePath, pc.PreviousContent, pc.NewContent)

	if o.wf.review {
		o.setStage(b, pc, StageReview)
		o.saveRecord(ctx, pc)
		o.emit(b, EventConfirmationRequired, pc)
		return
	}
	if perr := o.commit(ctx, b, pc); perr != nil {
		o.fail(ctx, b, pc, perr)
	}
}

// applyResult renders the new note content from a generation result.
func (o *Orchestrator) applyResult(pc *PipelineContext, result map[string]any) *Error {
	if len(result) == 0 {
		return errorf(CodeMissingResult, "%s task returned no result", o.wf.taskKind)
	}
	if o.wf.requireContent && strings.TrimSpace(pc.PreviousContent) == "" {
		return o.localized(CodeMissingContent, pc.FilePath)
	}
	if o.kind == KindVerify {
		pc.VerificationResult = result
		pc.NewContent = note.AppendReport(pc.PreviousContent, result)
		return nil
	}

	if _, ok := result[note.ContentKey].(string); !ok {
		return errorf(CodeMissingResult, "%s task result has no %q field", o.wf.taskKind, note.ContentKey)
	}
	n, err := note.Parse(pc.PreviousContent)
	if err != nil {
		return errorf(CodeInvalidMetadata, "cannot parse %s: %v", pc.FilePath, err)
	}
	if err := n.Merge(result); err != nil {
		return errorf(CodeInvalidMetadata, "cannot apply result to %s: %v", pc.FilePath, err)
	}
	if o.kind == KindCreate {
		n.SetDefault("title", pc.Title)
		n.SetDefault("type", pc.NodeType)
	}
	rendered, err := n.Render()
	if err != nil {
		return errorf(CodeInvalidMetadata, "cannot render %s: %v", pc.FilePath, err)
	}
	pc.NewContent = rendered
	return nil
}

// commit writes NewContent after checking the file still holds exactly the
// content the result was generated from, then reindexes and optionally
// chains verification.
func (o *Orchestrator) commit(ctx context.Context, b *batch, pc *PipelineContext) *Error {
	current, exists, err := o.read(ctx, pc.FilePath)
	if err != nil {
		return errorf(CodeWriteFailed, "failed to re-read %s: %v", pc.FilePath, err)
	}
	if exists != pc.Existed || current != pc.PreviousContent {
		log.Info("write refused, file changed since preview", "pipeline", pc.ID, "path", pc.FilePath)
		return o.localized(CodeWriteConflict, pc.FilePath)
	}
	if o.kind == KindMerge {
		if perr := o.checkSource(ctx, pc); perr != nil {
			return perr
		}
	}

	o.setStage(b, pc, StageWriting)
	if err := o.deps.Documents.WriteAtomic(ctx, pc.FilePath, pc.NewContent); err != nil {
		return errorf(CodeWriteFailed, "failed to write %s: %v", pc.FilePath, err)
	}
	o.deleteRecord(ctx, pc.ID)

	if o.kind == KindMerge {
		if err := o.deps.Documents.Delete(ctx, pc.SourcePath); err != nil {
			log.Error(err, "failed to delete merged source", "pipeline", pc.ID, "path", pc.SourcePath)
		}
		o.dropIndex(ctx, pc.SourceNodeID)
	}
	if o.wf.reindex {
		o.setStage(b, pc, StageIndexing)
		o.reindex(ctx, pc)
	}
	if o.opts.AutoVerify && o.kind != KindVerify && o.startVerify(b, pc) {
		return nil
	}
	o.complete(b, pc)
	return nil
}

// checkSource refuses a merge when the source has a task of its own or no
// longer holds the content that was merged.
func (o *Orchestrator) checkSource(ctx context.Context, pc *PipelineContext) *Error {
	if o.nodeBusy(pc.SourceNodeID) {
		log.Info("write refused, merge source is busy", "pipeline", pc.ID, "node", pc.SourceNodeID)
		return o.localized(CodeNodeBusy, pc.SourceNodeID)
	}
	current, exists, err := o.read(ctx, pc.SourcePath)
	if err != nil {
		return errorf(CodeWriteFailed, "failed to re-read %s: %v", pc.SourcePath, err)
	}
	if !exists || current != pc.SourceContent {
		log.Info("write refused, merge source changed", "pipeline", pc.ID, "path", pc.SourcePath)
		return o.localized(CodeWriteConflict, pc.SourcePath)
	}
	return nil
}

// reindex replaces the embedding of the written note. Duplicate pairs are
// cleared before the new embedding is computed; if embedding fails the old
// vector is removed too. Indexing failures never fail the pipeline.
func (o *Orchestrator) reindex(ctx context.Context, pc *PipelineContext) {
	if o.deps.Duplicates != nil {
		if err := o.deps.Duplicates.ClearForNode(ctx, pc.NodeID); err != nil {
			log.Error(err, "failed to clear duplicate candidates", "node", pc.NodeID)
		}
	}
	if o.deps.Vectors == nil {
		return
	}
	if o.deps.Embedder == nil {
		o.dropIndex(ctx, pc.NodeID)
		return
	}
	vec, err := o.deps.Embedder.Embed(ctx, pc.NodeID, pc.FilePath, pc.NewContent)
	if err == nil {
		err = o.deps.Vectors.Upsert(ctx, pc.NodeID, vec)
	}
	if err != nil {
		log.Error(err, "reindex failed, dropping stale embedding", "pipeline", pc.ID, "node", pc.NodeID)
		o.dropIndex(ctx, pc.NodeID)
		return
	}
	if o.deps.Duplicates != nil {
		found, err := o.deps.Duplicates.Detect(ctx, pc.NodeID)
		if err != nil {
			log.Error(err, "duplicate detection failed", "node", pc.NodeID)
		} else if len(found) > 0 {
			log.Info("possible duplicates", "node", pc.NodeID, "candidates", found)
		}
	}
}

func (o *Orchestrator) dropIndex(ctx context.Context, nodeID string) {
	if o.deps.Vectors != nil {
		if err := o.deps.Vectors.Delete(ctx, nodeID); err != nil {
			log.Error(err, "failed to delete embedding", "node", nodeID)
		}
	}
	if o.deps.Duplicates != nil {
		if err := o.deps.Duplicates.ClearForNode(ctx, nodeID); err != nil {
			log.Error(err, "failed to clear duplicate candidates", "node", nodeID)
		}
	}
}

// startVerify chains a verify task. It reports false when verification is
// not possible, in which case the pipeline completes without it.
func (o *Orchestrator) startVerify(b *batch, pc *PipelineContext) bool {
	if o.deps.Providers != nil {
		if _, _, ok := o.deps.Providers.Resolve(v1.KindVerify); !ok {
			log.V(1).Info("skipping verification, no provider", "pipeline", pc.ID)
			return false
		}
	}
	task, perr := o.submit(pc, v1.KindVerify, v1.VerifyPayload{NodeType: pc.NodeType, Content: pc.NewContent})
	if perr != nil {
		log.Info("skipping verification", "pipeline", pc.ID, "reason", perr.Message)
		return false
	}
	pc.VerifyTaskID = task.ID
	o.setStage(b, pc, StageVerifying)
	return true
}

// onVerified appends the verification report to the note. The note is
// snapshotted first; any failure here still completes the pipeline.
func (o *Orchestrator) onVerified(ctx context.Context, b *batch, pc *PipelineContext, ev queue.Event) {
	defer o.complete(b, pc)
	if ev.Type != queue.EventTaskCompleted {
		o.emit(b, EventTaskFailed, pc)
		log.Info("verification did not complete", "pipeline", pc.ID, "reason", taskFailure(ev.Task))
		return
	}
	o.emit(b, EventTaskCompleted, pc)
	if len(ev.Task.Result) == 0 {
		log.Info("verification returned no report", "pipeline", pc.ID)
		return
	}
	pc.VerificationResult = ev.Task.Result

	current, exists, err := o.read(ctx, pc.FilePath)
	if err != nil || !exists {
		log.Info("note missing, report not appended", "pipeline", pc.ID, "path", pc.FilePath)
		return
	}
	id, err := o.deps.Snapshots.CreateSnapshot(ctx, pc.FilePath, current, pc.ID)
	if err != nil {
		log.Error(err, "snapshot failed, report not appended", "pipeline", pc.ID)
		return
	}
	pc.SnapshotIDs = append(pc.SnapshotIDs, id)
	updated := note.AppendReport(current, ev.Task.Result)
	if err := o.deps.Documents.WriteAtomic(ctx, pc.FilePath, updated); err != nil {
		log.Error(err, "failed to append verification report", "pipeline", pc.ID)
		return
	}
	pc.NewContent = updated
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/queue"
)

const raftNote = "---\ntitle: Raft\n---\nold body\n"

var _ = Describe("Orchestrator", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	Describe("amend", func() {
		var o *Orchestrator

		BeforeEach(func() {
			o = h.orchestrator(KindAmend, Options{})
			h.write("note.md", raftNote)
			h.exec.on(v1.KindAmend, reply(map[string]any{
				"content": "new body\n",
				"tags":    []any{"consensus"},
			}))
		})

		It("waits for confirmation before writing", func() {
			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())
			Expect(pc.Stage).To(Equal(StageGenerating))
			Expect(pc.SnapshotIDs).To(HaveLen(1))

			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))
			Expect(h.read("note.md")).To(Equal(raftNote))

			review, err := o.Get(pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(review.Diff).To(ContainSubstring("-old body"))
			Expect(review.Diff).To(ContainSubstring("+new body"))
			Expect(h.records.List(h.ctx, "pipeline-amend-")).To(ConsistOf("pipeline-amend-" + pc.ID))

			tasks := h.exec.tasks()
			Expect(tasks).To(HaveLen(1))
			Expect(tasks[0].PipelineID).To(Equal(pc.ID))
			Expect(tasks[0].Payload).To(Equal(v1.AmendPayload{CurrentContent: raftNote, Instruction: "tighten"}))

			done, err := o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Stage).To(Equal(StageCompleted))

			written := h.read("note.md")
			Expect(written).To(ContainSubstring("title: Raft"))
			Expect(written).To(ContainSubstring("consensus"))
			Expect(written).To(HaveSuffix("new body\n"))
			Expect(h.records.List(h.ctx, "pipeline-amend-")).To(BeEmpty())

			snap, err := h.snapshots.Get(h.ctx, pc.SnapshotIDs[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Content).To(Equal(raftNote))

			Eventually(h.events.types).WithArguments(pc.ID).Should(ConsistOf(
				EventStageChanged,
				EventTaskCompleted,
				EventStageChanged,
				EventConfirmationRequired,
				EventStageChanged,
				EventStageChanged,
				EventStageChanged,
				EventPipelineCompleted,
			))
		})

		It("refuses to overwrite a file changed after the preview", func() {
			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))

			edited := "---\ntitle: Raft\n---\nedited by hand\n"
			h.write("note.md", edited)

			_, err = o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).To(MatchError(ErrWriteConflict))
			Expect(h.read("note.md")).To(Equal(edited))
			Expect(stageOf(o, pc.ID)()).To(Equal(StageReview))
			Expect(h.events.types(pc.ID)).NotTo(ContainElement(EventPipelineFailed))

			again, err := o.Regenerate(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Stage).To(Equal(StageGenerating))
			Expect(again.SnapshotIDs).To(HaveLen(2))
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))

			review, err := o.Get(pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(review.PreviousContent).To(Equal(edited))
			Expect(review.Diff).To(ContainSubstring("-edited by hand"))

			_, err = o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.read("note.md")).To(HaveSuffix("new body\n"))
		})

		It("replaces the embedding and duplicate candidates after writing", func() {
			Expect(h.index.Upsert(h.ctx, "note", []float32{1, 0})).To(Succeed())
			Expect(h.index.Upsert(h.ctx, "stale", []float32{1, 0})).To(Succeed())
			Expect(h.index.Upsert(h.ctx, "twin", []float32{0, 1})).To(Succeed())
			Expect(h.index.AddPair(h.ctx, "note", "stale", 1)).To(Succeed())
			h.embedder.set([]float32{0, 1}, nil)

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))
			_, err = o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())

			vec, ok := h.index.Vector("note")
			Expect(ok).To(BeTrue())
			Expect(vec).To(Equal([]float32{0, 1}))
			Expect(partners(h.index.Candidates("note"), "note")).To(ConsistOf("twin"))
		})

		It("drops the stale embedding when reindexing fails", func() {
			Expect(h.index.Upsert(h.ctx, "note", []float32{1, 0})).To(Succeed())
			Expect(h.index.Upsert(h.ctx, "other", []float32{1, 0})).To(Succeed())
			Expect(h.index.AddPair(h.ctx, "note", "other", 1)).To(Succeed())
			h.embedder.set(nil, errors.New("embedding service down"))

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))
			done, err := o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Stage).To(Equal(StageCompleted))

			_, ok := h.index.Vector("note")
			Expect(ok).To(BeFalse())
			Expect(h.index.Candidates("note")).To(BeEmpty())
			_, ok = h.index.Vector("other")
			Expect(ok).To(BeTrue())
		})

		It("aborts before enqueueing when the snapshot fails", func() {
			deps := h.deps()
			deps.Snapshots = brokenSnapshots{}
			broken := h.orchestratorWith(KindAmend, deps, Options{})

			_, err := broken.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).To(MatchError(ErrSnapshotFailed))
			Expect(h.queue.List(queue.Filter{})).To(BeEmpty())
			Expect(broken.List()).To(BeEmpty())
		})

		It("reports a busy node in the configured language", func() {
			release := make(chan struct{})
			DeferCleanup(func() { close(release) })
			h.exec.on(v1.KindAmend, blockUntil(release, map[string]any{"content": "x\n"}))

			first, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())

			zh := h.orchestrator(KindAmend, Options{Language: "zh"})
			_, err = zh.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "again"})
			Expect(err).To(MatchError(ErrNodeBusy))
			Expect(err.Error()).To(ContainSubstring("正在被其他任务处理"))
			Expect(zh.List()).To(BeEmpty())

			_, err = o.Cancel(h.ctx, first.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("requires a configured provider", func() {
			delete(h.providers, v1.KindAmend)
			_, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).To(MatchError(ErrProviderNotConfigured))
			Expect(h.queue.List(queue.Filter{})).To(BeEmpty())
		})

		It("requires existing content", func() {
			_, err := o.Start(h.ctx, StartRequest{NodeID: "missing", UserInput: "tighten"})
			Expect(err).To(MatchError(ErrMissingContent))

			_, err = o.Start(h.ctx, StartRequest{NodeID: "note"})
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("fails when the task fails", func() {
			h.exec.on(v1.KindAmend, failWith(v1.CodeAuth))
			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(stageOf(o, pc.ID)).Should(Equal(StageFailed))
			failed, err := o.Get(pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(failed.Error).NotTo(BeNil())
			Expect(failed.Error.Code).To(Equal(CodeTaskFailed))
			Expect(failed.Error.Message).To(ContainSubstring(v1.CodeAuth))
			Eventually(h.events.types).WithArguments(pc.ID).Should(ContainElements(EventTaskFailed, EventPipelineFailed))
			Expect(h.read("note.md")).To(Equal(raftNote))
		})

		DescribeTable("rejects unusable results",
			func(content string, result map[string]any, code ErrorCode) {
				h.write("note.md", content)
				h.exec.on(v1.KindAmend, reply(result))
				pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
				Expect(err).NotTo(HaveOccurred())

				Eventually(stageOf(o, pc.ID)).Should(Equal(StageFailed))
				failed, _ := o.Get(pc.ID)
				Expect(failed.Error.Code).To(Equal(code))
				Expect(h.read("note.md")).To(Equal(content))
			},
			Entry("no content field", raftNote, map[string]any{"summary": "done"}, CodeMissingResult),
			Entry("content is not text", raftNote, map[string]any{"content": 42}, CodeMissingResult),
			Entry("broken frontmatter", "---\ntitle: [unclosed\n---\nbody\n", map[string]any{"content": "x\n"}, CodeInvalidMetadata),
		)

		It("cancels the pipeline and its running task", func() {
			release := make(chan struct{})
			DeferCleanup(func() { close(release) })
			h.exec.on(v1.KindAmend, blockUntil(release, map[string]any{"content": "x\n"}))

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return h.queue.Stats().Running }).Should(Equal(1))

			cancelled, err := o.Cancel(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Stage).To(Equal(StageFailed))
			Expect(cancelled.Error.Code).To(Equal(CodeUserCancelled))

			task, err := h.queue.Get(pc.TaskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.State).To(Equal(v1.StateCancelled))

			_, err = o.Cancel(h.ctx, pc.ID)
			Expect(err).To(MatchError(ErrInvalidStage))
			_, err = o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).To(MatchError(ErrInvalidStage))
			Expect(h.read("note.md")).To(Equal(raftNote))
		})

		It("restores pipelines awaiting confirmation", func() {
			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))

			stale, err := json.Marshal(&PipelineContext{ID: "stale", Kind: KindAmend, Stage: StageGenerating})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.records.Put(h.ctx, "pipeline-amend-stale", stale)).To(Succeed())
			Expect(h.records.Put(h.ctx, "pipeline-merge-other", stale)).To(Succeed())

			restarted := h.orchestrator(KindAmend, Options{})
			n, err := restarted.Restore(h.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(h.records.List(h.ctx, "pipeline-")).To(ConsistOf("pipeline-amend-"+pc.ID, "pipeline-merge-other"))

			restored, err := restarted.Get(pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(restored.Stage).To(Equal(StageReview))
			Expect(restored.NewContent).To(HaveSuffix("new body\n"))

			_, err = restarted.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.read("note.md")).To(HaveSuffix("new body\n"))
		})

		Context("with auto-verify", func() {
			BeforeEach(func() {
				o = h.orchestrator(KindAmend, Options{AutoVerify: true})
			})

			It("appends the verification report", func() {
				h.exec.on(v1.KindVerify, reply(map[string]any{"verdict": "pass", "summary": "All claims hold."}))
				pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
				Expect(err).NotTo(HaveOccurred())
				Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))

				verifying, err := o.ConfirmWrite(h.ctx, pc.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(verifying.Stage).To(Equal(StageVerifying))
				Expect(verifying.VerifyTaskID).NotTo(BeEmpty())

				Eventually(stageOf(o, pc.ID)).Should(Equal(StageCompleted))
				written := h.read("note.md")
				Expect(written).To(ContainSubstring("new body"))
				Expect(written).To(ContainSubstring("## Verification"))
				Expect(written).To(ContainSubstring("**Verdict:** pass"))

				done, _ := o.Get(pc.ID)
				Expect(done.SnapshotIDs).To(HaveLen(2))
				Expect(done.VerificationResult).To(HaveKeyWithValue("verdict", "pass"))
			})

			It("completes without a report when verification fails", func() {
				h.exec.on(v1.KindVerify, failWith(v1.CodeAuth))
				pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
				Expect(err).NotTo(HaveOccurred())
				Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))
				_, err = o.ConfirmWrite(h.ctx, pc.ID)
				Expect(err).NotTo(HaveOccurred())

				Eventually(stageOf(o, pc.ID)).Should(Equal(StageCompleted))
				Expect(h.read("note.md")).NotTo(ContainSubstring("## Verification"))
				Eventually(h.events.types).WithArguments(pc.ID).Should(ContainElement(EventTaskFailed))
				Expect(h.events.types(pc.ID)).NotTo(ContainElement(EventPipelineFailed))
			})

			It("skips verification without a provider", func() {
				delete(h.providers, v1.KindVerify)
				pc, err := o.Start(h.ctx, StartRequest{NodeID: "note", UserInput: "tighten"})
				Expect(err).NotTo(HaveOccurred())
				Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))

				done, err := o.ConfirmWrite(h.ctx, pc.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(done.Stage).To(Equal(StageCompleted))
				Expect(done.VerifyTaskID).To(BeEmpty())
			})
		})
	})

	Describe("create", func() {
		It("writes a new note with default metadata", func() {
			o := h.orchestrator(KindCreate, Options{})
			h.exec.on(v1.KindWrite, reply(map[string]any{"content": "Raft is a consensus algorithm.\n"}))

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "concepts/raft", UserInput: "explain raft"})
			Expect(err).NotTo(HaveOccurred())
			Expect(pc.FilePath).To(Equal("concepts/raft.md"))
			Expect(pc.Existed).To(BeFalse())
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))

			tasks := h.exec.tasks()
			Expect(tasks).To(HaveLen(1))
			Expect(tasks[0].Payload).To(Equal(v1.WritePayload{NodeType: "note", Title: "raft", UserInput: "explain raft"}))

			_, err = o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).NotTo(HaveOccurred())
			written := h.read("concepts/raft.md")
			Expect(written).To(ContainSubstring("title: raft"))
			Expect(written).To(ContainSubstring("type: note"))
			Expect(written).To(HaveSuffix("Raft is a consensus algorithm.\n"))
			_, ok := h.index.Vector("concepts/raft")
			Expect(ok).To(BeTrue())
		})

		It("conflicts when the note appears before confirmation", func() {
			o := h.orchestrator(KindCreate, Options{})
			h.exec.on(v1.KindWrite, reply(map[string]any{"content": "generated\n"}))
			pc, err := o.Start(h.ctx, StartRequest{NodeID: "raft"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageReview))

			h.write("raft.md", "written elsewhere\n")
			_, err = o.ConfirmWrite(h.ctx, pc.ID)
			Expect(err).To(MatchError(ErrWriteConflict))
			Expect(h.read("raft.md")).To(Equal("written elsewhere\n"))
		})
	})

	Describe("merge", func() {
		It("folds the source into the target and removes it", func() {
			o := h.orchestrator(KindMerge, Options{})
			h.write("a.md", "---\ntitle: A\n---\nalpha\n")
			h.write("b.md", "beta\n")
			Expect(h.index.Upsert(h.ctx, "b", []float32{1, 0})).To(Succeed())
			Expect(h.index.AddPair(h.ctx, "a", "b", 0.97)).To(Succeed())
			h.exec.on(v1.KindMerge, reply(map[string]any{"content": "alpha\nbeta\n"}))

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "a", SourceNodeID: "b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(pc.SnapshotIDs).To(HaveLen(2))

			Eventually(stageOf(o, pc.ID)).Should(Equal(StageCompleted))
			Expect(h.read("a.md")).To(HaveSuffix("alpha\nbeta\n"))
			Expect(h.vault.Exists(h.ctx, "b.md")).To(BeFalse())
			_, ok := h.index.Vector("b")
			Expect(ok).To(BeFalse())
			Expect(h.index.Candidates("b")).To(BeEmpty())

			tasks := h.exec.tasks()
			Expect(tasks).To(HaveLen(1))
			Expect(tasks[0].Payload).To(HaveField("SourceContent", "beta\n"))
			Expect(h.events.types(pc.ID)).NotTo(ContainElement(EventConfirmationRequired))
		})

		It("keeps a source that was edited while the merge ran", func() {
			o := h.orchestrator(KindMerge, Options{})
			h.write("a.md", "alpha\n")
			h.write("b.md", "beta\n")
			release := make(chan struct{})
			h.exec.on(v1.KindMerge, blockUntil(release, map[string]any{"content": "alpha\nbeta\n"}))

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "a", SourceNodeID: "b"})
			Expect(err).NotTo(HaveOccurred())
			h.write("b.md", "beta\nimportant edit\n")
			close(release)

			Eventually(stageOf(o, pc.ID)).Should(Equal(StageFailed))
			failed, _ := o.Get(pc.ID)
			Expect(failed.Error.Code).To(Equal(CodeWriteConflict))
			Expect(h.read("b.md")).To(Equal("beta\nimportant edit\n"))
			Expect(h.read("a.md")).To(Equal("alpha\n"))
		})

		It("keeps a source that gained a task of its own", func() {
			o := h.orchestrator(KindMerge, Options{})
			h.write("a.md", "alpha\n")
			h.write("b.md", "beta\n")
			mergeDone := make(chan struct{})
			amendDone := make(chan struct{})
			DeferCleanup(func() { close(amendDone) })
			h.exec.on(v1.KindMerge, blockUntil(mergeDone, map[string]any{"content": "alpha\nbeta\n"}))
			h.exec.on(v1.KindAmend, blockUntil(amendDone, map[string]any{"content": "x\n"}))

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "a", SourceNodeID: "b"})
			Expect(err).NotTo(HaveOccurred())
			_, err = h.queue.Enqueue(queue.EnqueueRequest{NodeID: "b", Kind: v1.KindAmend, Payload: v1.AmendPayload{CurrentContent: "beta\n", Instruction: "edit"}})
			Expect(err).NotTo(HaveOccurred())
			close(mergeDone)

			Eventually(stageOf(o, pc.ID)).Should(Equal(StageFailed))
			failed, _ := o.Get(pc.ID)
			Expect(failed.Error.Code).To(Equal(CodeNodeBusy))
			Expect(h.read("b.md")).To(Equal("beta\n"))
			Expect(h.read("a.md")).To(Equal("alpha\n"))
		})

		It("rejects a merge whose source is busy", func() {
			o := h.orchestrator(KindMerge, Options{})
			h.write("a.md", "alpha\n")
			h.write("b.md", "beta\n")
			release := make(chan struct{})
			DeferCleanup(func() { close(release) })
			h.exec.on(v1.KindAmend, blockUntil(release, map[string]any{"content": "x\n"}))
			_, err := h.queue.Enqueue(queue.EnqueueRequest{NodeID: "b", Kind: v1.KindAmend, Payload: v1.AmendPayload{CurrentContent: "beta\n", Instruction: "edit"}})
			Expect(err).NotTo(HaveOccurred())

			_, err = o.Start(h.ctx, StartRequest{NodeID: "a", SourceNodeID: "b"})
			Expect(err).To(MatchError(ErrNodeBusy))
			Expect(h.queue.List(queue.Filter{NodeID: "a"})).To(BeEmpty())
			Expect(o.List()).To(BeEmpty())
		})

		It("rejects merging a note into itself", func() {
			o := h.orchestrator(KindMerge, Options{})
			_, err := o.Start(h.ctx, StartRequest{NodeID: "a", SourceNodeID: "a"})
			Expect(err).To(MatchError(ErrInvalidInput))
		})
	})

	Describe("verify", func() {
		It("appends a fact-check report", func() {
			o := h.orchestrator(KindVerify, Options{AutoVerify: true})
			h.write("note.md", "---\ntitle: Raft\n---\nRaft uses leases.\n")
			h.exec.on(v1.KindVerify, reply(map[string]any{
				"verdict": "issues_found",
				"summary": "One claim is wrong.",
				"issues":  []any{map[string]any{"claim": "Raft uses leases", "correction": "Raft uses heartbeats"}},
			}))

			pc, err := o.Start(h.ctx, StartRequest{NodeID: "note"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(stageOf(o, pc.ID)).Should(Equal(StageCompleted))

			written := h.read("note.md")
			Expect(written).To(HavePrefix("---\ntitle: Raft\n---\nRaft uses leases.\n\n## Verification"))
			Expect(written).To(ContainSubstring("Raft uses leases → Raft uses heartbeats"))
			done, _ := o.Get(pc.ID)
			Expect(done.VerificationResult).To(HaveKeyWithValue("verdict", "issues_found"))
			Expect(done.VerifyTaskID).To(BeEmpty())
			Expect(h.exec.tasks()).To(HaveLen(1))
		})
	})

	It("forgets the oldest finished pipelines", func() {
		o := h.orchestrator(KindAmend, Options{MaxHistory: 1})
		release := make(chan struct{})
		DeferCleanup(func() { close(release) })
		h.exec.on(v1.KindAmend, blockUntil(release, map[string]any{"content": "x\n"}))
		h.write("one.md", "one\n")
		h.write("two.md", "two\n")
		h.write("three.md", "three\n")

		first, err := o.Start(h.ctx, StartRequest{NodeID: "one", UserInput: "tighten"})
		Expect(err).NotTo(HaveOccurred())
		second, err := o.Start(h.ctx, StartRequest{NodeID: "two", UserInput: "tighten"})
		Expect(err).NotTo(HaveOccurred())
		running, err := o.Start(h.ctx, StartRequest{NodeID: "three", UserInput: "tighten"})
		Expect(err).NotTo(HaveOccurred())

		_, err = o.Cancel(h.ctx, first.ID)
		Expect(err).NotTo(HaveOccurred())
		_, err = o.Cancel(h.ctx, second.ID)
		Expect(err).NotTo(HaveOccurred())

		_, err = o.Get(first.ID)
		Expect(err).To(MatchError(ErrNotFound))
		ids := []string{}
		for _, pc := range o.List() {
			ids = append(ids, pc.ID)
		}
		Expect(ids).To(ConsistOf(second.ID, running.ID))
	})

	It("reports unknown pipelines", func() {
		o := h.orchestrator(KindAmend, Options{})
		_, err := o.Get("nope")
		Expect(err).To(MatchError(ErrNotFound))
		_, err = o.ConfirmWrite(context.Background(), "nope")
		Expect(err).To(MatchError(ErrNotFound))
	})
})

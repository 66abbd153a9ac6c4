package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/executor"
	"github.com/kination/noteflow/internal/index"
	"github.com/kination/noteflow/internal/queue"
	"github.com/kination/noteflow/internal/store"
	"github.com/kination/noteflow/internal/vault"
)

type replyFunc func(ctx context.Context, task v1.TaskRecord) (map[string]any, error)

// scripted answers generation tasks with per-kind replies.
type scripted struct {
	mu      sync.Mutex
	replies map[v1.TaskKind]replyFunc
	seen    []v1.TaskRecord
}

func (s *scripted) on(kind v1.TaskKind, fn replyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[kind] = fn
}

func (s *scripted) Kinds() []v1.TaskKind {
	return []v1.TaskKind{v1.KindWrite, v1.KindAmend, v1.KindMerge, v1.KindVerify}
}

func (s *scripted) Execute(ctx context.Context, task v1.TaskRecord) (map[string]any, error) {
	s.mu.Lock()
	fn := s.replies[task.Kind]
	s.seen = append(s.seen, task)
	s.mu.Unlock()
	if fn == nil {
		return nil, v1.NewTaskError(v1.CodeValidation, "no reply for %s", task.Kind)
	}
	return fn(ctx, task)
}

func (s *scripted) tasks() []v1.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.TaskRecord(nil), s.seen...)
}

func reply(result map[string]any) replyFunc {
	return func(context.Context, v1.TaskRecord) (map[string]any, error) {
		return result, nil
	}
}

func failWith(code string) replyFunc {
	return func(context.Context, v1.TaskRecord) (map[string]any, error) {
		return nil, v1.NewTaskError(code, "scripted failure")
	}
}

// blockUntil holds the task until release is closed or the task is aborted.
func blockUntil(release <-chan struct{}, result map[string]any) replyFunc {
	return func(ctx context.Context, _ v1.TaskRecord) (map[string]any, error) {
		select {
		case <-release:
			return result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type fakeEmbedder struct {
	mu   sync.Mutex
	vec  []float32
	err  error
	seen []string
}

func (e *fakeEmbedder) Embed(_ context.Context, nodeID, _, _ string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, nodeID)
	if e.err != nil {
		return nil, e.err
	}
	return append([]float32(nil), e.vec...), nil
}

func (e *fakeEmbedder) set(vec []float32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vec, e.err = vec, err
}

type providers map[v1.TaskKind]bool

func (p providers) Resolve(kind v1.TaskKind) (string, string, bool) {
	if !p[kind] {
		return "", "", false
	}
	return "test", "default", true
}

type brokenSnapshots struct{}

func (brokenSnapshots) CreateSnapshot(context.Context, string, string, string) (string, error) {
	return "", errors.New("disk full")
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types(pipelineID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		if ev.PipelineID == pipelineID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type harness struct {
	ctx       context.Context
	vault     *vault.Vault
	snapshots *vault.Snapshots
	index     *index.Index
	records   *store.MemoryStore
	queue     *queue.Queue
	exec      *scripted
	embedder  *fakeEmbedder
	providers providers
	events    *recorder
}

func newHarness() *harness {
	ctx := context.Background()
	v, err := vault.New(GinkgoT().TempDir())
	Expect(err).NotTo(HaveOccurred())
	ix, err := index.Open(ctx, store.NewMemoryStore(), index.DefaultThreshold)
	Expect(err).NotTo(HaveOccurred())

	h := &harness{
		ctx:       ctx,
		vault:     v,
		snapshots: vault.NewSnapshots(v, store.NewMemoryStore()),
		index:     ix,
		records:   store.NewMemoryStore(),
		exec:      &scripted{replies: map[v1.TaskKind]replyFunc{}},
		embedder:  &fakeEmbedder{vec: []float32{1, 0}},
		providers: providers{v1.KindWrite: true, v1.KindAmend: true, v1.KindMerge: true, v1.KindVerify: true},
		events:    &recorder{},
	}

	registry := executor.NewRegistry()
	registry.Register(h.exec)
	q, err := queue.New(queue.Config{Concurrency: 4, DisableRetries: true}, executor.NewRunner(registry))
	Expect(err).NotTo(HaveOccurred())
	Expect(q.Start(ctx)).To(Succeed())
	DeferCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(q.Shutdown(ctx)).To(Succeed())
	})
	h.queue = q
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Queue:      h.queue,
		Documents:  h.vault,
		Snapshots:  h.snapshots,
		Vectors:    h.index,
		Embedder:   h.embedder,
		Duplicates: h.index,
		Providers:  h.providers,
		Records:    h.records,
	}
}

func (h *harness) orchestrator(kind Kind, opts Options) *Orchestrator {
	return h.orchestratorWith(kind, h.deps(), opts)
}

func (h *harness) orchestratorWith(kind Kind, deps Deps, opts Options) *Orchestrator {
	o, err := New(kind, deps, opts)
	Expect(err).NotTo(HaveOccurred())
	o.Subscribe(h.events.record)
	DeferCleanup(o.Close)
	return o
}

func (h *harness) write(path, content string) {
	Expect(h.vault.WriteAtomic(h.ctx, path, content)).To(Succeed())
}

func (h *harness) read(path string) string {
	content, err := h.vault.Read(h.ctx, path)
	Expect(err).NotTo(HaveOccurred())
	return content
}

func stageOf(o *Orchestrator, id string) func() Stage {
	return func() Stage {
		pc, err := o.Get(id)
		if err != nil {
			return ""
		}
		return pc.Stage
	}
}

func partners(pairs []index.Pair, nodeID string) []string {
	var out []string
	for _, p := range pairs {
		if p.A == nodeID {
			out = append(out, p.B)
		} else {
			out = append(out, p.A)
		}
	}
	return out
}

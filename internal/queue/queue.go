package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/event"
	"github.com/kination/noteflow/internal/lock"
)

var log = ctrl.Log.WithName("queue")

// Queue schedules tasks so that at most one task per lock key is running,
// bounded by the configured concurrency. All state transitions happen under
// one mutex; events are published after it is released.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	runner TaskRunner
	locks  *lock.Manager
	clock  clock.WithDelayedExecution
	events *event.Bus[Event]

	store     StateStore
	persister *persister
	metrics   *metrics
	registry  prometheus.Registerer

	tasks    map[string]*v1.TaskRecord
	order    []string
	inflight map[string]*execution
	nextRun  uint64
	paused   bool
	started  bool
	stopped  bool

	execCtx    context.Context
	execCancel context.CancelFunc

	wakeup   chan struct{}
	results  chan outcome
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// Option configures a Queue
type Option func(*Queue)

// WithLockManager shares a lock manager with the queue
func WithLockManager(m *lock.Manager) Option {
	return func(q *Queue) { q.locks = m }
}

// WithStateStore enables persistence and Restore
func WithStateStore(s StateStore) Option {
	return func(q *Queue) { q.store = s }
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.WithDelayedExecution) Option {
	return func(q *Queue) { q.clock = c }
}

// WithRegisterer registers the queue metrics with r instead of a private registry
func WithRegisterer(r prometheus.Registerer) Option {
	return func(q *Queue) { q.registry = r }
}

// New creates a queue. It does not schedule anything until Start is called.
func New(cfg Config, runner TaskRunner, opts ...Option) (*Queue, error) {
	if runner == nil {
		return nil, errors.New("task runner is required")
	}
	q := &Queue{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		locks:    lock.NewManager(),
		clock:    clock.RealClock{},
		events:   event.NewBus[Event](),
		tasks:    make(map[string]*v1.TaskRecord),
		inflight: make(map[string]*execution),
		wakeup:   make(chan struct{}, 1),
		results:  make(chan outcome, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.registry == nil {
		q.registry = prometheus.NewRegistry()
	}
	m, err := newMetrics(q.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register queue metrics: %w", err)
	}
	q.metrics = m
	q.persister = newPersister(q.store, q.snapshot, q.cfg.PersistDebounce, q.clock, m)
	return q, nil
}

// Locks exposes the lock manager backing the queue.
func (q *Queue) Locks() *lock.Manager {
	return q.locks
}

// Subscribe registers fn for every queue event. Handlers run synchronously on
// the publishing goroutine and must not block.
func (q *Queue) Subscribe(fn func(Event)) (unsubscribe func()) {
	return q.events.Subscribe(fn)
}

// EnqueueRequest describes a new task
type EnqueueRequest struct {
	NodeID     string
	Kind       v1.TaskKind
	Payload    v1.Payload
	PipelineID string
	// MaxAttempts overrides Config.DefaultMaxAttempts when positive
	MaxAttempts int
	// LockKey defaults to NodeID
	LockKey string
	// TypeLockKey defaults to TypeLockKey(Kind) for type-locked kinds
	TypeLockKey string
	ProviderRef string
	PromptRef   string
}

// Enqueue validates and admits a task. It fails with ErrResourceBusy when the
// node already has a Pending or Running task.
func (q *Queue) Enqueue(req EnqueueRequest) (*v1.TaskRecord, error) {
	if strings.TrimSpace(req.NodeID) == "" {
		return nil, newError(CodeInvalidPayload, "", "nodeId is required")
	}
	if !req.Kind.Valid() {
		return nil, newError(CodeUnknownKind, "", "unknown task kind %q", req.Kind)
	}
	if err := v1.CheckPayload(req.Kind, req.Payload); err != nil {
		return nil, newError(CodeInvalidPayload, "", "%v", err)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	for _, id := range q.order {
		t := q.tasks[id]
		if t.NodeID == req.NodeID && t.State.Active() {
			q.mu.Unlock()
			return nil, &Error{
				Code:           CodeResourceBusy,
				Message:        fmt.Sprintf("node %s already has a %s task", req.NodeID, strings.ToLower(string(t.State))),
				NodeID:         req.NodeID,
				BlockingTaskID: t.ID,
			}
		}
	}

	now := q.clock.Now()
	t := &v1.TaskRecord{
		ID:          uuid.NewString(),
		NodeID:      req.NodeID,
		Kind:        req.Kind,
		PipelineID:  req.PipelineID,
		State:       v1.StatePending,
		MaxAttempts: req.MaxAttempts,
		LockKey:     req.LockKey,
		TypeLockKey: req.TypeLockKey,
		ProviderRef: req.ProviderRef,
		PromptRef:   req.PromptRef,
		Payload:     req.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if t.LockKey == "" {
		t.LockKey = req.NodeID
	}
	if t.TypeLockKey == "" && q.cfg.typeLocked(req.Kind) {
		t.TypeLockKey = TypeLockKey(req.Kind)
	}
	q.tasks[t.ID] = t
	q.order = append(q.order, t.ID)
	q.observeLocked()
	cp := t.Clone()
	q.mu.Unlock()

	log.V(1).Info("task enqueued", "task", cp.ID, "node", cp.NodeID, "kind", cp.Kind, "pipeline", cp.PipelineID)
	q.metrics.enqueued.WithLabelValues(string(cp.Kind)).Inc()
	q.persister.Schedule()
	q.events.Publish(Event{Type: EventTaskAdded, TaskID: cp.ID, Task: cp, Timestamp: now})
	q.trigger()
	return cp.Clone(), nil
}

// Cancel stops a task. Pending and Failed tasks are cancelled directly; a
// Running task is aborted and any late result is discarded. Cancelling a
// Completed or Cancelled task fails with ErrInvalidState.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return newError(CodeNotFound, taskID, "task not found")
	}
	if t.State == v1.StateCompleted || t.State == v1.StateCancelled {
		state := t.State
		q.mu.Unlock()
		return newError(CodeInvalidState, taskID, "cannot cancel %s task", strings.ToLower(string(state)))
	}
	wasRunning := t.State == v1.StateRunning
	if ex, ok := q.inflight[taskID]; ok {
		delete(q.inflight, taskID)
		ex.stop()
	}
	now := q.clock.Now()
	t.State = v1.StateCancelled
	t.NotBefore = nil
	t.UpdatedAt = now
	t.CompletedAt = &now
	if wasRunning {
		q.releaseLocked(t)
	}
	cp := t.Clone()
	q.trimHistoryLocked()
	q.observeLocked()
	q.mu.Unlock()

	if wasRunning {
		q.runner.Abort(taskID)
	}
	log.Info("task cancelled", "task", taskID, "node", cp.NodeID, "wasRunning", wasRunning)
	q.metrics.finished.WithLabelValues(string(cp.Kind), "cancelled").Inc()
	q.persister.Schedule()
	q.events.Publish(Event{Type: EventTaskCancelled, TaskID: taskID, Task: cp, Timestamp: now})
	q.trigger()
	return nil
}

// Get returns a copy of the task record.
func (q *Queue) Get(taskID string) (*v1.TaskRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, newError(CodeNotFound, taskID, "task not found")
	}
	return t.Clone(), nil
}

// List returns copies of matching tasks in insertion order.
func (q *Queue) List(f Filter) []*v1.TaskRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*v1.TaskRecord
	for _, id := range q.order {
		if t := q.tasks[id]; f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ActiveTask returns the Pending or Running task for a node, if any.
func (q *Queue) ActiveTask(nodeID string) (*v1.TaskRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		if t := q.tasks[id]; t.NodeID == nodeID && t.State.Active() {
			return t.Clone(), true
		}
	}
	return nil, false
}

// Stats counts tasks by state
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Paused: q.paused}
	for _, t := range q.tasks {
		switch t.State {
		case v1.StatePending:
			s.Pending++
		case v1.StateRunning:
			s.Running++
		case v1.StateCompleted:
			s.Completed++
		case v1.StateFailed:
			s.Failed++
		case v1.StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Pause stops new tasks from starting. Running tasks continue.
func (q *Queue) Pause() {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = true
	q.mu.Unlock()

	log.Info("queue paused")
	q.persister.Schedule()
	q.events.Publish(Event{Type: EventQueuePaused, Timestamp: q.clock.Now()})
}

// Resume restarts scheduling after Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = false
	q.mu.Unlock()

	log.Info("queue resumed")
	q.persister.Schedule()
	q.events.Publish(Event{Type: EventQueueResumed, Timestamp: q.clock.Now()})
	q.trigger()
}

// Paused reports whether scheduling is paused
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Start launches the scheduling loop. The loop ends when ctx is done or
// Shutdown is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.started = true
	q.execCtx, q.execCancel = context.WithCancel(context.Background())
	q.loopDone = make(chan struct{})
	q.mu.Unlock()

	log.Info("starting queue", "concurrency", q.cfg.Concurrency, "taskTimeout", q.cfg.TaskTimeout)
	go q.loop(ctx)
	q.trigger()
	return nil
}

// Shutdown stops scheduling, aborts running attempts and forces a final
// persistence write. Aborted tasks stay Running in the saved state and are
// demoted to Pending by the next Restore.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	loopDone := q.loopDone
	aborted := make([]string, 0, len(q.inflight))
	for id, ex := range q.inflight {
		ex.stop()
		aborted = append(aborted, id)
	}
	q.inflight = make(map[string]*execution)
	if q.execCancel != nil {
		q.execCancel()
	}
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.done) })
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sort.Strings(aborted)
	for _, id := range aborted {
		q.runner.Abort(id)
	}
	log.Info("queue stopped", "aborted", len(aborted))
	return q.persister.Close(ctx)
}

// trigger wakes the loop. Multiple triggers before the loop runs coalesce.
func (q *Queue) trigger() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// releaseLocked frees both locks held by a running task. q.mu must be held.
func (q *Queue) releaseLocked(t *v1.TaskRecord) {
	for _, key := range []string{t.LockKey, t.TypeLockKey} {
		if key == "" {
			continue
		}
		if err := q.locks.ReleaseHolder(key, t.ID); err != nil {
			log.Error(err, "failed to release lock", "task", t.ID, "key", key)
		}
	}
}

// acquireLocked takes the resource lock and, for type-locked kinds, the kind
// lock. Either both are held afterwards or neither.
func (q *Queue) acquireLocked(t *v1.TaskRecord) bool {
	if !q.locks.TryAcquire(t.LockKey, t.ID) {
		return false
	}
	if t.TypeLockKey != "" && !q.locks.TryAcquire(t.TypeLockKey, t.ID) {
		if err := q.locks.ReleaseHolder(t.LockKey, t.ID); err != nil {
			log.Error(err, "failed to roll back resource lock", "task", t.ID)
		}
		return false
	}
	return true
}

// trimHistoryLocked drops the oldest finished tasks beyond MaxHistory.
func (q *Queue) trimHistoryLocked() {
	var finished []*v1.TaskRecord
	for _, id := range q.order {
		if t := q.tasks[id]; t.State.Terminal() {
			finished = append(finished, t)
		}
	}
	excess := len(finished) - q.cfg.MaxHistory
	if excess <= 0 {
		return
	}
	sort.SliceStable(finished, func(i, j int) bool {
		return finishedAt(finished[i]).Before(finishedAt(finished[j]))
	})
	for _, t := range finished[:excess] {
		delete(q.tasks, t.ID)
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.tasks[id]; ok {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

func finishedAt(t *v1.TaskRecord) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.UpdatedAt
}

// observeLocked refreshes the state gauges. q.mu must be held.
func (q *Queue) observeLocked() {
	var pending, running int
	for _, t := range q.tasks {
		switch t.State {
		case v1.StatePending:
			pending++
		case v1.StateRunning:
			running++
		}
	}
	q.metrics.pending.Set(float64(pending))
	q.metrics.running.Set(float64(running))
}

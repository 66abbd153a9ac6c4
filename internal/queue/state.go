package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/store"
)

// StateVersion is the persisted state schema version
const StateVersion = 1

// DefaultStateDocument is the store document holding the queue state
const DefaultStateDocument = "queue-state"

// State is the persisted queue snapshot. Only active tasks are kept.
type State struct {
	Version      int             `json:"version"`
	Paused       bool            `json:"paused"`
	PendingTasks []PersistedTask `json:"pendingTasks"`
}

// PersistedTask is a TaskRecord with its payload in encoded form.
type PersistedTask struct {
	ID          string          `json:"id"`
	NodeID      string          `json:"nodeId"`
	Kind        v1.TaskKind     `json:"kind"`
	PipelineID  string          `json:"pipelineId,omitempty"`
	State       v1.TaskState    `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LockKey     string          `json:"lockKey"`
	TypeLockKey string          `json:"typeLockKey,omitempty"`
	ProviderRef string          `json:"providerRef,omitempty"`
	PromptRef   string          `json:"promptRef,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Errors      []v1.TaskError  `json:"errors,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	NotBefore   *time.Time      `json:"notBefore,omitempty"`
}

func persistTask(t *v1.TaskRecord) (PersistedTask, error) {
	raw, err := json.Marshal(t.Payload)
	if err != nil {
		return PersistedTask{}, fmt.Errorf("failed to encode payload of task %s: %w", t.ID, err)
	}
	return PersistedTask{
		ID:          t.ID,
		NodeID:      t.NodeID,
		Kind:        t.Kind,
		PipelineID:  t.PipelineID,
		State:       t.State,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		LockKey:     t.LockKey,
		TypeLockKey: t.TypeLockKey,
		ProviderRef: t.ProviderRef,
		PromptRef:   t.PromptRef,
		Payload:     raw,
		Errors:      t.Errors,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		NotBefore:   t.NotBefore,
	}, nil
}

// record rebuilds the task. The record is returned even when the payload does
// not decode, so the caller can keep it as a failed entry.
func (p PersistedTask) record() (*v1.TaskRecord, error) {
	t := &v1.TaskRecord{
		ID:          p.ID,
		NodeID:      p.NodeID,
		Kind:        p.Kind,
		PipelineID:  p.PipelineID,
		State:       p.State,
		Attempts:    p.Attempts,
		MaxAttempts: p.MaxAttempts,
		LockKey:     p.LockKey,
		TypeLockKey: p.TypeLockKey,
		ProviderRef: p.ProviderRef,
		PromptRef:   p.PromptRef,
		Errors:      p.Errors,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		StartedAt:   p.StartedAt,
		NotBefore:   p.NotBefore,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
		return t, errors.New("persisted task has no id")
	}
	if t.NodeID == "" {
		return t, errors.New("persisted task has no node id")
	}
	if t.State != v1.StatePending && t.State != v1.StateRunning {
		return t, fmt.Errorf("persisted task has non-active state %q", t.State)
	}
	payload, err := v1.DecodePayload(t.Kind, p.Payload)
	if err != nil {
		return t, err
	}
	t.Payload = payload
	return t, nil
}

// snapshot captures the active tasks for persistence.
func (q *Queue) snapshot() (*State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := &State{Version: StateVersion, Paused: q.paused, PendingTasks: []PersistedTask{}}
	for _, id := range q.order {
		t := q.tasks[id]
		if !t.State.Active() {
			continue
		}
		p, err := persistTask(t)
		if err != nil {
			return nil, err
		}
		st.PendingTasks = append(st.PendingTasks, p)
	}
	return st, nil
}

// Restore loads the persisted state. It must run before Start. All locks are
// cleared first, tasks that were Running are demoted to Pending, and entries
// that cannot be trusted are kept as Failed with an INVALID_PAYLOAD error.
// It returns the number of tasks loaded.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	st, err := q.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load queue state: %w", err)
	}
	if st == nil {
		return 0, nil
	}
	if st.Version != StateVersion {
		return 0, fmt.Errorf("unsupported queue state version %d", st.Version)
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return 0, errors.New("restore must run before start")
	}
	q.locks.Clear()
	q.paused = st.Paused

	active := make(map[string]string)
	for _, id := range q.order {
		if t := q.tasks[id]; t.State.Active() {
			active[t.NodeID] = t.ID
		}
	}
	now := q.clock.Now()
	loaded, invalid := 0, 0
	for _, p := range st.PendingTasks {
		t, err := p.record()
		if _, exists := q.tasks[t.ID]; exists {
			continue
		}
		if t.State == v1.StateRunning {
			t.State = v1.StatePending
			t.StartedAt = nil
		}
		if t.LockKey == "" {
			t.LockKey = t.NodeID
		}
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = q.cfg.DefaultMaxAttempts
		}
		switch holder, busy := active[t.NodeID]; {
		case err != nil:
			markInvalid(t, v1.CodeInvalidPayload, err.Error(), now)
			invalid++
		case busy:
			markInvalid(t, v1.CodeConflict, fmt.Sprintf("node %s already has active task %s", t.NodeID, holder), now)
			invalid++
		default:
			active[t.NodeID] = t.ID
		}
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		loaded++
	}
	q.trimHistoryLocked()
	q.observeLocked()
	paused := q.paused
	q.mu.Unlock()

	log.Info("restored queue state", "tasks", loaded, "invalid", invalid, "paused", paused)
	if invalid > 0 {
		q.persister.Schedule()
	}
	return loaded, nil
}

func markInvalid(t *v1.TaskRecord, code, msg string, now time.Time) {
	t.State = v1.StateFailed
	t.Errors = append(t.Errors, v1.TaskError{Code: code, Message: msg, Timestamp: now, Attempt: t.Attempts})
	t.UpdatedAt = now
	t.CompletedAt = &now
}

// DocumentStateStore keeps the queue state as one JSON document in a store.
type DocumentStateStore struct {
	docs store.Store
	name string
}

// NewDocumentStateStore creates a StateStore over docs. An empty name uses
// DefaultStateDocument.
func NewDocumentStateStore(docs store.Store, name string) *DocumentStateStore {
	if name == "" {
		name = DefaultStateDocument
	}
	return &DocumentStateStore{docs: docs, name: name}
}

// Load implements StateStore
func (s *DocumentStateStore) Load(ctx context.Context) (*State, error) {
	data, err := s.docs.Get(ctx, s.name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.name, err)
	}
	return &st, nil
}

// Save implements StateStore
func (s *DocumentStateStore) Save(ctx context.Context, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue state: %w", err)
	}
	return s.docs.Put(ctx, s.name, data)
}

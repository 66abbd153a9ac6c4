package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kination/noteflow/internal/store"
)

const snapshotPrefix = "snapshot-"

// Snapshot is the content of a note captured before it was changed.
type Snapshot struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	OwnerID string `json:"ownerId"`
	Content string `json:"content"`
	// Existed is false when the note did not exist yet; restoring deletes it.
	Existed   bool      `json:"existed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshots keeps undo snapshots as store documents.
type Snapshots struct {
	vault *Vault
	docs  store.Store
	now   func() time.Time
}

// NewSnapshots creates a snapshot service for v backed by docs
func NewSnapshots(v *Vault, docs store.Store) *Snapshots {
	return &Snapshots{vault: v, docs: docs, now: time.Now}
}

// CreateSnapshot records content as the pre-change state of path and returns
// the snapshot id.
func (s *Snapshots) CreateSnapshot(ctx context.Context, path, content, ownerID string) (string, error) {
	existed, err := s.vault.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	snap := Snapshot{
		ID:        uuid.NewString(),
		Path:      path,
		OwnerID:   ownerID,
		Content:   content,
		Existed:   existed,
		CreatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	if err := s.docs.Put(ctx, snapshotPrefix+snap.ID, data); err != nil {
		return "", fmt.Errorf("failed to save snapshot of %s: %w", path, err)
	}
	log.V(1).Info("snapshot created", "snapshot", snap.ID, "path", path, "owner", ownerID)
	return snap.ID, nil
}

// Get loads one snapshot
func (s *Snapshots) Get(ctx context.Context, id string) (*Snapshot, error) {
	data, err := s.docs.Get(ctx, snapshotPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// List returns all snapshots, newest first
func (s *Snapshots) List(ctx context.Context) ([]Snapshot, error) {
	names, err := s.docs.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snap, err := s.Get(ctx, strings.TrimPrefix(name, snapshotPrefix))
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Restore puts the note back to its snapshotted state.
func (s *Snapshots) Restore(ctx context.Context, id string) (*Snapshot, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Existed {
		err = s.vault.WriteAtomic(ctx, snap.Path, snap.Content)
	} else {
		err = s.vault.Delete(ctx, snap.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore snapshot %s: %w", id, err)
	}
	log.Info("snapshot restored", "snapshot", id, "path", snap.Path)
	return snap, nil
}

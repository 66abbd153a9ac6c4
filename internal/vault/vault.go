// Package vault stores notes as files under a root directory and keeps undo
// snapshots of them.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kination/noteflow/internal/fsutil"
)

var log = ctrl.Log.WithName("vault")

// ErrNotFound is returned when a note does not exist
var ErrNotFound = errors.New("note not found")

// NoteExt is the extension of note files
const NoteExt = ".md"

// Vault reads and writes notes by vault-relative path.
type Vault struct {
	root string
}

// New opens the vault at root, creating the directory if needed.
func New(root string) (*Vault, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("vault root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &Vault{root: abs}, nil
}

// Root returns the absolute vault directory
func (v *Vault) Root() string {
	return v.root
}

// resolve maps a vault-relative path to an absolute one inside the root.
func (v *Vault) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid note path %q", path)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("note path %q escapes the vault", path)
	}
	return filepath.Join(v.root, clean), nil
}

// Read returns the content of the note at path
func (v *Vault) Read(_ context.Context, path string) (string, error) {
	abs, err := v.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exists reports whether a note exists at path
func (v *Vault) Exists(_ context.Context, path string) (bool, error) {
	abs, err := v.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// WriteAtomic replaces the note at path, creating parent directories.
func (v *Vault) WriteAtomic(_ context.Context, path, content string) error {
	abs, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.V(1).Info("note written", "path", path, "bytes", len(content))
	return nil
}

// Delete removes the note at path. A missing note is not an error.
func (v *Vault) Delete(_ context.Context, path string) error {
	abs, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	log.V(1).Info("note deleted", "path", path)
	return nil
}

// List returns the vault-relative paths of all notes, sorted. Hidden
// directories are skipped.
func (v *Vault) List(_ context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != v.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != NoteExt {
			return nil
		}
		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// PathOf returns the note path for a node id
func PathOf(nodeID string) string {
	if strings.HasSuffix(nodeID, NoteExt) {
		return nodeID
	}
	return nodeID + NoteExt
}

// NodeIDOf returns the node id for a note path
func NodeIDOf(path string) string {
	return strings.TrimSuffix(filepath.ToSlash(path), NoteExt)
}

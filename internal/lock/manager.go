// Package lock provides named, non-blocking mutual exclusion keyed by resource
// identity. Lock state is in-memory only and starts empty on every process start.
package lock

import (
	"fmt"
	"sync"
)

// Manager maps lock keys to the id of the task currently holding them.
type Manager struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewManager creates an empty lock table
func NewManager() *Manager {
	return &Manager{holders: make(map[string]string)}
}

// TryAcquire grants key to holder if it is free and reports whether holder now
// owns it. It never blocks. Re-acquiring a key already held by the same holder
// succeeds.
func (m *Manager) TryAcquire(key, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.holders[key]
	if held {
		return current == holder
	}
	m.holders[key] = holder
	return true
}

// Release drops key regardless of who holds it. Releasing an unheld key is a no-op.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holders, key)
}

// NotHolderError is returned by ReleaseHolder when another holder owns the key.
type NotHolderError struct {
	Key    string
	Holder string
	Caller string
}

func (e *NotHolderError) Error() string {
	return fmt.Sprintf("lock %q is held by %s, not %s", e.Key, e.Holder, e.Caller)
}

// ReleaseHolder releases key only if holder owns it. An unheld key is not an error.
func (m *Manager) ReleaseHolder(key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.holders[key]
	if !held {
		return nil
	}
	if current != holder {
		return &NotHolderError{Key: key, Holder: current, Caller: holder}
	}
	delete(m.holders, key)
	return nil
}

// IsLocked reports whether key is held
func (m *Manager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.holders[key]
	return held
}

// Holder returns the holder of key.
func (m *Manager) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holders[key]
	return h, ok
}

// Len returns the number of held keys
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holders)
}

// Snapshot returns a copy of the lock table.
func (m *Manager) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.holders))
	for k, v := range m.holders {
		out[k] = v
	}
	return out
}

// Clear drops every lock. Only used at startup: no running work is trusted to
// keep its lock across a restart.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holders = make(map[string]string)
}

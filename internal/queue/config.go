package queue

import (
	"time"

	v1 "github.com/kination/noteflow/api/v1"
)

// Config holds the queue settings
type Config struct {
	// Concurrency is the maximum number of tasks running at once
	Concurrency int `yaml:"concurrency"`

	// MaxHistory is how many finished tasks are kept in memory
	MaxHistory int `yaml:"maxHistory"`

	// TaskTimeout is how long an attempt may run before it is aborted and failed.
	// Zero or negative disables it; config files, where zero means default, use -1s.
	TaskTimeout time.Duration `yaml:"taskTimeout"`

	// DisableRetries makes every failure terminal
	DisableRetries bool `yaml:"disableRetries"`

	// DefaultMaxAttempts applies to tasks enqueued without their own limit
	DefaultMaxAttempts int `yaml:"defaultMaxAttempts"`

	// RetryBaseDelay is scaled by the classification strategy between attempts.
	// Zero or negative schedules retries immediately.
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`

	// PersistDebounce is the window over which state changes coalesce into one write
	PersistDebounce time.Duration `yaml:"persistDebounce"`

	// TypeLockedKinds get a second lock shared by every task of the same kind,
	// so at most one of them runs at a time
	TypeLockedKinds []v1.TaskKind `yaml:"typeLockedKinds"`
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:        2,
		MaxHistory:         100,
		TaskTimeout:        5 * time.Minute,
		DefaultMaxAttempts: 3,
		RetryBaseDelay:     2 * time.Second,
		PersistDebounce:    500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = d.MaxHistory
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = d.PersistDebounce
	}
	return c
}

func (c Config) typeLocked(kind v1.TaskKind) bool {
	for _, k := range c.TypeLockedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// TypeLockKey is the secondary lock key shared by tasks of one kind.
func TypeLockKey(kind v1.TaskKind) string {
	return "kind:" + string(kind)
}

// Package store provides durable named-document storage for queue state and
// review-pending pipeline records.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/validation"
)

// ErrNotFound is returned by Get when no document has the given name.
var ErrNotFound = errors.New("document not found")

// Store persists opaque documents by name.
// Implementations: file (default), Kubernetes ConfigMap, SQL, memory.
type Store interface {
	// Get returns the document stored under name, or ErrNotFound
	Get(ctx context.Context, name string) ([]byte, error)

	// Put creates or replaces the document atomically
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names starting with prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// StoreType defines the type of store backend
type StoreType string

const (
	// StoreTypeFile keeps one JSON file per document in a directory
	StoreTypeFile StoreType = "file"
	// StoreTypeConfigMap keeps all documents as keys of one ConfigMap
	StoreTypeConfigMap StoreType = "configmap"
	// StoreTypeSQL keeps documents as rows of a table (mysql or sqlite3)
	StoreTypeSQL StoreType = "sql"
	// StoreTypeMemory keeps documents in memory (for testing)
	StoreTypeMemory StoreType = "memory"
)

// StoreConfig holds configuration for creating a store
type StoreConfig struct {
	// Type is the store backend type
	Type StoreType `yaml:"type"`
	// Dir is the directory for the file backend
	Dir string `yaml:"dir"`
	// Namespace and Name locate the ConfigMap for the configmap backend
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	// Driver is the database/sql driver name (mysql, sqlite3)
	Driver string `yaml:"driver"`
	// DSN is the data source name for the SQL backend
	DSN string `yaml:"dsn"`
	// Table is the SQL table holding documents
	Table string `yaml:"table"`
	// Timeout is the default operation timeout
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      StoreTypeFile,
		Dir:       ".noteflow/state",
		Namespace: "default",
		Name:      "noteflow-state",
		Driver:    "sqlite3",
		Table:     "noteflow_documents",
		Timeout:   10 * time.Second,
	}
}

// ValidateName checks that name is usable by every backend: it must be a valid
// ConfigMap key, which also makes it a safe file name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("document name is required")
	}
	if errs := validation.IsConfigMapKey(name); len(errs) > 0 {
		return fmt.Errorf("invalid document name %q: %s", name, strings.Join(errs, "; "))
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid document name %q", name)
	}
	return nil
}

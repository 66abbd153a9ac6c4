// Package config loads the noteflow configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/index"
	"github.com/kination/noteflow/internal/pipeline"
	"github.com/kination/noteflow/internal/queue"
	"github.com/kination/noteflow/internal/store"
)

// Config is the top-level configuration
type Config struct {
	Queue    queue.Config               `yaml:"queue"`
	Store    store.StoreConfig          `yaml:"store"`
	Vault    VaultConfig                `yaml:"vault"`
	Pipeline PipelineConfig             `yaml:"pipeline"`
	Index    IndexConfig                `yaml:"index"`
	Tasks    map[v1.TaskKind]TaskConfig `yaml:"tasks"`

	// MetricsAddr is where `noteflow serve` exposes Prometheus metrics
	MetricsAddr string `yaml:"metricsAddr"`
}

// VaultConfig locates the notes
type VaultConfig struct {
	Root string `yaml:"root"`
	// SnapshotDir holds undo snapshots. Relative paths are resolved against Root.
	SnapshotDir string `yaml:"snapshotDir"`
}

// PipelineConfig tunes the orchestrators
type PipelineConfig struct {
	AutoVerify bool   `yaml:"autoVerify"`
	Language   string `yaml:"language"`
	// History is how many finished pipelines each orchestrator remembers
	History int `yaml:"history"`
}

// IndexConfig tunes duplicate detection
type IndexConfig struct {
	DuplicateThreshold float64 `yaml:"duplicateThreshold"`
}

// TaskConfig binds a task kind to the provider that generates it and the
// command that runs it.
type TaskConfig struct {
	Provider string   `yaml:"provider"`
	Prompt   string   `yaml:"prompt"`
	Disabled bool     `yaml:"disabled"`
	Command  []string `yaml:"command"`
	Dir      string   `yaml:"dir"`
	Env      []string `yaml:"env"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Queue: queue.DefaultConfig(),
		Store: store.DefaultStoreConfig(),
		Vault: VaultConfig{
			Root:        ".",
			SnapshotDir: ".noteflow/snapshots",
		},
		Pipeline:    PipelineConfig{Language: "en", History: pipeline.DefaultMaxHistory},
		Index:       IndexConfig{DuplicateThreshold: index.DefaultThreshold},
		MetricsAddr: ":9090",
	}
}

// Load reads the YAML file at path and fills unset fields from Default.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("yaml parse error: %w", err)
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return Config{}, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the components would otherwise reject later
func (c Config) Validate() error {
	switch c.Pipeline.Language {
	case "en", "zh":
	default:
		return fmt.Errorf("unsupported language %q", c.Pipeline.Language)
	}
	if c.Pipeline.History < 0 {
		return fmt.Errorf("pipeline history %d is negative", c.Pipeline.History)
	}
	switch c.Store.Type {
	case store.StoreTypeFile, store.StoreTypeConfigMap, store.StoreTypeSQL, store.StoreTypeMemory:
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}
	if t := c.Index.DuplicateThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("duplicate threshold %v is outside (0, 1]", t)
	}
	for _, kind := range c.Queue.TypeLockedKinds {
		if !kind.Valid() {
			return fmt.Errorf("typeLockedKinds: %w: %q", v1.ErrUnknownKind, kind)
		}
	}
	for _, kind := range c.TaskKinds() {
		if !kind.Valid() {
			return fmt.Errorf("tasks: %w: %q", v1.ErrUnknownKind, kind)
		}
	}
	return nil
}

// TaskKinds returns the configured task kinds, sorted
func (c Config) TaskKinds() []v1.TaskKind {
	kinds := make([]v1.TaskKind, 0, len(c.Tasks))
	for k := range c.Tasks {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Resolve returns the provider and prompt for kind. A kind is usable when it
// is enabled, names a provider and has a command to run.
func (c Config) Resolve(kind v1.TaskKind) (provider, prompt string, ok bool) {
	t, found := c.Tasks[kind]
	if !found || t.Disabled || t.Provider == "" || len(t.Command) == 0 {
		return "", "", false
	}
	return t.Provider, t.Prompt, true
}

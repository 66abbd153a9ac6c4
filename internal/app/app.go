// Package app wires the queue, executors, vault, index and pipeline
// orchestrators from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/apimachinery/pkg/runtime"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/kination/noteflow/api/v1"
	"github.com/kination/noteflow/internal/config"
	"github.com/kination/noteflow/internal/executor"
	"github.com/kination/noteflow/internal/executor/command"
	"github.com/kination/noteflow/internal/index"
	"github.com/kination/noteflow/internal/pipeline"
	"github.com/kination/noteflow/internal/queue"
	"github.com/kination/noteflow/internal/store"
	"github.com/kination/noteflow/internal/vault"
)

// Kinds lists the workflows the app runs, in display order
var Kinds = []pipeline.Kind{pipeline.KindCreate, pipeline.KindAmend, pipeline.KindMerge, pipeline.KindVerify}

// Option customizes New
type Option func(*options)

type options struct {
	log      logr.Logger
	client   client.Client
	state    store.Store
	registry *executor.Registry
}

// WithLogger sets the logger used for wiring messages
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClient sets the Kubernetes client for the configmap store instead of
// building one from the ambient kubeconfig.
func WithClient(cl client.Client) Option {
	return func(o *options) { o.client = cl }
}

// WithStateStore replaces the store built from the config
func WithStateStore(s store.Store) Option {
	return func(o *options) { o.state = s }
}

// WithExecutors replaces the command executors built from the config
func WithExecutors(r *executor.Registry) Option {
	return func(o *options) { o.registry = r }
}

// App holds the wired components
type App struct {
	Config    config.Config
	Vault     *vault.Vault
	Snapshots *vault.Snapshots
	Index     *index.Index
	Queue     *queue.Queue
	Runner    *executor.Runner
	Metrics   *prometheus.Registry

	log        logr.Logger
	state      store.Store
	queueState *queue.DocumentStateStore
	snapshots  store.Store
	pipelines  map[pipeline.Kind]*pipeline.Orchestrator
	// restored is set once the saved queue state has been loaded; only then
	// may shutdown write it back.
	restored bool
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{log: ctrl.Log.WithName("app")}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config:    cfg,
		Metrics:   prometheus.NewRegistry(),
		log:       o.log,
		pipelines: make(map[pipeline.Kind]*pipeline.Orchestrator, len(Kinds)),
	}
	defer func() {
		if err != nil {
			_ = a.closeStores()
		}
	}()
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if a.Vault, err = vault.New(cfg.Vault.Root); err != nil {
		return nil, err
	}

	a.state = o.state
	if a.state == nil {
		if a.state, err = a.openState(ctx, o.client); err != nil {
			return nil, err
		}
	}
	if a.snapshots, err = store.NewFileStore(a.resolve(cfg.Vault.SnapshotDir)); err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	a.Snapshots = vault.NewSnapshots(a.Vault, a.snapshots)

	if a.Index, err = index.Open(ctx, a.state, cfg.Index.DuplicateThreshold); err != nil {
		return nil, err
	}

	registry, embedder, err := a.executors(o.registry)
	if err != nil {
		return nil, err
	}
	a.Runner = executor.NewRunner(registry)
	a.queueState = queue.NewDocumentStateStore(a.state, queue.DefaultStateDocument)
	a.Queue, err = queue.New(cfg.Queue, a.Runner,
		queue.WithStateStore(a.queueState),
		queue.WithRegisterer(a.Metrics),
	)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Queue:      a.Queue,
		Documents:  a.Vault,
		Snapshots:  a.Snapshots,
		Vectors:    a.Index,
		Duplicates: a.Index,
		Providers:  cfg,
		Records:    a.state,
	}
	if embedder != nil {
		deps.Embedder = embedder
	}
	popts := pipeline.Options{
		AutoVerify: cfg.Pipeline.AutoVerify,
		Language:   cfg.Pipeline.Language,
		MaxHistory: cfg.Pipeline.History,
	}
	for _, kind := range Kinds {
		orch, err := pipeline.New(kind, deps, popts)
		if err != nil {
			return nil, err
		}
		a.pipelines[kind] = orch
	}
	return a, nil
}

func (a *App) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Vault.Root(), p)
}

func (a *App) openState(ctx context.Context, cl client.Client) (store.Store, error) {
	cfg := a.Config.Store
	switch cfg.Type {
	case store.StoreTypeFile, "":
		cfg.Dir = a.resolve(cfg.Dir)
	case store.StoreTypeConfigMap:
		if cl == nil {
			var err error
			if cl, err = newClient(); err != nil {
				return nil, err
			}
		}
	}
	s, err := store.New(ctx, cfg, cl)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Type, err)
	}
	a.log.V(1).Info("opened state store", "type", cfg.Type)
	return s, nil
}

func newClient() (client.Client, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}
	return client.New(restConfig, client.Options{Scheme: scheme})
}

// executors registers one command executor for every enabled task kind with a
// command. The index command, if any, doubles as the embedder.
func (a *App) executors(registry *executor.Registry) (*executor.Registry, *command.Executor, error) {
	if registry != nil {
		return registry, nil, nil
	}
	var specs []command.Spec
	for _, kind := range a.Config.TaskKinds() {
		t := a.Config.Tasks[kind]
		if t.Disabled || len(t.Command) == 0 {
			continue
		}
		dir := t.Dir
		if dir != "" {
			dir = a.resolve(dir)
		}
		specs = append(specs, command.Spec{Kind: kind, Command: t.Command, Dir: dir, Env: t.Env})
	}
	exec, err := command.New(specs...)
	if err != nil {
		return nil, nil, err
	}
	registry = executor.NewRegistry()
	if len(specs) > 0 {
		registry.Register(exec)
	}
	a.log.V(1).Info("registered executors", "kinds", registry.Kinds())
	if !exec.HasKind(v1.KindIndex) {
		return registry, nil, nil
	}
	return registry, exec, nil
}

// Pipeline returns the orchestrator for kind
func (a *App) Pipeline(kind pipeline.Kind) *pipeline.Orchestrator {
	return a.pipelines[kind]
}

// FindPipeline returns the orchestrator that owns the pipeline id
func (a *App) FindPipeline(id string) (*pipeline.Orchestrator, *pipeline.PipelineContext, error) {
	for _, kind := range Kinds {
		orch := a.pipelines[kind]
		if pc, err := orch.Get(id); err == nil {
			return orch, pc, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
}

// Pending returns the pipelines awaiting confirmation, oldest first per kind
func (a *App) Pending() []*pipeline.PipelineContext {
	var out []*pipeline.PipelineContext
	for _, kind := range Kinds {
		for _, pc := range a.pipelines[kind].List() {
			if pc.Stage == pipeline.StageReview {
				out = append(out, pc)
			}
		}
	}
	return out
}

// Start restores persisted queue and pipeline state and starts the queue.
// Restored tasks whose pipeline did not survive the restart are cancelled.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Queue.Restore(ctx); err != nil {
		return err
	}
	a.restored = true
	for _, kind := range Kinds {
		if _, err := a.pipelines[kind].Restore(ctx); err != nil {
			return err
		}
	}
	for _, t := range a.Queue.List(queue.Filter{States: []v1.TaskState{v1.StatePending}}) {
		if t.PipelineID == "" {
			continue
		}
		if _, _, err := a.FindPipeline(t.PipelineID); err == nil {
			continue
		}
		a.log.Info("cancelling task of a pipeline lost on restart", "task", t.ID, "pipeline", t.PipelineID)
		if err := a.Queue.Cancel(t.ID); err != nil && !errors.Is(err, queue.ErrInvalidState) {
			return err
		}
	}
	return a.Queue.Start(ctx)
}

// SavedState loads the persisted queue state without restoring it
func (a *App) SavedState(ctx context.Context) (*queue.State, error) {
	return a.queueState.Load(ctx)
}

// Shutdown stops the orchestrators and the queue, then closes the stores.
// The queue state is only written back if Start restored it.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	for _, kind := range Kinds {
		if orch := a.pipelines[kind]; orch != nil {
			orch.Close()
		}
	}
	if a.restored {
		if err := a.Queue.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

func (a *App) closeStores() error {
	var errs []error
	for _, s := range []store.Store{a.state, a.snapshots} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

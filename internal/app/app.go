// Package app assembles the engine from its configuration: the durable
// store, the coordinator, the scheduler and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/normalizer"
	"github.com/crmarques/fabricsync/internal/providers/fsstore"
	"github.com/crmarques/fabricsync/internal/providers/store/sqlite"
	"github.com/crmarques/fabricsync/internal/reconciler"
	"github.com/crmarques/fabricsync/internal/scheduler"
	"github.com/crmarques/fabricsync/internal/server"
	"github.com/crmarques/fabricsync/internal/telemetry"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/store"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg         config.Config
	log         logr.Logger
	now         func() time.Time
	connector   reconciler.Connector
	store       *sqlite.Store
	registry    *prometheus.Registry
	metrics     *telemetry.Metrics
	machine     *store.Machine
	coordinator *reconciler.Coordinator
	status      *server.StatusReader
}

type Option func(*App)

func WithLogger(log logr.Logger) Option {
	return func(a *App) {
		a.log = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
	}
}

// WithConnector replaces the configuration-backed endpoint factory.
func WithConnector(connector reconciler.Connector) Option {
	return func(a *App) {
		if connector != nil {
			a.connector = connector
		}
	}
}

// New opens the store and registers every configured fabric in it.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: logr.Discard(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.connector == nil {
		a.connector = NewConnector(cfg)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, faults.Internal("failed to create work directory", err)
	}
	storePath := filepath.Join(cfg.WorkDir, config.DefaultStoreFileName)
	if cfg.Store.SQLite != nil {
		storePath = cfg.Store.SQLite.Path
	}
	st, err := sqlite.Open(storePath, sqlite.WithClock(a.now))
	if err != nil {
		return nil, err
	}
	a.store = st

	for _, fabric := range cfg.Fabrics {
		if err := st.UpsertFabric(ctx, FabricFromConfig(fabric)); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewMetrics(a.registry)
	if err != nil {
		_ = st.Close()
		return nil, faults.Internal("failed to register metrics", err)
	}
	a.metrics = metrics

	a.machine = store.NewMachine(st)
	a.status = server.NewStatusReader(st)
	a.coordinator = reconciler.NewCoordinator(st, a.connector, cfg.WorkDir,
		reconciler.WithClock(a.now),
		reconciler.WithRunTimeout(cfg.Reconciler.RunTimeout),
		reconciler.WithConcurrency(cfg.Reconciler.Concurrency),
		reconciler.WithMetrics(metrics),
	)
	return a, nil
}

func (a *App) Close() error {
	return a.store.Close()
}

// Serve runs the scheduler and the HTTP server until ctx is cancelled or
// either of them fails.
func (a *App) Serve(ctx context.Context) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, a.cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			a.log.Error(err, "failed to flush traces")
		}
	}()

	sched, err := scheduler.New(a.store, a.coordinator, scheduler.Config{
		Tick:      a.cfg.Scheduler.Tick,
		Workers:   a.cfg.Scheduler.Workers,
		QueueSize: a.cfg.Scheduler.QueueSize,
		LeaseTTL:  a.cfg.Reconciler.LeaseTTL(),
	},
		scheduler.WithMetrics(a.metrics),
		scheduler.WithLogger(a.log.WithName("scheduler")),
	)
	if err != nil {
		return err
	}
	srv := server.New(a.status, sched, a,
		server.WithGatherer(a.registry),
		server.WithLogger(a.log.WithName("http")),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sched.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.ListenAndServe(groupCtx, a.cfg.Server.Address)
	})
	return group.Wait()
}

// Sync runs one coordinator cycle in-process. It takes the fabric lease
// like the scheduler does, so it never overlaps a running sync.
func (a *App) Sync(ctx context.Context, fabricID string) (store.SyncRun, error) {
	_, holder, err := a.acquire(ctx, fabricID, "cli")
	if err != nil {
		return store.SyncRun{}, err
	}
	return a.coordinator.Run(logr.NewContext(ctx, a.log), fabricID, holder, store.TriggerManual)
}

// Ingest drops files into the fabric inbox and normalizes the inbox under
// the fabric lease.
func (a *App) Ingest(ctx context.Context, fabricID string, files []manifest.RawFile) ([]normalizer.FileResult, error) {
	fab, holder, err := a.acquire(ctx, fabricID, "cli")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := a.store.ReleaseLease(context.WithoutCancel(ctx), fabricID, holder, fab.SyncStatus); err != nil {
			a.log.Error(err, "failed to release lease after ingest", "fabric", fabricID)
		}
	}()

	workspace, err := fsstore.NewWorkspace(a.cfg.WorkDir, fabricID)
	if err != nil {
		return nil, err
	}
	if err := workspace.Init(); err != nil {
		return nil, err
	}
	for _, file := range files {
		if err := workspace.Inbox.Put(file); err != nil {
			return nil, err
		}
	}

	n := normalizer.New(fabricID, a.store, workspace,
		normalizer.WithClock(a.now),
		normalizer.WithConcurrency(a.cfg.Reconciler.Concurrency),
	)
	results, err := n.NormalizeInbox(logr.NewContext(ctx, a.log.WithValues("fabric", fabricID)))
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (a *App) Status(ctx context.Context, fabricID string) (server.Status, error) {
	return a.status.Status(ctx, fabricID)
}

func (a *App) ListStatus(ctx context.Context) ([]server.Status, error) {
	return a.status.List(ctx)
}

func (a *App) Resources(ctx context.Context, fabricID string) ([]server.Resource, error) {
	return a.status.Resources(ctx, fabricID)
}

// Retry resets an errored or drifted resource to pending. It holds the
// fabric lease for the write, so it is refused with a Conflict while a run
// owns the fabric.
func (a *App) Retry(ctx context.Context, fabricID string, id manifest.Identity) (store.ManagedResource, error) {
	fab, holder, err := a.acquire(ctx, fabricID, "retry")
	if err != nil {
		return store.ManagedResource{}, err
	}
	defer func() {
		if err := a.store.ReleaseLease(context.WithoutCancel(ctx), fabricID, holder, fab.SyncStatus); err != nil {
			a.log.Error(err, "failed to release lease after retry", "fabric", fabricID)
		}
	}()
	return a.machine.Retry(ctx, fabricID, id)
}

func (a *App) acquire(ctx context.Context, fabricID string, owner string) (store.Fabric, string, error) {
	fab, err := a.store.GetFabric(ctx, fabricID)
	if err != nil {
		return store.Fabric{}, "", err
	}

	holder := owner + "/" + uuid.NewString()
	acquired, err := a.store.AcquireLease(ctx, fabricID, holder, a.now(), a.cfg.Reconciler.LeaseTTL())
	if err != nil {
		return store.Fabric{}, "", err
	}
	if !acquired {
		return store.Fabric{}, "", faults.Conflict(fmt.Sprintf("fabric %q is already syncing", fabricID), nil)
	}
	return fab, holder, nil
}

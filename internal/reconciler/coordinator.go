// Package reconciler runs sync cycles. One run reconciles a fabric's raw
// inbox, managed store, git repository and live fabric, then records a
// single status update for the fabric.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/crmarques/fabricsync/fabric"
	"github.com/crmarques/fabricsync/internal/normalizer"
	"github.com/crmarques/fabricsync/internal/providers/fsstore"
	"github.com/crmarques/fabricsync/internal/telemetry"
	"github.com/crmarques/fabricsync/repository"
	"github.com/crmarques/fabricsync/store"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRunTimeout  = 10 * time.Minute
	defaultConcurrency = 4
)

// Endpoints are the remote sides of one fabric.
type Endpoints struct {
	Git    repository.Remote
	Fabric fabric.API
}

// Connector resolves the remote endpoints of a fabric.
type Connector interface {
	Connect(ctx context.Context, fabric store.Fabric) (Endpoints, error)
}

type ConnectorFunc func(ctx context.Context, fabric store.Fabric) (Endpoints, error)

func (f ConnectorFunc) Connect(ctx context.Context, fabric store.Fabric) (Endpoints, error) {
	return f(ctx, fabric)
}

type Coordinator struct {
	store       store.Store
	machine     *store.Machine
	connector   Connector
	workDir     string
	runTimeout  time.Duration
	concurrency int
	now         func() time.Time
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithRunTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.runTimeout = timeout
		}
	}
}

// WithConcurrency bounds concurrent normalization and per-kind fabric
// reconciliation within one run.
func WithConcurrency(concurrency int) Option {
	return func(c *Coordinator) {
		if concurrency > 0 {
			c.concurrency = concurrency
		}
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func NewCoordinator(st store.Store, connector Connector, workDir string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		machine:     store.NewMachine(st),
		connector:   connector,
		workDir:     workDir,
		runTimeout:  defaultRunTimeout,
		concurrency: defaultConcurrency,
		now:         time.Now,
		tracer:      telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one sync cycle for fabricID. The caller must hold the
// fabric lease as holder; Run always hands it back through FinishRun.
// Failures of the cycle itself end up in the returned SyncRun and the
// fabric status. The error reports only a failure to record the run.
func (c *Coordinator) Run(ctx context.Context, fabricID string, holder string, trigger store.Trigger) (store.SyncRun, error) {
	run := store.SyncRun{
		ID:        uuid.NewString(),
		FabricID:  fabricID,
		Trigger:   trigger,
		StartedAt: c.now(),
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("fabric", fabricID, "run", run.ID)
	ctx = logr.NewContext(ctx, log)

	ctx, span := c.tracer.Start(ctx, "fabricsync.run", trace.WithAttributes(
		attribute.String("fabric", fabricID),
		attribute.String("run", run.ID),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()

	log.Info("sync run started", "trigger", string(trigger))

	runCtx, cancel := context.WithTimeout(ctx, c.runTimeout)
	defer cancel()

	counts := &tally{}
	outcomes := c.execute(runCtx, fabricID, counts)
	status, syncError := Fold(outcomes, runCtx.Err())

	run.FinishedAt = c.now()
	run.Outcome = status
	run.Errors = runErrors(outcomes)
	counts.fill(&run)

	span.SetAttributes(attribute.String("outcome", string(status)))
	if status != store.StatusInSync {
		span.SetStatus(codes.Error, syncError)
	}

	update := store.StatusUpdate{Status: status, LastSync: run.FinishedAt, SyncError: syncError}
	if err := c.store.FinishRun(context.WithoutCancel(ctx), fabricID, holder, update, run); err != nil {
		log.Error(err, "failed to record sync run")
		return run, err
	}

	c.metrics.ObserveRun(fabricID, string(status), run.FinishedAt.Sub(run.StartedAt))
	c.metrics.AddResources(fabricID, "created", run.Created)
	c.metrics.AddResources(fabricID, "updated", run.Updated)
	c.metrics.AddResources(fabricID, "skipped", run.Skipped)
	c.metrics.AddResources(fabricID, "errored", run.Errored)
	c.metrics.AddResources(fabricID, "drifted", run.Drifted)

	log.Info("sync run finished",
		"outcome", string(status),
		"processed", run.Processed,
		"created", run.Created,
		"updated", run.Updated,
		"errored", run.Errored,
		"drifted", run.Drifted,
	)
	return run, nil
}

func (c *Coordinator) execute(ctx context.Context, fabricID string, counts *tally) []Outcome {
	connect := newRecorder("connect")
	fab, err := c.store.GetFabric(ctx, fabricID)
	if err != nil {
		connect.fatal(err)
		return []Outcome{connect.outcome()}
	}
	workspace, err := fsstore.NewWorkspace(c.workDir, fab.ID)
	if err != nil {
		connect.fatal(err)
		return []Outcome{connect.outcome()}
	}
	endpoints, err := c.connector.Connect(ctx, fab)
	if err != nil {
		connect.fatal(fmt.Errorf("connect: %w", err))
		return []Outcome{connect.outcome()}
	}

	r := &runner{
		fabricID:  fab.ID,
		direction: fab.Direction,
		policy:    fab.DriftPolicy.OrDefault(),
		store:     c.store,
		machine:   c.machine,
		workspace: workspace,
		normalizer: normalizer.New(fab.ID, c.store, workspace,
			normalizer.WithClock(c.now),
			normalizer.WithConcurrency(c.concurrency),
		),
		git:         endpoints.Git,
		api:         endpoints.Fabric,
		concurrency: c.concurrency,
		metrics:     c.metrics,
		tracer:      c.tracer,
		counts:      counts,
	}
	return r.run(ctx)
}

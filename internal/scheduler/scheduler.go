// Package scheduler dispatches coordinator runs: a single control loop
// finds due fabrics on every tick and a fixed worker pool executes them.
// Manual triggers share the same lease and queue.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/telemetry"
	"github.com/crmarques/fabricsync/store"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Result of a sync request.
type Result string

const (
	Accepted       Result = "accepted"
	AlreadyRunning Result = "already_running"
	NotFound       Result = "not_found"
)

// Runner executes one sync run for a fabric whose lease is held by
// holder, and releases the lease when done.
type Runner interface {
	Run(ctx context.Context, fabricID string, holder string, trigger store.Trigger) (store.SyncRun, error)
}

type Config struct {
	Tick      time.Duration
	Workers   int
	QueueSize int
	// LeaseTTL bounds how long a dispatched run may hold a fabric.
	LeaseTTL time.Duration
}

type job struct {
	fabricID string
	holder   string
	trigger  store.Trigger
	previous store.SyncStatus
}

type Scheduler struct {
	store    store.FabricStore
	runner   Runner
	cfg      Config
	clock    Clock
	metrics  *telemetry.Metrics
	log      logr.Logger
	instance string

	queue chan job
	wg    sync.WaitGroup
	once  sync.Once
}

type Option func(*Scheduler)

func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

func WithLogger(log logr.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

func New(st store.FabricStore, runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Tick <= 0 {
		return nil, faults.Validation("scheduler tick must be positive", nil)
	}
	if cfg.Workers < 1 {
		return nil, faults.Validation("scheduler needs at least one worker", nil)
	}
	if cfg.QueueSize < 1 {
		return nil, faults.Validation("scheduler queue size must be positive", nil)
	}
	if cfg.LeaseTTL <= 0 {
		return nil, faults.Validation("lease ttl must be positive", nil)
	}

	s := &Scheduler{
		store:    st,
		runner:   runner,
		cfg:      cfg,
		clock:    RealClock(),
		log:      logr.Discard(),
		instance: uuid.NewString(),
		queue:    make(chan job, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run starts the worker pool and the control loop, and blocks until ctx
// is cancelled. Queued runs that never started have their leases released
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.StartWorkers(ctx)

	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.log.Info("scheduler started", "tick", s.cfg.Tick.String(), "workers", s.cfg.Workers)
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.drain()
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// StartWorkers launches the worker pool once. Workers stop when ctx is
// cancelled.
func (s *Scheduler) StartWorkers(ctx context.Context) {
	s.once.Do(func() {
		for idx := 0; idx < s.cfg.Workers; idx++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.work(ctx)
			}()
		}
	})
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick recovers stale leases and dispatches every enabled, due fabric
// whose lease is free.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	recovered, err := s.store.RecoverStaleLeases(ctx, now)
	if err != nil {
		s.log.Error(err, "failed to recover stale leases")
	}
	for _, id := range recovered {
		s.log.Info("recovered interrupted sync run", "fabric", id)
	}

	fabrics, err := s.store.ListFabrics(ctx)
	if err != nil {
		s.log.Error(err, "failed to list fabrics")
		return
	}

	for _, fabric := range fabrics {
		if !fabric.Enabled || !fabric.Due(now) {
			continue
		}
		if fabric.LeaseHeld(now) {
			s.skipped(fabric.ID, telemetry.SkipLeaseHeld)
			continue
		}

		result, err := s.dispatch(ctx, fabric, store.TriggerSchedule, now)
		switch {
		case faults.IsCategory(err, faults.ConflictError):
			s.skipped(fabric.ID, telemetry.SkipQueueFull)
		case err != nil:
			s.log.Error(err, "failed to dispatch fabric", "fabric", fabric.ID)
		case result == AlreadyRunning:
			s.skipped(fabric.ID, telemetry.SkipLeaseHeld)
		default:
			s.log.V(1).Info("dispatched scheduled sync", "fabric", fabric.ID)
		}
	}
}

// RequestSync is the manual trigger. It returns without waiting for the
// run. A full queue is reported as a ConflictError.
func (s *Scheduler) RequestSync(ctx context.Context, fabricID string) (Result, error) {
	fabric, err := s.store.GetFabric(ctx, fabricID)
	if faults.IsCategory(err, faults.NotFoundError) {
		return NotFound, nil
	}
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	if fabric.LeaseHeld(now) {
		return AlreadyRunning, nil
	}
	result, err := s.dispatch(ctx, fabric, store.TriggerManual, now)
	if faults.IsCategory(err, faults.NotFoundError) {
		return NotFound, nil
	}
	if err != nil {
		return "", err
	}
	s.log.Info("manual sync requested", "fabric", fabricID, "result", string(result))
	return result, nil
}

func (s *Scheduler) dispatch(ctx context.Context, fabric store.Fabric, trigger store.Trigger, now time.Time) (Result, error) {
	holder := s.instance + "/" + uuid.NewString()
	acquired, err := s.store.AcquireLease(ctx, fabric.ID, holder, now, s.cfg.LeaseTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		return AlreadyRunning, nil
	}

	next := job{fabricID: fabric.ID, holder: holder, trigger: trigger, previous: fabric.SyncStatus}
	select {
	case s.queue <- next:
		s.metrics.SetQueueDepth(len(s.queue))
		return Accepted, nil
	default:
		if err := s.store.ReleaseLease(ctx, fabric.ID, holder, fabric.SyncStatus); err != nil {
			s.log.Error(err, "failed to release lease after a full queue", "fabric", fabric.ID)
		}
		return "", faults.Conflict("sync queue is full", nil)
	}
}

func (s *Scheduler) skipped(fabricID string, reason string) {
	s.metrics.DispatchSkipped(reason)
	s.log.V(1).Info("skipping fabric for this tick", "fabric", fabricID, "reason", reason)
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-s.queue:
			s.metrics.SetQueueDepth(len(s.queue))
			s.execute(ctx, next)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, next job) {
	log := s.log.WithValues("fabric", next.fabricID)
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("sync run panicked: %v", recovered)
			log.Error(err, "recovered from sync run panic", "stack", string(debug.Stack()))
			s.abandon(ctx, next, err)
		}
	}()

	if _, err := s.runner.Run(logr.NewContext(ctx, log), next.fabricID, next.holder, next.trigger); err != nil {
		log.Error(err, "sync run could not be recorded")
	}
}

// abandon records a run that never reached its own finish, so the fabric
// does not stay leased until the lease expires. Resources the run already
// committed keep their state, so the fabric ends partial_sync like any
// other aborted run.
func (s *Scheduler) abandon(ctx context.Context, next job, cause error) {
	now := s.clock.Now()
	run := store.SyncRun{
		ID:         uuid.NewString(),
		FabricID:   next.fabricID,
		Trigger:    next.trigger,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    store.StatusPartialSync,
		Errors:     []string{cause.Error()},
	}
	update := store.StatusUpdate{Status: store.StatusPartialSync, LastSync: now, SyncError: cause.Error()}
	if err := s.store.FinishRun(context.WithoutCancel(ctx), next.fabricID, next.holder, update, run); err != nil {
		s.log.Error(err, "failed to record abandoned sync run", "fabric", next.fabricID)
	}
}

// drain releases the leases of queued runs that never started.
func (s *Scheduler) drain() {
	for {
		select {
		case next := <-s.queue:
			if err := s.store.ReleaseLease(context.Background(), next.fabricID, next.holder, next.previous); err != nil {
				s.log.Error(err, "failed to release lease of a queued run", "fabric", next.fabricID)
			}
		default:
			s.metrics.SetQueueDepth(0)
			return
		}
	}
}

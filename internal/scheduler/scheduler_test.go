package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/providers/store/sqlite"
	"github.com/crmarques/fabricsync/internal/telemetry"
	"github.com/crmarques/fabricsync/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var epoch = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch, ticks: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	return fakeTicker{ch: c.ticks}
}

type fakeTicker struct {
	ch chan time.Time
}

func (t fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (fakeTicker) Stop() {}

// fakeRunner finishes runs through the store like the coordinator does
// and tracks how many runs of one fabric overlap.
type fakeRunner struct {
	store   store.FabricStore
	clock   Clock
	release chan struct{}
	panicOn string

	started chan string
	done    chan string

	mu        sync.Mutex
	runs      map[string]int
	active    map[string]int
	maxActive int
}

func newFakeRunner(st store.FabricStore, clock Clock) *fakeRunner {
	return &fakeRunner{
		store:   st,
		clock:   clock,
		started: make(chan string, 1024),
		done:    make(chan string, 1024),
		runs:    map[string]int{},
		active:  map[string]int{},
	}
}

func (r *fakeRunner) Run(ctx context.Context, fabricID string, holder string, trigger store.Trigger) (store.SyncRun, error) {
	r.mu.Lock()
	r.runs[fabricID]++
	r.active[fabricID]++
	if r.active[fabricID] > r.maxActive {
		r.maxActive = r.active[fabricID]
	}
	r.mu.Unlock()
	r.started <- fabricID

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.active[fabricID]--
	r.mu.Unlock()

	if fabricID == r.panicOn {
		panic("runner exploded")
	}

	now := r.clock.Now()
	run := store.SyncRun{
		ID:         uuid.NewString(),
		FabricID:   fabricID,
		Trigger:    trigger,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    store.StatusInSync,
	}
	err := r.store.FinishRun(context.WithoutCancel(ctx), fabricID, holder, store.StatusUpdate{Status: store.StatusInSync, LastSync: now}, run)
	r.done <- fabricID
	return run, err
}

func (r *fakeRunner) count(fabricID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[fabricID]
}

type fixture struct {
	store     *sqlite.Store
	clock     *fakeClock
	runner    *fakeRunner
	scheduler *Scheduler
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config, fabrics ...store.Fabric) *fixture {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, fabric := range fabrics {
		if err := st.UpsertFabric(context.Background(), fabric); err != nil {
			t.Fatalf("UpsertFabric returned error: %v", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		t.Fatalf("NewMetrics returned error: %v", err)
	}

	clock := newFakeClock()
	runner := newFakeRunner(st, clock)
	if cfg.Tick == 0 {
		cfg.Tick = 10 * time.Second
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 8
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = time.Hour
	}
	s, err := New(st, runner, cfg, WithClock(clock), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return &fixture{store: st, clock: clock, runner: runner, scheduler: s, registry: registry}
}

func testFabric(id string) store.Fabric {
	return store.Fabric{
		ID:           id,
		Enabled:      true,
		GitURL:       "https://git.example.invalid/" + id + ".git",
		GitBranch:    "main",
		SyncInterval: 60 * time.Second,
	}
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()

	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (f *fixture) fabric(t *testing.T, id string) store.Fabric {
	t.Helper()

	fabric, err := f.store.GetFabric(context.Background(), id)
	if err != nil {
		t.Fatalf("GetFabric returned error: %v", err)
	}
	return fabric
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []Config{
		{Tick: 0, Workers: 1, QueueSize: 1, LeaseTTL: time.Minute},
		{Tick: time.Second, Workers: 0, QueueSize: 1, LeaseTTL: time.Minute},
		{Tick: time.Second, Workers: 1, QueueSize: 0, LeaseTTL: time.Minute},
		{Tick: time.Second, Workers: 1, QueueSize: 1, LeaseTTL: 0},
	}
	for _, cfg := range tests {
		if _, err := New(nil, nil, cfg); !faults.IsCategory(err, faults.ValidationError) {
			t.Fatalf("expected ValidationError for %+v, got %v", cfg, err)
		}
	}
}

func TestSchedulingScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testFabric("fab-1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.StartWorkers(ctx)

	f.scheduler.Tick(ctx)
	waitFor(t, f.runner.done, "fab-1")
	if got := f.fabric(t, "fab-1").LastSync; got == nil || !got.Equal(epoch) {
		t.Fatalf("expected last_sync at the first tick, got %v", got)
	}

	f.clock.Advance(30 * time.Second)
	f.scheduler.Tick(ctx)
	if fabric := f.fabric(t, "fab-1"); fabric.LeaseHolder != "" {
		t.Fatalf("fabric was dispatched before its interval elapsed: %+v", fabric)
	}
	if got := f.runner.count("fab-1"); got != 1 {
		t.Fatalf("expected 1 run after 30s, got %d", got)
	}

	f.clock.Advance(30 * time.Second)
	f.scheduler.Tick(ctx)
	waitFor(t, f.runner.done, "fab-1")
	if got := f.runner.count("fab-1"); got != 2 {
		t.Fatalf("expected 2 runs after 60s, got %d", got)
	}
}

func TestDisabledFabricIsNotScheduled(t *testing.T) {
	t.Parallel()

	disabled := testFabric("fab-off")
	disabled.Enabled = false
	f := newFixture(t, Config{}, disabled)

	f.scheduler.Tick(context.Background())
	if fabric := f.fabric(t, "fab-off"); fabric.LeaseHolder != "" || fabric.SyncStatus != store.StatusNeverSynced {
		t.Fatalf("disabled fabric was dispatched: %+v", fabric)
	}
}

func TestManualSyncWhileRunningIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testFabric("fab-1"))
	f.runner.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.StartWorkers(ctx)

	f.scheduler.Tick(ctx)
	waitFor(t, f.runner.started, "fab-1")

	result, err := f.scheduler.RequestSync(ctx, "fab-1")
	if err != nil {
		t.Fatalf("RequestSync returned error: %v", err)
	}
	if result != AlreadyRunning {
		t.Fatalf("expected already_running, got %q", result)
	}

	f.scheduler.Tick(ctx)
	expected := `
# HELP fabricsync_dispatch_skipped_total Total due fabrics not dispatched on a scheduler tick
# TYPE fabricsync_dispatch_skipped_total counter
fabricsync_dispatch_skipped_total{reason="lease_held"} 1
`
	if err := testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "fabricsync_dispatch_skipped_total"); err != nil {
		t.Fatalf("unexpected skip metric: %v", err)
	}

	close(f.runner.release)
	waitFor(t, f.runner.done, "fab-1")
	if got := f.runner.count("fab-1"); got != 1 {
		t.Fatalf("expected a single run, got %d", got)
	}
}

func TestAtMostOneRunPerFabric(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 4, QueueSize: 64}, testFabric("fab-1"))
	f.runner.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.StartWorkers(ctx)

	var (
		mu       sync.Mutex
		accepted int
		wg       sync.WaitGroup
	)
	for idx := 0; idx < 32; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if idx%4 == 0 {
				f.scheduler.Tick(ctx)
				return
			}
			result, err := f.scheduler.RequestSync(ctx, "fab-1")
			if err != nil {
				t.Errorf("RequestSync returned error: %v", err)
				return
			}
			if result == Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	close(f.runner.release)
	waitFor(t, f.runner.done, "fab-1")

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	if f.runner.runs["fab-1"] != 1 {
		t.Fatalf("expected exactly one run, got %d (accepted manual requests %d)", f.runner.runs["fab-1"], accepted)
	}
	if f.runner.maxActive != 1 {
		t.Fatalf("expected at most one active run, got %d", f.runner.maxActive)
	}
}

func TestRepeatedTriggersNeverOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 4, QueueSize: 64}, testFabric("fab-1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.StartWorkers(ctx)

	var (
		mu       sync.Mutex
		accepted int
		wg       sync.WaitGroup
	)
	for idx := 0; idx < 16; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 10; attempt++ {
				result, err := f.scheduler.RequestSync(ctx, "fab-1")
				if err != nil {
					t.Errorf("RequestSync returned error: %v", err)
					return
				}
				if result == Accepted {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for idx := 0; idx < accepted; idx++ {
		waitFor(t, f.runner.done, "fab-1")
	}
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	if f.runner.maxActive > 1 {
		t.Fatalf("runs of one fabric overlapped: max active %d", f.runner.maxActive)
	}
	if f.runner.runs["fab-1"] != accepted {
		t.Fatalf("expected %d runs, got %d", accepted, f.runner.runs["fab-1"])
	}
}

func TestRequestSyncUnknownFabric(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	result, err := f.scheduler.RequestSync(context.Background(), "missing")
	if err != nil {
		t.Fatalf("RequestSync returned error: %v", err)
	}
	if result != NotFound {
		t.Fatalf("expected not_found, got %q", result)
	}
}

func TestFullQueueReleasesLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{QueueSize: 1}, testFabric("fab-a"), testFabric("fab-b"))

	result, err := f.scheduler.RequestSync(context.Background(), "fab-a")
	if err != nil || result != Accepted {
		t.Fatalf("expected accepted, got %q %v", result, err)
	}

	_, err = f.scheduler.RequestSync(context.Background(), "fab-b")
	if !faults.IsCategory(err, faults.ConflictError) || !strings.Contains(err.Error(), "sync queue is full") {
		t.Fatalf("expected queue full conflict, got %v", err)
	}
	fabric := f.fabric(t, "fab-b")
	if fabric.LeaseHolder != "" || fabric.SyncStatus != store.StatusNeverSynced {
		t.Fatalf("expected fab-b lease released, got %+v", fabric)
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 1}, testFabric("fab-1"), testFabric("fab-2"))
	f.runner.panicOn = "fab-1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.StartWorkers(ctx)

	if result, err := f.scheduler.RequestSync(ctx, "fab-1"); err != nil || result != Accepted {
		t.Fatalf("expected accepted, got %q %v", result, err)
	}
	if result, err := f.scheduler.RequestSync(ctx, "fab-2"); err != nil || result != Accepted {
		t.Fatalf("expected accepted, got %q %v", result, err)
	}

	// The single worker survives the panic and runs the next fabric.
	waitFor(t, f.runner.done, "fab-2")

	fabric := f.fabric(t, "fab-1")
	if fabric.LeaseHolder != "" || fabric.SyncStatus != store.StatusPartialSync || !strings.Contains(fabric.SyncError, "panicked") {
		t.Fatalf("expected abandoned run to be recorded, got %+v", fabric)
	}
}

func TestTickRecoversStaleLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testFabric("fab-1"))
	acquired, err := f.store.AcquireLease(context.Background(), "fab-1", "crashed-instance", epoch, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("AcquireLease returned %v %v", acquired, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.StartWorkers(ctx)

	f.scheduler.Tick(ctx)
	if got := f.runner.count("fab-1"); got != 0 {
		t.Fatalf("expected held lease to block dispatch, got %d runs", got)
	}

	f.clock.Advance(2 * time.Minute)
	f.scheduler.Tick(ctx)
	waitFor(t, f.runner.done, "fab-1")
	if got := f.runner.count("fab-1"); got != 1 {
		t.Fatalf("expected stale lease to be recovered and dispatched, got %d runs", got)
	}
}

func TestRunLoopTicksUntilCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testFabric("fab-1"))
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan error, 1)
	go func() {
		stopped <- f.scheduler.Run(ctx)
	}()

	waitFor(t, f.runner.done, "fab-1")

	f.clock.Advance(time.Minute)
	f.clock.ticks <- f.clock.Now()
	waitFor(t, f.runner.done, "fab-1")

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if got := f.runner.count("fab-1"); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

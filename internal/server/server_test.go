package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/providers/store/sqlite"
	"github.com/crmarques/fabricsync/internal/scheduler"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/state"
	"github.com/crmarques/fabricsync/store"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeTrigger struct {
	result scheduler.Result
	err    error
	calls  []string
}

func (f *fakeTrigger) RequestSync(_ context.Context, fabricID string) (scheduler.Result, error) {
	f.calls = append(f.calls, fabricID)
	return f.result, f.err
}

type fixture struct {
	store   *sqlite.Store
	trigger *fakeTrigger
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, id := range []string{"fab-a", "fab-b"} {
		if err := st.UpsertFabric(ctx, store.Fabric{ID: id, Enabled: true, GitURL: "https://git.example.invalid/" + id, GitBranch: "main", SyncInterval: time.Minute}); err != nil {
			t.Fatalf("UpsertFabric returned error: %v", err)
		}
	}

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "fabricsync_test_total", Help: "test counter"})
	registry.MustRegister(counter)
	counter.Inc()

	trigger := &fakeTrigger{result: scheduler.Accepted}
	srv := New(NewStatusReader(st), trigger, store.NewMachine(st), WithGatherer(registry))
	return &fixture{store: st, trigger: trigger, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method string, target string) *httptest.ResponseRecorder {
	t.Helper()

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest(method, target, nil))
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()

	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
	return value
}

func TestRequestSyncStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result scheduler.Result
		err    error
		code   int
	}{
		{name: "accepted", result: scheduler.Accepted, code: http.StatusAccepted},
		{name: "already running", result: scheduler.AlreadyRunning, code: http.StatusConflict},
		{name: "not found", result: scheduler.NotFound, code: http.StatusNotFound},
		{name: "queue full", err: faults.Conflict("sync queue is full", nil), code: http.StatusServiceUnavailable},
		{name: "store failure", err: faults.Internal("boom", nil), code: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.trigger.result = tt.result
			f.trigger.err = tt.err

			recorder := f.do(t, http.MethodPost, "/api/v1/fabrics/fab-a/sync")
			if recorder.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, recorder.Code, recorder.Body.String())
			}
			if len(f.trigger.calls) != 1 || f.trigger.calls[0] != "fab-a" {
				t.Fatalf("unexpected trigger calls %v", f.trigger.calls)
			}
			if tt.err == nil {
				body := decode[syncResponse](t, recorder)
				if body.Result != tt.result || body.FabricID != "fab-a" {
					t.Fatalf("unexpected response %+v", body)
				}
			}
		})
	}
}

func TestSyncRequiresPost(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recorder := f.do(t, http.MethodGet, "/api/v1/fabrics/fab-a/sync")
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
	if len(f.trigger.calls) != 0 {
		t.Fatalf("trigger must not be called, got %v", f.trigger.calls)
	}
}

func TestFabricStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	finished := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	acquired, err := f.store.AcquireLease(ctx, "fab-a", "holder", finished, time.Hour)
	if err != nil || !acquired {
		t.Fatalf("AcquireLease returned %v %v", acquired, err)
	}
	run := store.SyncRun{
		ID:         "run-1",
		FabricID:   "fab-a",
		Trigger:    store.TriggerManual,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		Outcome:    store.StatusPartialSync,
		Processed:  3,
		Errored:    1,
		Errors:     []string{"raw/a.yaml: document 2: missing metadata.name"},
	}
	update := store.StatusUpdate{Status: store.StatusPartialSync, LastSync: finished, SyncError: "1 failure(s)"}
	if err := f.store.FinishRun(ctx, "fab-a", "holder", update, run); err != nil {
		t.Fatalf("FinishRun returned error: %v", err)
	}

	recorder := f.do(t, http.MethodGet, "/api/v1/fabrics/fab-a/status")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	status := decode[Status](t, recorder)
	if status.SyncStatus != store.StatusPartialSync || status.SyncError != "1 failure(s)" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastSync == nil || !status.LastSync.Equal(finished) {
		t.Fatalf("unexpected last sync %v", status.LastSync)
	}
	if status.LatestRun == nil || status.LatestRun.ID != "run-1" || status.LatestRun.Errored != 1 || len(status.LatestRun.Errors) != 1 {
		t.Fatalf("unexpected latest run %+v", status.LatestRun)
	}

	recorder = f.do(t, http.MethodGet, "/api/v1/fabrics/missing/status")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown fabric, got %d", recorder.Code)
	}
}

func TestListFabrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recorder := f.do(t, http.MethodGet, "/api/v1/fabrics")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decode[struct {
		Items []Status `json:"items"`
	}](t, recorder)
	if len(body.Items) != 2 {
		t.Fatalf("expected 2 fabrics, got %+v", body.Items)
	}
	for _, item := range body.Items {
		if item.SyncStatus != store.StatusNeverSynced || item.LatestRun != nil {
			t.Fatalf("expected untouched fabric, got %+v", item)
		}
	}
}

func TestRetryResource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	id := manifest.Identity{Kind: manifest.KindVPC, Namespace: "default", Name: "vpc-1"}
	if _, err := f.store.UpdateResource(ctx, "fab-a", id, func(resource *store.ManagedResource, _ bool) error {
		resource.State = state.Error
		resource.ErrorMessage = "apply rejected"
		resource.ContentHash = "sha256:abc"
		return nil
	}); err != nil {
		t.Fatalf("UpdateResource returned error: %v", err)
	}

	recorder := f.do(t, http.MethodPost, "/api/v1/fabrics/fab-a/resources/VPC/default/vpc-1/retry")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decode[Resource](t, recorder)
	if body.State != string(state.Pending) || body.ErrorMessage != "" {
		t.Fatalf("expected pending resource, got %+v", body)
	}

	// A pending resource can not be retried again.
	recorder = f.do(t, http.MethodPost, "/api/v1/fabrics/fab-a/resources/VPC/default/vpc-1/retry")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodPost, "/api/v1/fabrics/fab-a/resources/Bogus/default/vpc-1/retry")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/api/v1/fabrics/fab-a/resources/VPC/default/vpc-2/retry")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown resource, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodGet, "/api/v1/fabrics/fab-a/resources")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	resources := decode[struct {
		Items []Resource `json:"items"`
	}](t, recorder)
	if len(resources.Items) != 1 || resources.Items[0].Path != id.Path() {
		t.Fatalf("unexpected resources %+v", resources.Items)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recorder := f.do(t, http.MethodGet, "/metrics")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "fabricsync_test_total 1") {
		t.Fatalf("unexpected metrics response %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodGet, "/healthz")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	t.Parallel()

	tests := map[faults.ErrorCategory]int{
		faults.ValidationError: http.StatusBadRequest,
		faults.NotFoundError:   http.StatusNotFound,
		faults.ConflictError:   http.StatusConflict,
		faults.AuthError:       http.StatusForbidden,
		faults.RateLimitError:  http.StatusTooManyRequests,
		faults.TransportError:  http.StatusInternalServerError,
		faults.InternalError:   http.StatusInternalServerError,
	}
	for category, want := range tests {
		if got := statusCode(faults.NewTypedError(category, "x", nil)); got != want {
			t.Fatalf("%s: expected %d, got %d", category, want, got)
		}
	}
}

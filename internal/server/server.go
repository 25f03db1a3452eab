// Package server exposes the trigger and status read APIs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/scheduler"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/store"
	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

type Trigger interface {
	RequestSync(ctx context.Context, fabricID string) (scheduler.Result, error)
}

type Retrier interface {
	Retry(ctx context.Context, fabricID string, id manifest.Identity) (store.ManagedResource, error)
}

type Server struct {
	status   *StatusReader
	trigger  Trigger
	retrier  Retrier
	gatherer prometheus.Gatherer
	log      logr.Logger
	router   *mux.Router
}

type Option func(*Server)

func WithLogger(log logr.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithGatherer serves the given registry on /metrics instead of the
// default one.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		if gatherer != nil {
			s.gatherer = gatherer
		}
	}
}

func New(status *StatusReader, trigger Trigger, retrier Retrier, opts ...Option) *Server {
	s := &Server{
		status:   status,
		trigger:  trigger,
		retrier:  retrier,
		gatherer: prometheus.DefaultGatherer,
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/fabrics", s.listFabrics).Methods(http.MethodGet)
	api.HandleFunc("/fabrics/{id}/status", s.fabricStatus).Methods(http.MethodGet)
	api.HandleFunc("/fabrics/{id}/resources", s.fabricResources).Methods(http.MethodGet)
	api.HandleFunc("/fabrics/{id}/sync", s.requestSync).Methods(http.MethodPost)
	api.HandleFunc("/fabrics/{id}/resources/{kind}/{namespace}/{name}/retry", s.retryResource).Methods(http.MethodPost)
	return router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "address", address)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return faults.NewTypedError(faults.TransportError, "http server failed", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return faults.NewTypedError(faults.TransportError, "http server shutdown failed", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listFabrics(w http.ResponseWriter, r *http.Request) {
	items, err := s.status.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) fabricStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.status.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) fabricResources(w http.ResponseWriter, r *http.Request) {
	items, err := s.status.Resources(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type syncResponse struct {
	FabricID string           `json:"fabric"`
	Result   scheduler.Result `json:"result"`
}

func (s *Server) requestSync(w http.ResponseWriter, r *http.Request) {
	fabricID := mux.Vars(r)["id"]
	result, err := s.trigger.RequestSync(r.Context(), fabricID)
	if faults.IsCategory(err, faults.ConflictError) {
		// The queue is full; the fabric itself is not running.
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	code := http.StatusAccepted
	switch result {
	case scheduler.AlreadyRunning:
		code = http.StatusConflict
	case scheduler.NotFound:
		code = http.StatusNotFound
	}
	writeJSON(w, code, syncResponse{FabricID: fabricID, Result: result})
}

func (s *Server) retryResource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, ok := manifest.ParseKind(vars["kind"])
	if !ok {
		s.writeError(w, r, faults.Validation("unknown kind "+vars["kind"], nil))
		return
	}
	id := manifest.Identity{Kind: kind, Namespace: vars["namespace"], Name: vars["name"]}
	if err := id.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	resource, err := s.retrier.Retry(r.Context(), vars["id"], id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("resource reset to pending", "fabric", vars["id"], "resource", id.String())
	writeJSON(w, http.StatusOK, ResourceFrom(resource))
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.log.Error(err, "request failed", "method", r.Method, "path", r.URL.Path)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusCode(err error) int {
	switch faults.Category(err) {
	case faults.ValidationError:
		return http.StatusBadRequest
	case faults.NotFoundError:
		return http.StatusNotFound
	case faults.ConflictError:
		return http.StatusConflict
	case faults.AuthError:
		return http.StatusForbidden
	case faults.RateLimitError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

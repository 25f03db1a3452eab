// Package telemetry holds the prometheus collectors and the tracer used by
// the sync engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fabricsync"

// Dispatch skip reasons.
const (
	SkipLeaseHeld = "lease_held"
	SkipQueueFull = "queue_full"
)

// Metrics groups the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs               *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	resourcesProcessed *prometheus.CounterVec
	driftDetected      *prometheus.CounterVec
	dispatchSkipped    *prometheus.CounterVec
	queueDepth         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Total sync runs by fabric and outcome",
			},
			// outcome: in_sync, partial_sync, error
			[]string{"fabric", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Distribution of sync run durations",
				Buckets:   []float64{.1, 1, 5, 15, 60, 300, 900},
			},
			[]string{"fabric"},
		),
		resourcesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "resources_processed_total",
				Help:      "Total resources processed by sync runs",
			},
			// result: created, updated, skipped, errored, drifted
			[]string{"fabric", "result"},
		),
		driftDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "drift_detected_total",
				Help:      "Total drift detections by side",
			},
			// source: git, fabric
			[]string{"fabric", "source"},
		),
		dispatchSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_skipped_total",
				Help:      "Total due fabrics not dispatched on a scheduler tick",
			},
			[]string{"reason"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Fabrics waiting for a sync worker",
			},
		),
	}

	for _, collector := range []prometheus.Collector{
		m.runs,
		m.runDuration,
		m.resourcesProcessed,
		m.driftDetected,
		m.dispatchSkipped,
		m.queueDepth,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveRun(fabricID string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(fabricID, outcome).Inc()
	m.runDuration.WithLabelValues(fabricID).Observe(duration.Seconds())
}

func (m *Metrics) AddResources(fabricID string, result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.resourcesProcessed.WithLabelValues(fabricID, result).Add(float64(count))
}

func (m *Metrics) DriftDetected(fabricID string, source string) {
	if m == nil {
		return
	}
	m.driftDetected.WithLabelValues(fabricID, source).Inc()
}

func (m *Metrics) DispatchSkipped(reason string) {
	if m == nil {
		return
	}
	m.dispatchSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

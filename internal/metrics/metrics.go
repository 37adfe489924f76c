// Package metrics holds the Prometheus collectors for the truth pipeline.
//
// Every Metrics owns its registry so tests and multiple engines in one
// process never collide on registration. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "truth"

// Metrics is the set of pipeline collectors.
//
//   - truth_requests_total{operation,outcome}
//   - truth_observations_appended_total
//   - truth_raw_fragments_total
//   - truth_interpretation_runs_total{status}
//   - truth_lock_timeouts_total{kind}
//   - truth_recompute_duration_seconds{kind}
type Metrics struct {
	registry *prometheus.Registry

	Requests             *prometheus.CounterVec
	ObservationsAppended prometheus.Counter
	RawFragments         prometheus.Counter
	InterpretationRuns   *prometheus.CounterVec
	LockTimeouts         *prometheus.CounterVec
	RecomputeDuration    *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Mutating requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		ObservationsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_appended_total",
			Help:      "Observations and relationship observations appended",
		}),
		RawFragments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_fragments_total",
			Help:      "Candidates preserved as raw fragments",
		}),
		InterpretationRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interpretation_runs_total",
			Help:      "Interpretation runs by terminal status",
		}, []string{"status"}),
		LockTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Lock acquisitions that timed out",
		}, []string{"kind"}),
		RecomputeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Snapshot recompute latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"kind"}),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Request counts one mutating request.
func (m *Metrics) Request(operation, outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(operation, outcome).Inc()
}

// Appended counts n appended observations.
func (m *Metrics) Appended(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ObservationsAppended.Add(float64(n))
}

// Fragments counts n raw fragments.
func (m *Metrics) Fragments(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RawFragments.Add(float64(n))
}

// Run counts an interpretation run reaching status.
func (m *Metrics) Run(status string) {
	if m == nil {
		return
	}
	m.InterpretationRuns.WithLabelValues(status).Inc()
}

// LockTimeout counts a lock timeout of kind ("idempotency" or "entity").
func (m *Metrics) LockTimeout(kind string) {
	if m == nil {
		return
	}
	m.LockTimeouts.WithLabelValues(kind).Inc()
}

// ObserveRecompute records a recompute of kind ("entity" or "relationship")
// that started at start.
func (m *Metrics) ObserveRecompute(kind string, start time.Time) {
	if m == nil {
		return
	}
	m.RecomputeDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// WriteText writes every collected family in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for recipe runs.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meow-stack/recipe-engine/internal/hooks"
)

const namespace = "recipes"

// Metrics collects run and step counters. It is fed by lifecycle events, so
// attach it to a hooks.Registry with Attach.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	mu       sync.Mutex
	started  map[string]time.Time // Keyed by recipe name
	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		started:  make(map[string]time.Time),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of recipe runs started",
			},
			[]string{"recipe"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of recipe runs finished, by status",
			},
			[]string{"recipe", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Recipe run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"recipe", "status"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of top-level steps, by final status",
			},
			[]string{"recipe", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Top-level step duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"recipe", "kind"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsTotal,
		m.stepDuration,
		m.activeRuns,
	)
	return m
}

// Registry returns the Prometheus registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Attach subscribes the collector to every lifecycle event.
func (m *Metrics) Attach(reg *hooks.Registry) {
	reg.Register(hooks.Wildcard, "metrics", m.Handle)
}

// Handle updates metrics from one lifecycle event.
func (m *Metrics) Handle(_ context.Context, event string, data map[string]any) (any, error) {
	name, _ := data["name"].(string)

	switch event {
	case hooks.EventRecipeStart:
		m.runsStarted.WithLabelValues(name).Inc()
		m.activeRuns.Inc()
		m.mu.Lock()
		m.started[name] = time.Now()
		m.mu.Unlock()

	case hooks.EventRecipeStep:
		status, _ := data["status"].(string)
		kind, _ := data["kind"].(string)
		m.stepsTotal.WithLabelValues(name, status).Inc()
		if d, ok := data["duration_seconds"].(float64); ok {
			m.stepDuration.WithLabelValues(name, kind).Observe(d)
		}

	case hooks.EventRecipeComplete:
		status, _ := data["status"].(string)
		m.runsCompleted.WithLabelValues(name, status).Inc()
		m.activeRuns.Dec()
		m.mu.Lock()
		start, ok := m.started[name]
		delete(m.started, name)
		m.mu.Unlock()
		if ok {
			m.runDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
		}
	}
	return nil, nil
}

// WriteTextfile writes the metrics in Prometheus text format, for pickup by
// a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

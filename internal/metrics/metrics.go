// Package metrics exports Prometheus collectors for the gateway's
// worker pool, runner, and task lifecycle. Grounded on the teacher's
// ai/metrics/prometheus.go exporter shape, trimmed to the gateway's own
// namespace and metric set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ccgateway"

// Registry exports the gateway's operational metrics.
type Registry struct {
	registry *prometheus.Registry

	poolOutstanding prometheus.Gauge
	poolRunning     prometheus.Gauge
	poolConcurrency prometheus.Gauge

	requestsTotal   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	runnerExitTotal *prometheus.CounterVec

	tasksCreated   prometheus.Counter
	tasksByStatus  *prometheus.CounterVec
	taskDurationMs *prometheus.HistogramVec
}

// New builds a fresh Registry with all collectors registered.
func New() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		registry: r,
		poolOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "outstanding",
			Help: "Requests admitted to the pool but not yet finished.",
		}),
		poolRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "running",
			Help: "Requests currently executing a CLI child process.",
		}),
		poolConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "concurrency_limit",
			Help: "Configured maximum concurrent CLI executions.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "requests", Name: "total",
			Help: "Total requests submitted to the worker pool, by outcome.",
		}, []string{"outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "requests", Name: "latency_seconds",
			Help:    "End-to-end request latency as observed by the pool.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		runnerExitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runner", Name: "exit_total",
			Help: "CLI child process completions, by classification.",
		}, []string{"kind"}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "created_total",
			Help: "Background tasks created.",
		}),
		tasksByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "terminal_total",
			Help: "Background tasks reaching a terminal state, by status.",
		}, []string{"status"}),
		taskDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "duration_seconds",
			Help:    "Background task duration from start to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
	}

	r.MustRegister(
		m.poolOutstanding, m.poolRunning, m.poolConcurrency,
		m.requestsTotal, m.requestLatency, m.runnerExitTotal,
		m.tasksCreated, m.tasksByStatus, m.taskDurationMs,
	)
	return m
}

// ObservePoolStats records an instantaneous occupancy snapshot.
func (m *Registry) ObservePoolStats(outstanding, running, concurrency int) {
	m.poolOutstanding.Set(float64(outstanding))
	m.poolRunning.Set(float64(running))
	m.poolConcurrency.Set(float64(concurrency))
}

// RecordRequest records one finished pool submission, classified by
// outcome ("success", an apierror.Kind string, or "error").
func (m *Registry) RecordRequest(outcome string, latencySeconds float64) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestLatency.WithLabelValues(outcome).Observe(latencySeconds)
}

// RecordRunnerExit records one CLI child process completion,
// classified by its apierror.Kind string, or "ok" on success.
func (m *Registry) RecordRunnerExit(kind string) {
	m.runnerExitTotal.WithLabelValues(kind).Inc()
}

// RecordTaskCreated increments the background task creation counter.
func (m *Registry) RecordTaskCreated() {
	m.tasksCreated.Inc()
}

// RecordTaskTerminal records one background task reaching a terminal
// state, with its total duration.
func (m *Registry) RecordTaskTerminal(status string, durationSeconds float64) {
	m.tasksByStatus.WithLabelValues(status).Inc()
	m.taskDurationMs.WithLabelValues(status).Observe(durationSeconds)
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

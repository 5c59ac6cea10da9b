// Package telemetry exposes Prometheus metrics and configures OpenTelemetry
// tracing for the orchestrator.
package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "branchoff"

// Metrics holds the orchestrator's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	queueDepth    prometheus.Gauge

	pipelineRuns  *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
}

// NewMetrics creates and registers every collector, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "tasks_total",
				Help:      "Total number of queue tasks run to completion",
			},
			[]string{"task"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "task_duration_seconds",
				Help:      "Duration of queue tasks in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"task"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of tasks waiting behind the one in flight",
			},
		),
		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of pipeline runs by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of webhook deliveries by event and result",
			},
			[]string{"event", "result"},
		),
	}

	registry.MustRegister(
		m.tasksFinished,
		m.taskDuration,
		m.queueDepth,
		m.pipelineRuns,
		m.webhookEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// TaskQueued records the queue depth after an enqueue.
func (m *Metrics) TaskQueued(_ string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// TaskFinished records a completed task and the remaining depth.
func (m *Metrics) TaskFinished(name string, elapsed time.Duration, depth int) {
	if m == nil {
		return
	}
	label := taskLabel(name)
	m.tasksFinished.WithLabelValues(label).Inc()
	m.taskDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	m.queueDepth.Set(float64(depth))
}

// RecordRun counts a finished pipeline run.
func (m *Metrics) RecordRun(operation, outcome string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(operation, outcome).Inc()
}

// RecordWebhook counts a webhook delivery.
func (m *Metrics) RecordWebhook(event, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// taskLabel keeps label cardinality bounded. Task names look like
// "<step> <context-id>"; only the step is used.
func taskLabel(name string) string {
	step, _, _ := strings.Cut(name, " ")
	return step
}

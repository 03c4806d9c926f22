// Package metrics defines the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksActive is the number of tasks currently running, per runtime.
	TasksActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codesdk",
		Name:      "tasks_active",
		Help:      "Number of currently running tasks.",
	}, []string{"runtime"})

	// TasksQueued is the number of tasks waiting on a session lock.
	TasksQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codesdk",
		Name:      "tasks_queued",
		Help:      "Number of tasks waiting for their session lock.",
	}, []string{"runtime"})

	// TasksCompleted counts finished tasks by terminal status.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codesdk",
		Name:      "tasks_total",
		Help:      "Tasks finished, labelled by terminal status.",
	}, []string{"runtime", "status"})

	// TaskDuration observes wall-clock task duration.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codesdk",
		Name:      "task_duration_seconds",
		Help:      "Task duration from start to terminal event.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"runtime"})

	// EventsAppended counts events written to the store.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codesdk",
		Name:      "events_appended_total",
		Help:      "Normalized events appended to the store.",
	}, []string{"type"})

	// ToolCalls counts tool executions by decision outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codesdk",
		Name:      "tool_executions_total",
		Help:      "Tool calls processed, labelled by outcome.",
	}, []string{"tool", "outcome"})

	// Backpressure counts dropped work by cause.
	Backpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codesdk",
		Name:      "backpressure_drops_total",
		Help:      "Requests or subscribers dropped under load.",
	}, []string{"cause"})

	// SSEClients is the number of connected event-stream clients.
	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codesdk",
		Name:      "sse_clients",
		Help:      "Connected SSE and WebSocket event-stream clients.",
	})

	// HTTPRequests counts handled HTTP requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codesdk",
		Name:      "http_requests_total",
		Help:      "HTTP requests handled, by route and status.",
	}, []string{"method", "route", "status"})
)

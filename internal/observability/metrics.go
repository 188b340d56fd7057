package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "scalpel_bridge"

var (
	// PendingCommands tracks in-flight commands awaiting a response.
	PendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_commands",
		Help:      "Commands submitted to the browser that have not resolved yet.",
	})
	// CommandOutcomes counts resolved commands by outcome (success, protocol_error, timeout, stale, send_error).
	CommandOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "commands_total",
		Help:      "Resolved commands partitioned by outcome.",
	}, []string{"outcome"})
	// EventsAppended counts events stored per buffer.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_appended_total",
		Help:      "Events appended to each domain buffer.",
	}, []string{"buffer"})
	// EventsEvicted counts records overwritten by newer arrivals.
	EventsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_evicted_total",
		Help:      "Records evicted from a full domain buffer.",
	}, []string{"buffer"})
	// TelemetryRecords counts telemetry entries by category.
	TelemetryRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "telemetry_records_total",
		Help:      "Crash and failure records captured by the telemetry recorder.",
	}, []string{"category"})
	// ConnectionGeneration exposes the current control socket generation.
	ConnectionGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connection_generation",
		Help:      "Generation of the current control socket connection.",
	})
	// Reconnects counts reconnect attempts by result.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts against the debugging target partitioned by result.",
	}, []string{"result"})
)

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

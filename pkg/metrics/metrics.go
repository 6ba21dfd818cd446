// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamDuration tracks upstream streaming response duration.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_stream_duration_seconds",
			Help:    "Upstream streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// TokensTotal tracks total tokens reported by the upstream.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_tokens_total",
			Help: "Total tokens reported by the upstream",
		},
		[]string{"model", "direction"},
	)

	// DeltasTotal tracks delta frames parsed per channel.
	DeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_deltas_total",
			Help: "Delta frames parsed from the upstream stream",
		},
		[]string{"channel"},
	)

	// MalformedFramesTotal tracks frames skipped because they failed to decode.
	MalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_malformed_frames_total",
			Help: "Upstream frames skipped due to decode failure",
		},
	)

	// SSEConnectionsActive tracks active SSE relay connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SessionsTotal tracks sessions created.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sessions_total",
			Help: "Total chat sessions created",
		},
	)

	// MessagesTotal tracks messages committed to sessions.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total messages committed to sessions",
		},
		[]string{"role"},
	)

	// StoreWriteErrorsTotal tracks recoverable persistence failures.
	StoreWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_write_errors_total",
			Help: "Session store write failures (in-memory state retained)",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records metrics for one finished upstream stream.
func RecordStream(model, status string, duration float64, promptTokens, completionTokens int) {
	StreamDuration.WithLabelValues(model, status).Observe(duration)
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

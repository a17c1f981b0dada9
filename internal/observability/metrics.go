package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus instruments for the server.
//
// Families:
//   - tool executions (count + duration, by tool and status)
//   - admission rejections (engine semaphore full)
//   - jobs by terminal status
//   - active SSE streams
//   - HTTP requests (count + duration)
type Metrics struct {
	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (ok|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// AdmissionRejections counts invocations refused at the concurrency gate.
	AdmissionRejections prometheus.Counter

	// JobsCompleted counts jobs reaching a terminal state.
	// Labels: status (succeeded|failed)
	JobsCompleted *prometheus.CounterVec

	// ActiveStreams gauges currently open SSE prompt cycles.
	ActiveStreams prometheus.Gauge

	// StreamEvents counts emitted SSE events by type.
	StreamEvents *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, route, code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_tool_executions_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autosage_tool_execution_duration_seconds",
				Help:    "Tool execution wall time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		AdmissionRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "autosage_admission_rejections_total",
				Help: "Invocations rejected because all execution slots were busy",
			},
		),
		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_jobs_completed_total",
				Help: "Jobs reaching a terminal state",
			},
			[]string{"status"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "autosage_active_streams",
				Help: "Currently open SSE prompt cycles",
			},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_stream_events_total",
				Help: "Emitted SSE events by type",
			},
			[]string{"type"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autosage_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// NewTestMetrics returns metrics registered on a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

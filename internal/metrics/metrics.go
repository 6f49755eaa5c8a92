package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished runs by delivery mode and outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecopilot_runs_total",
		Help: "Agent runs by mode and outcome",
	}, []string{"mode", "outcome"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgecopilot_run_duration_seconds",
		Help:    "Time until a run produced its response",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"mode"})

	StreamDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecopilot_stream_deltas_total",
		Help: "Content deltas written to client streams",
	})

	StreamInlineErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecopilot_stream_inline_errors_total",
		Help: "Inline error markers written to client streams",
	})

	TraceSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecopilot_trace_saves_total",
		Help: "Trace insert attempts by outcome",
	}, []string{"outcome"})

	TraceRemediations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecopilot_trace_remediations_total",
		Help: "Trace schema remediations by kind",
	}, []string{"kind"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics holds the Prometheus collectors shared by the server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "biome_tales"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	PipelineStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Pipeline operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	PipelineStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Wall time of a pipeline operation",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"operation"},
	)

	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Calls to text, image and safety providers",
		},
		[]string{"provider", "kind", "status"},
	)

	OracleRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "request_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "kind"},
	)

	SafetyVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "verdicts_total",
			Help:      "Safety verdicts; reason=error means the check failed closed",
		},
		[]string{"verdict", "reason"},
	)

	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Transient persistence failures that were retried",
		},
		[]string{"operation"},
	)

	ImageStoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "entries",
			Help:      "Illustrations currently indexed for prompt reuse",
		},
	)

	RenderQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render_queue",
			Name:      "wait_seconds",
			Help:      "Time a render request spent in the backlog before a worker took it",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "websocket_clients",
			Help:      "Connected page-event subscribers",
		},
	)
)

// ObserveOracle records one provider call.
func ObserveOracle(provider, kind string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OracleRequestsTotal.WithLabelValues(provider, kind, status).Inc()
	OracleRequestDuration.WithLabelValues(provider, kind).Observe(time.Since(start).Seconds())
}

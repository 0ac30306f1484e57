package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cfxdevkit/cas-sub000/internal/health"
)

var (
	// Engine metrics

	PollCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "keeper",
		Name:      "poll_cycle_duration_seconds",
		Help:      "Time taken for one full poll cycle over the active job set.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keeper",
		Name:      "jobs_in_flight",
		Help:      "Number of jobs currently being processed in the tick fan-out.",
	})

	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "submissions_total",
		Help:      "Total on-chain submissions attempted, by outcome.",
	}, []string{"kind", "outcome"})

	ClassificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "error_classifications_total",
		Help:      "Total submission errors handled, by classification category.",
	}, []string{"category"})

	SafetyRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "safety_rejections_total",
		Help:      "Submissions blocked by the safety guard, by violation.",
	}, []string{"violation"})

	RetryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keeper",
		Name:      "retry_queue_depth",
		Help:      "Entries currently waiting in the in-memory retry queue.",
	})

	HeartbeatTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keeper",
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix timestamp of the last successfully completed poll cycle.",
	})

	ReconcilerResyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "reconciler_resyncs_total",
		Help:      "Jobs resynced to on-chain truth by the reconciler sweep, by result.",
	}, []string{"result"})

	// HTTP metrics (strategy API)

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		PollCycleDuration,
		JobsInFlight,
		SubmissionsTotal,
		ClassificationsTotal,
		SafetyRejectionsTotal,
		RetryQueueDepth,
		HeartbeatTimestamp,
		ReconcilerResyncsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

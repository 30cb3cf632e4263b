// Package metrics exposes the gate's Prometheus instrumentation: request
// counts and latencies by route, and the business-level counters a reader
// of a receipt-chain system would expect (chips submitted, committed,
// rejected by stage, advisories issued).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the collectors the gate registers. A nil *Registry is
// safe to use — every method is a no-op — so instrumentation can be
// threaded through code paths that run in tests without a registry.
type Registry struct {
	requests     *prometheus.CounterVec
	requestDur   *prometheus.HistogramVec
	chipsByStage *prometheus.CounterVec
	receipts     prometheus.Counter
	advisories   prometheus.Counter
	registry     *prometheus.Registry
}

// New constructs a Registry with all collectors registered under a fresh
// prometheus.Registry, so tests can construct one per-case without
// colliding on the global default registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		registry: reg,
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ubl_gate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route, method, and status class.",
		}, []string{"route", "method", "status"}),
		requestDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ubl_gate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		chipsByStage: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ubl_gate",
			Name:      "chips_outcome_total",
			Help:      "Chip submissions by the stage that terminated them (wf for success).",
		}, []string{"stage"}),
		receipts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ubl_gate",
			Name:      "receipts_committed_total",
			Help:      "Total receipts committed to the durable store.",
		}),
		advisories: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ubl_gate",
			Name:      "advisories_issued_total",
			Help:      "Total advisories signed and issued.",
		}),
	}
	return m
}

// Handler returns the http.Handler the gate mounts at /metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Middleware wraps an http.Handler, recording a request counter and
// latency histogram per route. route should be the registered pattern
// (e.g. "/v1/chips"), not the raw request path, to keep cardinality bounded.
func (r *Registry) Middleware(route string, next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.requests.WithLabelValues(route, req.Method, statusClass(sw.status)).Inc()
		r.requestDur.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveChipOutcome records which stage a chip submission terminated at.
// stage is one of "knock", "policy_denied", "sign_error", "rate_limited",
// or "wf" for a successful commit.
func (r *Registry) ObserveChipOutcome(stage string) {
	if r == nil {
		return
	}
	r.chipsByStage.WithLabelValues(stage).Inc()
	if stage == "wf" {
		r.receipts.Inc()
	}
}

// ObserveAdvisoryIssued increments the advisories-issued counter.
func (r *Registry) ObserveAdvisoryIssued() {
	if r == nil {
		return
	}
	r.advisories.Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

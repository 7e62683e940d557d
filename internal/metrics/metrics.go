// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agora",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agora",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "path"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by outcome.",
		},
		[]string{"outcome"},
	)

	reconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Actions emitted by reconciliation runs.",
		},
		[]string{"type"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agora",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of calls to the allocations API, subgraph, and RPC, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11),
		},
		[]string{"upstream", "outcome"},
	)

	guardViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "guard",
			Name:      "violations_total",
			Help:      "Safety limit violations found in emitted action lists.",
		},
		[]string{"rule"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		reconcileRuns,
		reconcileActions,
		upstreamDuration,
		guardViolations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection. routeOf maps
// a request to a low-cardinality path label; nil uses the raw path.
func InstrumentHandler(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			httpInFlight.Inc()
			defer httpInFlight.Dec()

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if routeOf != nil {
				if route := routeOf(r); route != "" {
					path = route
				}
			}
			method := strings.ToUpper(r.Method)
			httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
			httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RecordReconcile counts a run and the actions it emitted.
func RecordReconcile(outcome string, actionCounts map[string]int) {
	reconcileRuns.WithLabelValues(outcome).Inc()
	for typ, n := range actionCounts {
		if n > 0 {
			reconcileActions.WithLabelValues(typ).Add(float64(n))
		}
	}
}

// ObserveUpstream records one upstream call, retries included.
func ObserveUpstream(upstream string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	upstreamDuration.WithLabelValues(upstream, outcome).Observe(duration.Seconds())
}

// RecordGuardViolation counts one violated safety rule.
func RecordGuardViolation(rule string) {
	guardViolations.WithLabelValues(rule).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

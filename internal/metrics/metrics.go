// Package metrics exposes Prometheus collectors for the mixing engine.
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
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mixton",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mixton",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mixton",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	transactionsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mixton",
			Subsystem: "mixer",
			Name:      "transactions_accepted_total",
			Help:      "Total number of mix transactions accepted.",
		},
		[]string{"pool_id"},
	)

	legReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mixton",
			Subsystem: "mixer",
			Name:      "leg_releases_total",
			Help:      "Total number of payout leg release outcomes.",
		},
		[]string{"outcome"}, // released, retried, failed
	)

	ledgerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mixton",
			Subsystem: "mixer",
			Name:      "ledger_call_duration_seconds",
			Help:      "Duration of ledger transfer calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mixton",
			Subsystem: "mixer",
			Name:      "scheduled_legs",
			Help:      "Payout legs currently awaiting release.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		transactionsAccepted,
		legReleases,
		ledgerDuration,
		queueDepth,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
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

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTransactionAccepted counts an admitted mix transaction.
func RecordTransactionAccepted(poolID string) {
	if poolID == "" {
		poolID = "unknown"
	}
	transactionsAccepted.WithLabelValues(poolID).Inc()
}

// RecordLegRelease counts a payout leg outcome and the ledger call duration.
func RecordLegRelease(outcome string, duration time.Duration) {
	legReleases.WithLabelValues(outcome).Inc()
	if duration > 0 {
		ledgerDuration.Observe(duration.Seconds())
	}
}

// SetQueueDepth records the number of legs awaiting release.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	// Collapse identifiers so label cardinality stays bounded.
	return "/" + parts[0] + "/:id"
}

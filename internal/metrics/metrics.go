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
	// Registry holds the ledger's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "toolledger",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolledger",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolledger",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolledger",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome code.",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolledger",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations including conflict retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	conflictRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolledger",
			Subsystem: "ledger",
			Name:      "conflict_retries_total",
			Help:      "Optimistic concurrency conflicts that triggered a retry.",
		},
		[]string{"operation"},
	)

	availability = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "toolledger",
			Subsystem: "availability",
			Name:      "available",
			Help:      "Last committed available quantity per tool type.",
		},
		[]string{"tool_type"},
	)

	drift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolledger",
			Subsystem: "availability",
			Name:      "drift_repairs_total",
			Help:      "Recomputations that found the counter out of step with the loans.",
		},
		[]string{"tool_type"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolledger",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Outbound notifications by sink and result.",
		},
		[]string{"sink", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		operations,
		operationDuration,
		conflictRetries,
		availability,
		drift,
		notifications,
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

		path := CanonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordOperation records the outcome of one ledger operation.
func RecordOperation(operation, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "ok"
	}
	operations.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConflictRetry counts a retried optimistic concurrency conflict.
func RecordConflictRetry(operation string) {
	conflictRetries.WithLabelValues(operation).Inc()
}

// SetAvailable publishes a tool type's committed availability.
func SetAvailable(toolType string, available int) {
	availability.WithLabelValues(toolType).Set(float64(available))
}

// RecordDrift counts a recomputation that moved the counter.
func RecordDrift(toolType string) {
	drift.WithLabelValues(toolType).Inc()
}

// RecordNotification counts one notification outcome for a sink.
func RecordNotification(sink, result string) {
	if sink == "" {
		sink = "unknown"
	}
	notifications.WithLabelValues(sink, result).Inc()
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

// CanonicalPath collapses ids out of a request path so that label
// cardinality stays bounded: /loans/<id>/returns becomes /loans/:id/returns.
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if i == 0 {
			continue
		}
		switch parts[i-1] {
		case "loans", "employees", "availability", "tool-types":
			if p != "reconcile" {
				parts[i] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

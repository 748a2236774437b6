package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every surface-facing endpoint.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics for the analysis pipeline and the broadcast bus.
var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplens_analyses_total",
			Help: "Analysis requests by outcome (success, quota, busy, upstream).",
		},
		[]string{"outcome"},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplens_upstream_errors_total",
			Help: "Remote analysis API failures by stage.",
		},
		[]string{"stage"},
	)

	quotaBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triplens_quota_blocked_total",
		Help: "Analyses rejected because the monthly quota was exhausted.",
	})

	busEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplens_bus_events_total",
			Help: "Events published on the broadcast bus by type.",
		},
		[]string{"type"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		analysesTotal, upstreamErrorsTotal, quotaBlockedTotal, busEventsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAnalysis records the outcome of one analysis request.
func ObserveAnalysis(outcome string) {
	analysesTotal.WithLabelValues(outcome).Inc()
}

// ObserveUpstreamError records a failed remote call by pipeline stage.
func ObserveUpstreamError(stage string) {
	upstreamErrorsTotal.WithLabelValues(stage).Inc()
}

// ObserveQuotaBlocked records a quota rejection.
func ObserveQuotaBlocked() {
	quotaBlockedTotal.Inc()
}

// ObserveBusEvent records one published broadcast event.
func ObserveBusEvent(eventType string) {
	busEventsTotal.WithLabelValues(eventType).Inc()
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // no router, take as-is
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Package metrics exposes Prometheus collectors for the archiver.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal                 *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	fetchExitCodesTotal        *prometheus.CounterVec
	uploadGateWaitSeconds      prometheus.Histogram
	uploadsInFlight            prometheus.Gauge
	uploadedBytesTotal         prometheus.Counter
	activeWorkers              prometheus.Gauge
	throttleDelaySeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_items_total",
				Help: "Total number of items that reached a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_stage_duration_seconds",
				Help:    "Histogram of pipeline stage durations, labeled by stage and outcome.",
				Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800, 7200},
			},
			[]string{"stage", "outcome"},
		)

		fetchExitCodesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_fetch_exit_codes_total",
				Help: "Exit codes returned by the fetch tool.",
			},
			[]string{"code"},
		)

		uploadGateWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_upload_gate_wait_seconds",
				Help:    "Histogram of time spent waiting for an upload slot.",
				Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800},
			},
		)

		uploadsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_uploads_in_flight",
				Help: "Number of transfers currently holding an upload slot.",
			},
		)

		uploadedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_uploaded_bytes_total",
				Help: "Total container bytes transferred.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_throttle_delay_seconds",
				Help:    "Delay introduced by client-side throttling, labeled by key.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"key"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts an item reaching a terminal state.
func ObserveItem(state string) {
	Init()
	itemsTotal.WithLabelValues(state).Inc()
}

// ObserveStage records how long a pipeline stage ran.
func ObserveStage(stage string, ok bool, duration time.Duration) {
	Init()
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	stageDurationSeconds.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// ObserveFetchExit counts one fetch tool exit code.
func ObserveFetchExit(code string) {
	Init()
	fetchExitCodesTotal.WithLabelValues(code).Inc()
}

// ObserveUploadGateWait records time spent queued for an upload slot.
func ObserveUploadGateWait(duration time.Duration) {
	Init()
	uploadGateWaitSeconds.Observe(duration.Seconds())
}

// IncUploadsInFlight increments the in-flight uploads gauge.
func IncUploadsInFlight() {
	Init()
	uploadsInFlight.Inc()
}

// DecUploadsInFlight decrements the in-flight uploads gauge.
func DecUploadsInFlight() {
	Init()
	uploadsInFlight.Dec()
}

// AddUploadedBytes adds n to the uploaded bytes counter.
func AddUploadedBytes(n int64) {
	Init()
	if n > 0 {
		uploadedBytesTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveThrottleDelay records time spent waiting on a rate limiter.
func ObserveThrottleDelay(key string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

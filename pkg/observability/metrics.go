package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agelapse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agelapse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// External AI capability metrics
	capabilityCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agelapse_capability_calls_total",
			Help: "Total number of calls to the generative-AI capability",
		},
		[]string{"provider", "operation", "status"},
	)

	capabilityRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agelapse_capability_retries_total",
			Help: "Total number of retried capability attempts",
		},
		[]string{"provider", "operation"},
	)

	// Interactive pipeline metrics
	staleResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agelapse_stale_responses_discarded_total",
			Help: "Synthesis responses discarded because a newer request superseded them",
		},
	)

	synthesisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agelapse_synthesis_duration_seconds",
			Help:    "End-to-end synthesis duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Video pipeline metrics
	framesEncodedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agelapse_frames_encoded_total",
			Help: "Total number of frames encoded into video artifacts",
		},
	)

	videosCompiledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agelapse_videos_compiled_total",
			Help: "Total number of video compilations",
		},
		[]string{"status"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agelapse_active_sessions",
			Help: "Number of live interactive sessions",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			capabilityCallsTotal,
			capabilityRetriesTotal,
			staleResponsesTotal,
			synthesisDuration,
			framesEncodedTotal,
			videosCompiledTotal,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCapabilityCall records the outcome of one capability call
func RecordCapabilityCall(provider, operation, status string) {
	capabilityCallsTotal.WithLabelValues(provider, operation, status).Inc()
}

// RecordCapabilityRetry records a retried capability attempt
func RecordCapabilityRetry(provider, operation string) {
	capabilityRetriesTotal.WithLabelValues(provider, operation).Inc()
}

// RecordStaleResponse records a discarded stale synthesis response
func RecordStaleResponse() {
	staleResponsesTotal.Inc()
}

// RecordSynthesisDuration records end-to-end synthesis latency
func RecordSynthesisDuration(provider string, duration time.Duration) {
	synthesisDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFrameEncoded records one frame written to a video artifact
func RecordFrameEncoded() {
	framesEncodedTotal.Inc()
}

// RecordVideoCompiled records the outcome of a video compilation
func RecordVideoCompiled(status string) {
	videosCompiledTotal.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the live session gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_created_total",
			Help: "Total number of generation jobs created",
		},
		[]string{"tool_type", "model_key"},
	)
	JobsSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_succeeded_total",
			Help: "Total number of generation jobs succeeded",
		},
		[]string{"tool_type", "model_key"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of generation jobs failed",
		},
		[]string{"tool_type", "model_key", "error_code"},
	)
	JobsTimeoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_timeout_total",
			Help: "Total number of generation jobs that timed out",
		},
		[]string{"tool_type", "model_key"},
	)

	ProviderPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_polls_total",
			Help: "Total number of provider polls",
		},
		[]string{"model_key", "status"},
	)
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"error_type"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of pending/running jobs",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsCreatedTotal)
	prometheus.MustRegister(JobsSucceededTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsTimeoutTotal)
	prometheus.MustRegister(ProviderPollsTotal)
	prometheus.MustRegister(ProviderErrorsTotal)
	prometheus.MustRegister(QueueDepth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func JobCreated(toolType, modelKey string) {
	JobsCreatedTotal.WithLabelValues(toolType, modelKey).Inc()
}

func JobSucceeded(toolType, modelKey string) {
	JobsSucceededTotal.WithLabelValues(toolType, modelKey).Inc()
}

func JobFailed(toolType, modelKey, errorCode string) {
	JobsFailedTotal.WithLabelValues(toolType, modelKey, errorCode).Inc()
}

func JobTimedOut(toolType, modelKey string) {
	JobsTimeoutTotal.WithLabelValues(toolType, modelKey).Inc()
}

func ProviderPoll(modelKey, status string) {
	ProviderPollsTotal.WithLabelValues(modelKey, status).Inc()
}

func ProviderError(errorType string) {
	ProviderErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetQueueDepth records the current number of active jobs.
func SetQueueDepth(n int64) { QueueDepth.Set(float64(n)) }

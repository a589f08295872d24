package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credvault_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credvault_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	violationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credvault_violations_total",
		Help: "Security pipeline violations by kind.",
	}, []string{"kind"})

	secretsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credvault_secrets_total",
		Help: "Number of stored secret envelopes.",
	})

	activeSessionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credvault_active_sessions_total",
		Help: "Number of active (non-revoked, non-expired) sessions.",
	})

	keyRotationNeeded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credvault_key_rotation_needed",
		Help: "Whether the active encryption key is due for rotation: 0=no, 1=yes.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, violationsTotal,
		secretsTotal, activeSessionsTotal, keyRotationNeeded)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics. Rejections from the security
// pipeline show up in the violations counter via their status code class.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)

		switch rr.statusCode {
		case http.StatusTooManyRequests:
			violationsTotal.WithLabelValues("rate_limit_exceeded").Inc()
		case http.StatusRequestEntityTooLarge:
			violationsTotal.WithLabelValues("invalid_upload").Inc()
		}
	})
}

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_http_requests_total",
			Help: "HTTP requests served by the monitoring API, by route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_http_request_duration_seconds",
			Help:    "Duration of non-streaming monitoring API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	stepStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "processing_http_step_streams_active",
			Help: "Open server-sent step streams.",
		},
	)

	healthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_http_health_check_failures_total",
			Help: "Failed dependency checks on /healthz, by dependency.",
		},
		[]string{"check"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, stepStreamsActive, healthCheckFailures)
}

// metricsMiddleware counts requests per chi route pattern. Step streams stay
// open until the execution ends, so they are counted but kept out of the
// duration histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()

		if isEventStream(ww.Header()) {
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

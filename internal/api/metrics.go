package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	jobsCreated     *prometheus.CounterVec
	jobsStarted     *prometheus.CounterVec
	budgetCharged   *prometheus.CounterVec
	budgetRejected  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"method", "route", "class"}),
		// Handlers only touch the job store, object storage and Redis; pixel
		// work happens in the worker.
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbflow_api_request_duration_seconds",
			Help:    "Time to answer an API request.",
			Buckets: []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route"}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_jobs_created_total",
			Help: "Thumbnail jobs registered, by source type and ingestion mode.",
		}, []string{"source_type", "mode"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_jobs_started_total",
			Help: "Thumbnail jobs handed to the worker queue, by source type and ingestion mode.",
		}, []string{"source_type", "mode", "queue"}),
		budgetCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_budget_units_charged_total",
			Help: "Work budget units charged, one per megapixel of raw source.",
		}, []string{"mode"}),
		budgetRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_budget_rejections_total",
			Help: "Requests refused because the caller's work budget was spent.",
		}, []string{"mode"}),
	}
	registry.MustRegister(
		m.requests,
		m.latency,
		m.jobsCreated,
		m.jobsStarted,
		m.budgetCharged,
		m.budgetRejected,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		m.requests.WithLabelValues(r.Method, route, statusClass(recorder.status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// statusClass buckets a status code as "2xx", "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// routeLabel folds job ids out of the path so label cardinality stays
// bounded. Unknown paths share one label.
func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/thumbnails")
	if !ok {
		switch path {
		case "/healthz", "/metrics":
			return path
		}
		return "other"
	}
	switch {
	case rest == "" || rest == "/":
		return "/v1/thumbnails"
	case strings.HasSuffix(rest, "/start"):
		return "/v1/thumbnails/{id}/start"
	default:
		return "/v1/thumbnails/{id}"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

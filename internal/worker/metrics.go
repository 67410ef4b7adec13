package worker

import (
	"net/http"
	"time"

	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	stageDuration        *prometheus.HistogramVec
	thumbnailsTotal      *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesInTotal         prometheus.Counter
	bytesOutTotal        prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

var _ thumbnail.Observer = (*metrics)(nil)

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_worker_jobs_total",
			Help: "Total thumbnail jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbflow_worker_job_duration_seconds",
			Help:    "Total processing duration for each thumbnail job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thumbflow_worker_active_jobs",
			Help: "Current number of thumbnail jobs holding a worker slot.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbflow_thumbnail_stage_duration_seconds",
			Help:    "Duration of each thumbnail pipeline stage.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"stage", "outcome"}),
		thumbnailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_worker_thumbnails_total",
			Help: "Total thumbnails emitted by output format.",
		}, []string{"format"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbflow_usage_pixels_processed_total",
			Help: "Total source pixels decoded across successful jobs.",
		}),
		bytesInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbflow_usage_bytes_in_total",
			Help: "Total source bytes read across successful jobs.",
		}),
		bytesOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbflow_usage_bytes_out_total",
			Help: "Total thumbnail bytes written across successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbflow_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.stageDuration,
		m.thumbnailsTotal,
		m.pixelsProcessedTotal,
		m.bytesInTotal,
		m.bytesOutTotal,
		m.computeTimeMSTotal,
	)
	return m
}

// ObserveStage records one thumbnail pipeline stage.
func (m *metrics) ObserveStage(stage thumbnail.Stage, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(string(stage), outcome).Observe(elapsed.Seconds())
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
	chunksIndexed *prometheus.CounterVec
	dedupeSkipped *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragqa",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total ingestion jobs by terminal status.",
		},
		[]string{"service", "status"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragqa",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Ingestion job duration in seconds by terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"service", "status"},
	)
	jobsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ragqa",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of running ingestion jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chunksIndexed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragqa",
			Subsystem: "worker",
			Name:      "chunks_indexed_total",
			Help:      "Total chunks inserted into physical index tables.",
		},
		[]string{"service"},
	)
	dedupeSkipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragqa",
			Subsystem: "worker",
			Name:      "dedupe_skipped_total",
			Help:      "Total chunks skipped by hash dedupe.",
		},
		[]string{"service"},
	)

	registry.MustRegister(jobsTotal, jobDuration, jobsInFlight, chunksIndexed, dedupeSkipped)

	return &WorkerMetrics{
		registry:      registry,
		jobsTotal:     jobsTotal,
		jobDuration:   jobDuration,
		jobsInFlight:  jobsInFlight,
		chunksIndexed: chunksIndexed,
		dedupeSkipped: dedupeSkipped,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob() {
	m.jobsInFlight.Inc()
}

func (m *WorkerMetrics) FinishJob(service string, duration time.Duration, err error) {
	m.jobsInFlight.Dec()

	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.jobsTotal.WithLabelValues(service, status).Inc()
	m.jobDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveIndexed(service string, inserted, skipped int) {
	if inserted > 0 {
		m.chunksIndexed.WithLabelValues(service).Add(float64(inserted))
	}
	if skipped > 0 {
		m.dedupeSkipped.WithLabelValues(service).Add(float64(skipped))
	}
}

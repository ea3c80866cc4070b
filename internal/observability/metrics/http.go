package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	answersTotal         *prometheus.CounterVec
	fallbackReasonsTotal *prometheus.CounterVec
	retrievedChunks      *prometheus.HistogramVec
	answerDuration       *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragqa",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragqa",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ragqa",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	answersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragqa",
			Subsystem: "retrieval",
			Name:      "answers_total",
			Help:      "Total answers by final mode.",
		},
		[]string{"service", "mode"},
	)
	fallbackReasonsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragqa",
			Subsystem: "retrieval",
			Name:      "fallback_reasons_total",
			Help:      "Total fallback answers by downgrade reason.",
		},
		[]string{"service", "reason"},
	)
	retrievedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragqa",
			Subsystem: "retrieval",
			Name:      "retrieved_chunks",
			Help:      "Distribution of retrieved chunks per answer.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	answerDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragqa",
			Subsystem: "retrieval",
			Name:      "answer_duration_seconds",
			Help:      "Answer latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		answersTotal,
		fallbackReasonsTotal,
		retrievedChunks,
		answerDuration,
	)

	return &HTTPServerMetrics{
		registry:             registry,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		answersTotal:         answersTotal,
		fallbackReasonsTotal: fallbackReasonsTotal,
		retrievedChunks:      retrievedChunks,
		answerDuration:       answerDuration,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &metricsStatusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/uploads/"):
		return "/uploads/{upload_id}"
	case strings.HasPrefix(path, "/ingest/jobs/"):
		return "/ingest/jobs/{job_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordAnswer(service, mode, reason string, retrieved int, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	m.answersTotal.WithLabelValues(service, mode).Inc()
	if reason != "" {
		m.fallbackReasonsTotal.WithLabelValues(service, reason).Inc()
	}
	m.retrievedChunks.WithLabelValues(service).Observe(float64(retrieved))
	m.answerDuration.WithLabelValues(service).Observe(duration.Seconds())
}

type metricsStatusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsStatusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *metricsStatusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *metricsStatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *metricsStatusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}

// Package metrics owns the Prometheus collectors of the server. Each
// Metrics value has its own registry so tests never collide on the
// default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cognisync"

type Metrics struct {
	registry *prometheus.Registry

	AuditWrites        *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter

	RetentionDeleted       prometheus.Counter
	RetentionFailed        prometheus.Counter
	RetentionSweepDuration prometheus.Histogram

	SecureErase *prometheus.CounterVec

	LoginAttempts       *prometheus.CounterVec
	SessionsInvalidated prometheus.Counter

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AuditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Audit entries written, by action.",
		}, []string{"action"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries that could not be persisted.",
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_records_deleted_total",
			Help:      "Therapy records permanently deleted.",
		}),
		RetentionFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_records_failed_total",
			Help:      "Therapy record deletions that were aborted.",
		}),
		RetentionSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retention_sweep_duration_seconds",
			Help:      "Duration of live retention sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}),
		SecureErase: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secure_erase_total",
			Help:      "Secure erase attempts, by result (erased, missing, failed).",
		}, []string{"result"}),
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts, by outcome.",
		}, []string{"outcome"}),
		SessionsInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_invalidated_total",
			Help:      "Sessions invalidated by the inactivity sweep.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight ops HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of ops HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AuditWrites, m.AuditWriteFailures,
		m.RetentionDeleted, m.RetentionFailed, m.RetentionSweepDuration,
		m.SecureErase, m.LoginAttempts, m.SessionsInvalidated,
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSweep records the duration of a sweep started at start.
func (m *Metrics) ObserveSweep(start time.Time) {
	m.RetentionSweepDuration.Observe(time.Since(start).Seconds())
}

// Instrument measures request count, latency and concurrency. route maps a
// request to a low-cardinality label; nil uses the raw path.
func (m *Metrics) Instrument(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()
			start := time.Now()

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := r.URL.Path
			if route != nil {
				path = route(r)
			}
			status := strconv.Itoa(sw.code)
			m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

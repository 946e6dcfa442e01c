package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for the engine.
// Each instance owns its registry.
type PrometheusMetrics struct {
	// HTTP request metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Job lifecycle metrics
	jobsEnqueuedTotal     *prometheus.CounterVec
	jobsDeduplicatedTotal *prometheus.CounterVec
	jobsCompletedTotal    *prometheus.CounterVec
	jobsFailedTotal       *prometheus.CounterVec
	jobsRetriedTotal      *prometheus.CounterVec
	jobsRecoveredTotal    prometheus.Counter
	jobDuration           *prometheus.HistogramVec

	// Scrape output metrics
	structuralMismatchTotal *prometheus.CounterVec
	recordsPersistedTotal   *prometheus.CounterVec
	recordsRejectedTotal    *prometheus.CounterVec
	pagesVisitedTotal       *prometheus.CounterVec

	// Capacity gauges
	activeWorkers   prometheus.Gauge
	browserSessions prometheus.Gauge
	queueDepth      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		jobsEnqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_jobs_enqueued_total",
				Help: "Scrape jobs created",
			},
			[]string{"target_type"},
		),

		jobsDeduplicatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_jobs_deduplicated_total",
				Help: "Enqueue requests answered with an existing in-flight job",
			},
			[]string{"target_type"},
		),

		jobsCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_jobs_completed_total",
				Help: "Scrape jobs that completed",
			},
			[]string{"target_type"},
		),

		jobsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_jobs_failed_total",
				Help: "Scrape jobs that failed terminally",
			},
			[]string{"target_type", "error_kind"},
		),

		jobsRetriedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_jobs_retried_total",
				Help: "Failed attempts scheduled for retry",
			},
			[]string{"target_type", "error_kind"},
		),

		jobsRecoveredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_jobs_recovered_total",
				Help: "Active jobs returned to waiting after a restart",
			},
		),

		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_job_duration_seconds",
				Help:    "Duration of scrape attempts in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"target_type"},
		),

		structuralMismatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_structural_mismatch_total",
				Help: "Required page containers that were not found",
			},
			[]string{"target_type"},
		),

		recordsPersistedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_records_persisted_total",
				Help: "Catalog records written by entity",
			},
			[]string{"entity"},
		),

		recordsRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_records_rejected_total",
				Help: "Catalog records refused by validation",
			},
			[]string{"entity"},
		),

		pagesVisitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_pages_visited_total",
				Help: "Listing or detail pages read by scrapers",
			},
			[]string{"target_type"},
		),

		activeWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_active_workers",
				Help: "Workers currently executing a job",
			},
		),

		browserSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_browser_sessions",
				Help: "Open headless browser sessions",
			},
		),

		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_queue_jobs",
				Help: "Jobs in the queue by status",
			},
			[]string{"status"},
		),
	}
}

// RecordHTTPRequest records an HTTP request
func (pm *PrometheusMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	pm.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	pm.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEnqueue records an enqueue request; created is false when an
// in-flight job was reused.
func (pm *PrometheusMetrics) RecordEnqueue(targetType string, created bool) {
	if created {
		pm.jobsEnqueuedTotal.WithLabelValues(targetType).Inc()
		return
	}
	pm.jobsDeduplicatedTotal.WithLabelValues(targetType).Inc()
}

// RecordJobSuccess records a completed job
func (pm *PrometheusMetrics) RecordJobSuccess(targetType string, pages int, duration time.Duration) {
	pm.jobsCompletedTotal.WithLabelValues(targetType).Inc()
	pm.jobDuration.WithLabelValues(targetType).Observe(duration.Seconds())
	if pages > 0 {
		pm.pagesVisitedTotal.WithLabelValues(targetType).Add(float64(pages))
	}
}

// RecordJobFailure records a failed attempt. retried tells whether the job
// went back to waiting or reached its terminal state.
func (pm *PrometheusMetrics) RecordJobFailure(targetType, errorKind string, retried bool, duration time.Duration) {
	pm.jobDuration.WithLabelValues(targetType).Observe(duration.Seconds())
	if retried {
		pm.jobsRetriedTotal.WithLabelValues(targetType, errorKind).Inc()
	} else {
		pm.jobsFailedTotal.WithLabelValues(targetType, errorKind).Inc()
	}
	if errorKind == "structural_mismatch" {
		pm.structuralMismatchTotal.WithLabelValues(targetType).Inc()
	}
}

// RecordRecovered counts jobs reset by crash recovery.
func (pm *PrometheusMetrics) RecordRecovered(n int) {
	pm.jobsRecoveredTotal.Add(float64(n))
}

// RecordPersisted counts written and rejected records of one entity.
func (pm *PrometheusMetrics) RecordPersisted(entity string, written, rejected int) {
	if written > 0 {
		pm.recordsPersistedTotal.WithLabelValues(entity).Add(float64(written))
	}
	if rejected > 0 {
		pm.recordsRejectedTotal.WithLabelValues(entity).Add(float64(rejected))
	}
}

func (pm *PrometheusMetrics) WorkerStarted()  { pm.activeWorkers.Inc() }
func (pm *PrometheusMetrics) WorkerFinished() { pm.activeWorkers.Dec() }

func (pm *PrometheusMetrics) SessionOpened() { pm.browserSessions.Inc() }
func (pm *PrometheusMetrics) SessionClosed() { pm.browserSessions.Dec() }

// SetQueueDepth publishes per-status job counts.
func (pm *PrometheusMetrics) SetQueueDepth(counts map[string]int) {
	for status, n := range counts {
		pm.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation. All methods are nil-safe.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	ingestedFiles   *prometheus.CounterVec
	usageChanges    *prometheus.CounterVec
	updates         *prometheus.CounterVec
	archivedFiles   *prometheus.CounterVec
	archivalRuns    *prometheus.CounterVec
	reclaimQueued   prometheus.Counter
	dispatchFailure prometheus.Counter
	reclaimedFiles  *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	ingestedFiles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_ingested_files_total",
		Help: "Files received by ingestion, by outcome (new or duplicate)",
	}, []string{"outcome"})

	usageChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_reference_changes_total",
		Help: "Reference count changes, by direction",
	}, []string{"direction"})

	updates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_updates_total",
		Help: "Copy-on-write updates, by mode (in_place, reuse, fork, noop)",
	}, []string{"mode"})

	archivedFiles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_archived_files_total",
		Help: "Files processed by the archival job, by outcome",
	}, []string{"outcome"})

	archivalRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_archival_runs_total",
		Help: "Archival job invocations, by result (executed, already_executed, in_progress)",
	}, []string{"result"})

	reclaimQueued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_reclamation_queued_files_total",
		Help: "Unused files flagged and queued for reclamation",
	})

	dispatchFailure := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_reclamation_dispatch_failures_total",
		Help: "Reclamation batches that could not be enqueued",
	})

	reclaimedFiles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_reclaimed_files_total",
		Help: "Physical delete outcomes of the reclamation worker",
	}, []string{"outcome"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docstore_job_duration_seconds",
		Help:    "Duration of background jobs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"job"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, ingestedFiles, usageChanges, updates, archivedFiles,
		archivalRuns, reclaimQueued, dispatchFailure, reclaimedFiles, jobDuration, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		ingestedFiles:   ingestedFiles,
		usageChanges:    usageChanges,
		updates:         updates,
		archivedFiles:   archivedFiles,
		archivalRuns:    archivalRuns,
		reclaimQueued:   reclaimQueued,
		dispatchFailure: dispatchFailure,
		reclaimedFiles:  reclaimedFiles,
		jobDuration:     jobDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordIngestion counts new and duplicate payloads of one request.
func (m *MetricsService) RecordIngestion(created, duplicates int) {
	if m == nil {
		return
	}
	m.ingestedFiles.WithLabelValues("new").Add(float64(created))
	m.ingestedFiles.WithLabelValues("duplicate").Add(float64(duplicates))
}

// RecordReferenceChange counts activations (positive) or deactivations (negative).
func (m *MetricsService) RecordReferenceChange(delta int) {
	if m == nil || delta == 0 {
		return
	}
	direction := "activate"
	if delta < 0 {
		direction = "deactivate"
		delta = -delta
	}
	m.usageChanges.WithLabelValues(direction).Add(float64(delta))
}

// RecordUpdate counts one update by mode.
func (m *MetricsService) RecordUpdate(mode string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(mode).Inc()
}

// RecordArchivalRun counts one archival invocation and its per-file outcomes.
func (m *MetricsService) RecordArchivalRun(result string, success, failed int) {
	if m == nil {
		return
	}
	m.archivalRuns.WithLabelValues(result).Inc()
	m.archivedFiles.WithLabelValues("success").Add(float64(success))
	m.archivedFiles.WithLabelValues("failed").Add(float64(failed))
}

// RecordReclamationScan counts queued files and failed batch dispatches.
func (m *MetricsService) RecordReclamationScan(queued, dispatchFailures int) {
	if m == nil {
		return
	}
	m.reclaimQueued.Add(float64(queued))
	m.dispatchFailure.Add(float64(dispatchFailures))
}

// RecordReclamation counts physical delete outcomes.
func (m *MetricsService) RecordReclamation(deleted, absent, failed int) {
	if m == nil {
		return
	}
	m.reclaimedFiles.WithLabelValues("deleted").Add(float64(deleted))
	m.reclaimedFiles.WithLabelValues("absent").Add(float64(absent))
	m.reclaimedFiles.WithLabelValues("failed").Add(float64(failed))
}

// ObserveJob records the duration of a background job.
func (m *MetricsService) ObserveJob(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

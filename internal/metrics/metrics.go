package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_converter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_converter_upload_bytes",
			Help:    "Size of staged uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8), // 1MiB .. 16GiB
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_converter_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBRowsAffected = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_converter_db_rows_affected",
			Help:    "Rows affected by database write operations",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_converter_db_size_bytes",
			Help: "Size of SQLite database files in bytes",
		},
		[]string{"file"}, // "main", "wal", "shm"
	)

	JobRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_converter_job_records",
			Help: "Number of stored job records by status",
		},
		[]string{"status"},
	)
)

// Conversion metrics
var (
	ConversionJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_conversion_jobs_total",
			Help: "Total number of finished conversion jobs",
		},
		[]string{"status"},
	)

	ConversionJobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_conversion_jobs_in_progress",
			Help: "Number of conversion jobs currently running",
		},
	)

	ConversionJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_converter_conversion_job_duration_seconds",
			Help:    "Conversion job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	ConversionStrategyAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_conversion_strategy_attempts_total",
			Help: "Total number of strategy attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	ConversionStrategyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_converter_conversion_strategy_duration_seconds",
			Help:    "Duration of a single strategy attempt in seconds",
			Buckets: []float64{0.1, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	EncoderProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_encoder_processes",
			Help: "Number of external encoder processes currently running",
		},
	)
)

// Progress metrics
var (
	ProgressEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_progress_events_total",
			Help: "Total number of published progress events by status",
		},
		[]string{"status"},
	)

	ProgressBroadcastFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_progress_broadcast_failures_total",
			Help: "Total number of failed broadcaster deliveries",
		},
		[]string{"broadcaster"},
	)

	ProgressDroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_converter_progress_dropped_events_total",
			Help: "Total number of events dropped for slow subscribers",
		},
	)

	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_progress_subscribers",
			Help: "Number of active progress subscriptions",
		},
	)

	ProgressTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_progress_topics",
			Help: "Number of topics with at least one subscriber",
		},
	)
)

// Storage metrics
var (
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_converter_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_storage_operation_errors_total",
			Help: "Total number of failed storage operations",
		},
		[]string{"operation"},
	)

	StorageRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_storage_retry_attempts_total",
			Help: "Total number of storage retries after a stale file handle",
		},
		[]string{"operation"},
	)

	StorageRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_storage_retry_success_total",
			Help: "Total number of storage operations that succeeded after retrying",
		},
		[]string{"operation"},
	)

	StorageRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_storage_retry_failures_total",
			Help: "Total number of storage operations that failed after all retries",
		},
		[]string{"operation"},
	)

	StorageStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_storage_stale_errors_total",
			Help: "Total number of stale file handle errors",
		},
		[]string{"operation"},
	)

	ConvertedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_converted_bytes",
			Help: "Total size of the converted directory in bytes",
		},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_memory_usage_ratio",
			Help: "Heap allocation as a fraction of the Go memory limit",
		},
	)

	MemoryPressure = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_converter_memory_pressure",
			Help: "Whether new uploads are refused because memory is critical (1) or not (0)",
		},
	)

	UploadsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_converter_uploads_rejected_total",
			Help: "Total number of uploads refused before staging",
		},
		[]string{"reason"},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_converter_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}

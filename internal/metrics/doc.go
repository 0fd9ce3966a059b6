// Package metrics provides Prometheus instrumentation for the converter.
//
// All metrics are prefixed with "media_converter_" and registered with the
// default registry through promauto. Serve them by mounting
// promhttp.Handler() on the metrics listener.
//
// # Metric Categories
//
// HTTP: request counts, durations and in-flight requests, recorded by the
// middleware package, plus the size of staged uploads.
//
// Database: query counts and durations per operation, rows affected, open
// connections, file sizes and stored job records per status.
//
// Conversion: finished jobs per status, running jobs, job duration, strategy
// attempts per strategy and result, strategy duration and running encoder
// processes.
//
// Progress: published events per status, broadcaster failures, events
// dropped for slow subscribers, subscriptions and active topics.
//
// Storage: operation durations and errors, stale file handle retries and
// the total size of the converted directory.
//
// # Observers
//
// The conversion, progress and storage packages do not import this package.
// They record through small observer interfaces, and main installs the
// implementations returned by NewConversionObserver, NewProgressObserver
// and NewStorageObserver.
//
// # Collector
//
// [Collector] periodically reads a [StatsProvider] and the file system to
// refresh gauges that have no natural event to hang off:
//
//	collector := metrics.NewCollector(provider, dbPath, 30*time.Second)
//	collector.SetConvertedDir(store.ConvertedDir())
//	collector.Start()
//	defer collector.Stop()
//
// # Prometheus Queries
//
// Fallback rate of the primary encoder:
//
//	sum(rate(media_converter_conversion_strategy_attempts_total{strategy="ffmpeg",result="failure"}[1h]))
//	/ sum(rate(media_converter_conversion_strategy_attempts_total{strategy="ffmpeg"}[1h]))
//
// P95 conversion time:
//
//	histogram_quantile(0.95, sum(rate(media_converter_conversion_job_duration_seconds_bucket[1h])) by (le))
package metrics

package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics(strategies []string) {
	statuses := []string{"pending", "processing", "complete", "error"}

	for _, s := range statuses {
		ProgressEventsTotal.WithLabelValues(s)
		JobRecords.WithLabelValues(s)
	}
	for _, s := range []string{"complete", "error"} {
		ConversionJobsTotal.WithLabelValues(s)
	}

	for _, name := range strategies {
		ConversionStrategyAttempts.WithLabelValues(name, "success")
		ConversionStrategyAttempts.WithLabelValues(name, "failure")
		ConversionStrategyDuration.WithLabelValues(name)
	}

	for _, reason := range []string{"too_large", "memory"} {
		UploadsRejected.WithLabelValues(reason)
	}

	for _, b := range []string{"hub", "redis", "database"} {
		ProgressBroadcastFailures.WithLabelValues(b)
	}

	for _, op := range []string{"stage", "stat", "open", "remove"} {
		StorageOperationDuration.WithLabelValues(op)
		StorageOperationErrors.WithLabelValues(op)
		StorageRetryAttempts.WithLabelValues(op)
		StorageRetrySuccess.WithLabelValues(op)
		StorageRetryFailures.WithLabelValues(op)
		StorageStaleErrors.WithLabelValues(op)
	}

	for _, file := range []string{"main", "wal", "shm"} {
		DBSizeBytes.WithLabelValues(file)
	}

	for _, op := range []string{"initialize_schema", "register_job", "record_event", "get_job",
		"list_jobs", "count_jobs", "delete_finished_jobs", "get_metadata", "set_metadata"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}
}

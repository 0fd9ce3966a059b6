package metrics

import (
	"media-converter/internal/conversion"
	"media-converter/internal/progress"
	"media-converter/internal/storage"
)

// storageObserver implements storage.Observer using the Prometheus
// metrics declared in this package.
type storageObserver struct{}

// NewStorageObserver creates an observer that records storage metrics.
func NewStorageObserver() storage.Observer {
	return &storageObserver{}
}

func (o *storageObserver) ObserveOperation(operation string, durationSeconds float64, err error) {
	StorageOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
	if err != nil {
		StorageOperationErrors.WithLabelValues(operation).Inc()
	}
}

func (o *storageObserver) ObserveRetryAttempt(operation string) {
	StorageRetryAttempts.WithLabelValues(operation).Inc()
}

func (o *storageObserver) ObserveRetrySuccess(operation string) {
	StorageRetrySuccess.WithLabelValues(operation).Inc()
}

func (o *storageObserver) ObserveRetryFailure(operation string) {
	StorageRetryFailures.WithLabelValues(operation).Inc()
}

func (o *storageObserver) ObserveStaleError(operation string) {
	StorageStaleErrors.WithLabelValues(operation).Inc()
}

// progressObserver implements progress.Observer.
type progressObserver struct{}

// NewProgressObserver creates an observer that records progress channel metrics.
func NewProgressObserver() progress.Observer {
	return &progressObserver{}
}

func (o *progressObserver) ObservePublish(status progress.Status) {
	ProgressEventsTotal.WithLabelValues(string(status)).Inc()
}

func (o *progressObserver) ObserveBroadcastFailure(broadcaster string) {
	ProgressBroadcastFailures.WithLabelValues(broadcaster).Inc()
}

func (o *progressObserver) ObserveDropped(string) {
	ProgressDroppedEvents.Inc()
}

func (o *progressObserver) ObserveSubscribers(delta int) {
	ProgressSubscribers.Add(float64(delta))
}

// conversionObserver implements conversion.Observer.
type conversionObserver struct{}

// NewConversionObserver creates an observer that records job and strategy metrics.
func NewConversionObserver() conversion.Observer {
	return &conversionObserver{}
}

func (o *conversionObserver) ObserveJobStarted() {
	ConversionJobsInProgress.Inc()
}

func (o *conversionObserver) ObserveJobFinished(status progress.Status, durationSeconds float64) {
	ConversionJobsTotal.WithLabelValues(string(status)).Inc()
	if durationSeconds > 0 {
		ConversionJobDuration.Observe(durationSeconds)
	}
	ConversionJobsInProgress.Dec()
}

func (o *conversionObserver) ObserveStrategy(strategy, result string, durationSeconds float64) {
	ConversionStrategyAttempts.WithLabelValues(strategy, result).Inc()
	ConversionStrategyDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

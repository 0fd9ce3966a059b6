package conversion

import "media-converter/internal/progress"

// Observer records conversion metrics. The metrics package provides the
// Prometheus implementation.
type Observer interface {
	ObserveJobStarted()
	ObserveJobFinished(status progress.Status, durationSeconds float64)
	ObserveStrategy(strategy, result string, durationSeconds float64)
}

type nopObserver struct{}

func (nopObserver) ObserveJobStarted() {}
func (nopObserver) ObserveJobFinished(progress.Status, float64) {}
func (nopObserver) ObserveStrategy(string, string, float64) {}

var defaultObserver Observer

// SetObserver sets the package-level metrics observer.
func SetObserver(o Observer) {
	defaultObserver = o
}

func observe() Observer {
	if defaultObserver == nil {
		return nopObserver{}
	}
	return defaultObserver
}

package progress

// Observer records progress delivery metrics. The metrics package provides
// the Prometheus implementation; tests run without one.
type Observer interface {
	ObservePublish(status Status)
	ObserveBroadcastFailure(broadcaster string)
	ObserveDropped(topic string)
	ObserveSubscribers(delta int)
}

type nopObserver struct{}

func (nopObserver) ObservePublish(Status) {}
func (nopObserver) ObserveBroadcastFailure(string) {}
func (nopObserver) ObserveDropped(string) {}
func (nopObserver) ObserveSubscribers(int) {}

// defaultObserver is set once at startup.
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

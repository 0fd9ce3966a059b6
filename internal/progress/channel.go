package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-converter/internal/logging"
)

// defaultBroadcastTimeout bounds a single broadcaster call.
const defaultBroadcastTimeout = 5 * time.Second

// Broadcaster republishes events to the subscribers of the event's topic.
// Implementations must be safe for concurrent use by multiple jobs.
type Broadcaster interface {
	// Name labels the broadcaster in logs and metrics.
	Name() string
	Broadcast(ctx context.Context, ev Event) error
}

// BroadcasterFunc adapts a function into a Broadcaster.
type BroadcasterFunc struct {
	Label string
	Fn    func(ctx context.Context, ev Event) error
}

// Name implements Broadcaster.
func (f BroadcasterFunc) Name() string { return f.Label }

// Broadcast implements Broadcaster.
func (f BroadcasterFunc) Broadcast(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }

// Publisher is the narrow view of a Channel the conversion code depends on.
type Publisher interface {
	Publish(jobID string, percent int, status Status, message, resultFile string)
}

// Channel maps a job id to a sequence of events and fans every event out
// to the configured broadcasters in order. Delivery is best effort: failures
// are logged and counted, never returned.
type Channel struct {
	mu           sync.RWMutex
	broadcasters []Broadcaster
	timeout      time.Duration
}

// NewChannel creates a channel delivering to the given broadcasters.
func NewChannel(broadcasters ...Broadcaster) *Channel {
	return &Channel{
		broadcasters: broadcasters,
		timeout:      defaultBroadcastTimeout,
	}
}

// AddBroadcaster appends a broadcaster. Events already published are not
// replayed to it.
func (c *Channel) AddBroadcaster(b Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasters = append(c.broadcasters, b)
}

// SetTimeout changes the per-broadcaster deadline. Zero disables it.
func (c *Channel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Publish builds an event and delivers it. It never fails and never panics.
func (c *Channel) Publish(jobID string, percent int, status Status, message, resultFile string) {
	c.PublishEvent(Event{
		JobID:      jobID,
		Percent:    ClampPercent(percent),
		Status:     status,
		Message:    message,
		ResultFile: resultFile,
		Timestamp:  time.Now(),
	})
}

// PublishEvent delivers a prepared event to every broadcaster.
func (c *Channel) PublishEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	c.mu.RLock()
	broadcasters := c.broadcasters
	timeout := c.timeout
	c.mu.RUnlock()

	logging.Debug("Sending progress update to %s: %d%% %s - %s", ev.Topic(), ev.Percent, ev.Status, ev.Message)
	observe().ObservePublish(ev.Status)

	for _, b := range broadcasters {
		if err := deliver(b, ev, timeout); err != nil {
			logging.Warn("Failed to broadcast progress for job %s via %s: %v", ev.JobID, b.Name(), err)
			observe().ObserveBroadcastFailure(b.Name())
		}
	}
}

func deliver(b Broadcaster, ev Event, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broadcaster panicked: %v", r)
		}
	}()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return b.Broadcast(ctx, ev)
}

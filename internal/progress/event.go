package progress

import (
	"strings"
	"time"
)

// TopicPrefix is prepended to a job id to form its broadcast topic.
const TopicPrefix = "conversion/"

// Status is the lifecycle state carried by a progress event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further events follow a status.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

// Topic returns the broadcast topic for a job.
func Topic(jobID string) string {
	return TopicPrefix + jobID
}

// JobIDFromTopic extracts the job id from a topic, reporting false for
// topics outside the conversion namespace.
func JobIDFromTopic(topic string) (string, bool) {
	topic = strings.TrimPrefix(topic, "/topic/")
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, TopicPrefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Event is an immutable progress update about one job.
type Event struct {
	JobID      string
	Percent    int
	Status     Status
	Message    string
	ResultFile string
	Timestamp  time.Time
}

// Topic returns the topic the event is delivered to.
func (e Event) Topic() string {
	return Topic(e.JobID)
}

// Payload converts the event into its wire representation.
func (e Event) Payload() Payload {
	return Payload{
		FileID:          e.JobID,
		PercentComplete: e.Percent,
		Status:          e.Status,
		Message:         e.Message,
		ResultFile:      e.ResultFile,
	}
}

// Payload is the JSON document pushed to subscribers.
type Payload struct {
	FileID          string `json:"fileId"`
	PercentComplete int    `json:"percentComplete"`
	Status          Status `json:"status"`
	Message         string `json:"message"`
	ResultFile      string `json:"resultFile,omitempty"`
}

// Event converts a received payload back into an event stamped with now.
func (p Payload) Event() Event {
	return Event{
		JobID:      p.FileID,
		Percent:    p.PercentComplete,
		Status:     p.Status,
		Message:    p.Message,
		ResultFile: p.ResultFile,
		Timestamp:  time.Now(),
	}
}

// ClampPercent bounds a percentage to [0, 100].
func ClampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

package conversion

import (
	"sync"
	"time"

	"media-converter/internal/progress"
	"media-converter/internal/transcoder"
)

// Job is one conversion request. Its state is changed only by the running
// strategy, through the emit callback, and by the orchestrator.
type Job struct {
	ID           string
	OriginalName string
	InputPath    string
	OutputPath   string
	Size         int64
	CreatedAt    time.Time

	publisher progress.Publisher
	release   func()

	mu         sync.Mutex
	status     progress.Status
	percent    int
	message    string
	resultFile string
	terminal   bool
	finishedAt time.Time

	done chan struct{}
	err  error
}

// State is a point-in-time copy of a job's progress.
type State struct {
	ID         string          `json:"fileId"`
	Status     progress.Status `json:"status"`
	Percent    int             `json:"percentComplete"`
	Message    string          `json:"message"`
	ResultFile string          `json:"resultFile,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

func newJob(id, originalName string, publisher progress.Publisher) *Job {
	return &Job{
		ID:           id,
		OriginalName: originalName,
		CreatedAt:    time.Now(),
		publisher:    publisher,
		release:      func() {},
		status:       progress.StatusPending,
		message:      "Waiting for upload",
		done:         make(chan struct{}),
	}
}

// Topic returns the topic the job publishes on.
func (j *Job) Topic() string {
	return progress.Topic(j.ID)
}

// Snapshot returns the job's current state.
func (j *Job) Snapshot() State {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := State{
		ID:         j.ID,
		Status:     j.status,
		Percent:    j.percent,
		Message:    j.message,
		ResultFile: j.resultFile,
		CreatedAt:  j.CreatedAt,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// Done is closed once the job has published its terminal event and removed
// its staged input.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the job's failure after Done is closed, or nil on success.
func (j *Job) Err() error {
	<-j.done
	return j.err
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// publish records and delivers an event. Events after a terminal one are
// dropped. A complete event always carries 100 and an error event carries
// the last reported percent.
func (j *Job) publish(status progress.Status, percent int, message, resultFile string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.terminal {
		return false
	}

	switch status {
	case progress.StatusComplete:
		percent = 100
	case progress.StatusError:
		percent = j.percent
		resultFile = ""
	default:
		percent = progress.ClampPercent(percent)
		resultFile = ""
	}

	j.status = status
	j.percent = percent
	j.message = message
	j.resultFile = resultFile
	if status.IsTerminal() {
		j.terminal = true
		j.finishedAt = time.Now()
	}

	// delivered under the lock so per-job order is preserved
	j.publisher.Publish(j.ID, percent, status, message, resultFile)
	return true
}

// emitter returns the callback handed to strategies. It can only produce
// processing events.
func (j *Job) emitter() transcoder.EmitFunc {
	return func(percent int, message string) {
		j.publish(progress.StatusProcessing, percent, message, "")
	}
}

func (j *Job) lastPercent() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.percent
}

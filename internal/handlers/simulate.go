package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"media-converter/internal/conversion"
	"media-converter/internal/logging"
	"media-converter/internal/progress"
)

const (
	simulationSteps        = 20
	defaultSimulation      = 10 * time.Second
	defaultErrorSimulation = 2300 * time.Millisecond
	maxSimulation          = 10 * time.Minute
)

// simStep is one event of a simulated conversion, published after pause.
type simStep struct {
	pause   time.Duration
	percent int
	status  progress.Status
	message string
	result  string
}

// PublishTestProgress publishes a single processing event for a job.
// POST /api/test/progress?fileId=ID&percent=N&message=TEXT
func (h *Handlers) PublishTestProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.simulationJobID(w, r)
	if !ok {
		return
	}

	percent := 0
	if v := r.FormValue("percent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, "percent must be an integer", http.StatusBadRequest)
			return
		}
		percent = progress.ClampPercent(n)
	}
	message := r.FormValue("message")
	if message == "" {
		message = fmt.Sprintf("Converting file... %d%%", percent)
	}

	if h.orch != nil && h.orch.IsActive(id) {
		writeJSONError(w, "Conversion "+id+" is already running", http.StatusConflict)
		return
	}
	h.publisher.Publish(id, percent, progress.StatusProcessing, message, "")

	writeJSONStatusCode(w, http.StatusOK, map[string]interface{}{
		"fileId":  id,
		"topic":   progress.Topic(id),
		"message": "Progress update sent for file ID: " + id,
	})
}

// SimulateConversion publishes the events of a successful conversion
// spread over duration (default 10s) without touching any file.
// POST /api/test/simulate?fileId=ID&duration=10s
func (h *Handlers) SimulateConversion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.simulationJobID(w, r)
	if !ok {
		return
	}
	total, err := parseSimulationDuration(r.FormValue("duration"), defaultSimulation)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	delay := total / simulationSteps
	steps := make([]simStep, 0, simulationSteps+2)
	steps = append(steps, simStep{percent: 0, status: progress.StatusProcessing, message: "Starting conversion"})
	for i := 1; i <= simulationSteps; i++ {
		pct := i * 100 / simulationSteps
		steps = append(steps, simStep{
			pause:   delay,
			percent: pct,
			status:  progress.StatusProcessing,
			message: fmt.Sprintf("Converting file... %d%%", pct),
		})
	}
	steps = append(steps, simStep{
		pause:   delay,
		percent: 100,
		status:  progress.StatusComplete,
		message: "Conversion completed successfully",
		result:  id + "-converted.webm",
	})

	if err := h.simulate(id, steps); err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSONStatusCode(w, http.StatusAccepted, map[string]interface{}{
		"fileId":  id,
		"topic":   progress.Topic(id),
		"message": "Simulating conversion for file ID: " + id,
	})
}

// SimulateError publishes a few progress events followed by an error.
// POST /api/test/simulate-error?fileId=ID&message=TEXT
func (h *Handlers) SimulateError(w http.ResponseWriter, r *http.Request) {
	id, ok := h.simulationJobID(w, r)
	if !ok {
		return
	}
	total, err := parseSimulationDuration(r.FormValue("duration"), defaultErrorSimulation)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	message := r.FormValue("message")
	if message == "" {
		message = "Simulated conversion failure"
	}

	err = h.simulate(id, []simStep{
		{percent: 0, status: progress.StatusProcessing, message: "Starting conversion"},
		{pause: total * 5 / 23, percent: 30, status: progress.StatusProcessing, message: "Processing..."},
		{pause: total * 10 / 23, percent: 45, status: progress.StatusProcessing, message: "Converting audio..."},
		{pause: total * 8 / 23, percent: 45, status: progress.StatusError, message: message},
	})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSONStatusCode(w, http.StatusAccepted, map[string]interface{}{
		"fileId":  id,
		"topic":   progress.Topic(id),
		"message": "Simulating error for file ID: " + id,
	})
}

func (h *Handlers) simulationJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := conversion.ResolveJobID(strings.TrimSpace(r.FormValue("fileId")))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// simulate publishes steps in the background. The id is held like a real
// job's for the whole run, so it fails with conversion.ErrJobActive while a
// conversion or another simulation owns the topic. Cancelling the base
// context ends the simulation with an interrupted error event.
func (h *Handlers) simulate(id string, steps []simStep) error {
	release := func() {}
	if h.orch != nil {
		var err error
		if release, err = h.orch.Claim(id); err != nil {
			return err
		}
	}

	log := logging.ForJob(id)
	log.Info("Starting simulated conversion (%d events)", len(steps))

	h.simulations.Add(1)
	go func() {
		defer h.simulations.Done()
		defer release()

		last := 0
		for _, st := range steps {
			if st.pause > 0 {
				timer := time.NewTimer(st.pause)
				select {
				case <-timer.C:
				case <-h.base.Done():
					timer.Stop()
					h.publisher.Publish(id, last, progress.StatusError, "Conversion interrupted", "")
					log.Warn("Simulated conversion interrupted")
					return
				}
			}
			h.publisher.Publish(id, st.percent, st.status, st.message, st.result)
			last = st.percent
		}
		log.Debug("Simulated conversion finished")
	}()
	return nil
}

// parseSimulationDuration accepts a Go duration or a number of seconds.
func parseSimulationDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if parsed, err := time.ParseDuration(v); err == nil {
		d = parsed
	} else {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 || d > maxSimulation {
		return 0, fmt.Errorf("duration must be between 0 and %s", maxSimulation)
	}
	return d, nil
}

package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"media-converter/internal/logging"
	"media-converter/internal/progress"
	"media-converter/internal/storage"
	"media-converter/internal/transcoder"
)

var (
	// ErrConversionFailed is returned when every strategy failed, the raw
	// copy included, or the upload could not be staged.
	ErrConversionFailed = errors.New("conversion failed")

	// ErrInvalidJobID is returned for a caller supplied id that cannot be
	// used as a file name.
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrJobActive is returned when the id belongs to a job that is still
	// running.
	ErrJobActive = errors.New("job is already running")

	errInterrupted = errors.New("conversion interrupted")
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Storage is the file layout the orchestrator works against.
type Storage interface {
	Stage(jobID, originalName string, src io.Reader) (string, int64, error)
	OutputPath(jobID string) string
	OutputSize(path string) (int64, error)
	Remove(path string) error
}

// Orchestrator runs the strategy chain for a job and owns its lifecycle:
// staging, progress, terminal event and cleanup.
type Orchestrator struct {
	store      Storage
	publisher  progress.Publisher
	strategies []transcoder.Strategy

	base   context.Context
	wg     sync.WaitGroup
	active atomic.Int64

	mu      sync.Mutex
	claimed map[string]struct{}
}

// New creates an orchestrator that tries strategies in the given order.
func New(store Storage, publisher progress.Publisher, strategies ...transcoder.Strategy) *Orchestrator {
	return &Orchestrator{
		store:      store,
		publisher:  publisher,
		strategies: strategies,
		base:       context.Background(),
		claimed:    make(map[string]struct{}),
	}
}

// SetBaseContext bounds every detached job. Cancelling it interrupts
// running jobs, which still publish their terminal error event.
func (o *Orchestrator) SetBaseContext(ctx context.Context) {
	o.base = ctx
}

// Strategies returns the names of the configured strategies in order.
func (o *Orchestrator) Strategies() []string {
	names := make([]string, len(o.strategies))
	for i, s := range o.strategies {
		names[i] = s.Name()
	}
	return names
}

// Active returns the number of jobs currently running.
func (o *Orchestrator) Active() int {
	return int(o.active.Load())
}

// Wait blocks until every detached job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Claim reserves id until release is called. Staged input, output and
// topic are all named by the id, so at most one writer may hold it.
// It fails with ErrJobActive while another holder has the id.
func (o *Orchestrator) Claim(id string) (release func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.claimed[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	o.claimed[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.claimed, id)
			o.mu.Unlock()
		})
	}, nil
}

// IsActive reports whether id is currently claimed.
func (o *Orchestrator) IsActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.claimed[id]
	return busy
}

// ResolveJobID returns the caller's id if it is usable, or a fresh UUID
// when none was supplied.
func ResolveJobID(clientID string) (string, error) {
	if clientID == "" {
		return uuid.NewString(), nil
	}
	if !jobIDPattern.MatchString(clientID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, clientID)
	}
	return clientID, nil
}

// prepare resolves the job id and stages the input.
func (o *Orchestrator) prepare(src io.Reader, originalName, clientID string) (*Job, error) {
	id, err := ResolveJobID(clientID)
	if err != nil {
		return nil, err
	}

	release, err := o.Claim(id)
	if err != nil {
		return nil, err
	}

	job := newJob(id, originalName, o.publisher)
	job.OutputPath = o.store.OutputPath(id)
	job.release = release

	path, size, err := o.store.Stage(id, originalName, src)
	if err != nil {
		defer release()
		logging.ForJob(id).Error("Failed to stage %s: %v", originalName, err)
		job.publish(progress.StatusError, 0, fmt.Sprintf("Conversion failed: %v", err), "")
		observe().ObserveJobStarted()
		observe().ObserveJobFinished(progress.StatusError, 0)
		job.finish(err)
		return job, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	job.InputPath = path
	job.Size = size

	job.publish(progress.StatusProcessing, 0, "Starting conversion", "")
	return job, nil
}

// Convert stages src, runs the strategy chain and returns the output file
// name. It fails with ErrConversionFailed only when every strategy failed.
func (o *Orchestrator) Convert(ctx context.Context, src io.Reader, originalName, clientID string) (string, error) {
	job, err := o.prepare(src, originalName, clientID)
	if err != nil {
		return "", err
	}

	o.active.Add(1)
	defer o.active.Add(-1)

	if err := o.run(ctx, job); err != nil {
		return "", err
	}
	return storage.OutputName(job.ID), nil
}

// Start stages src synchronously, then converts in the background and
// returns immediately. The job outlives ctx's cancellation but not the
// orchestrator's base context.
func (o *Orchestrator) Start(ctx context.Context, src io.Reader, originalName, clientID string) (*Job, error) {
	job, err := o.prepare(src, originalName, clientID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.base, cancel)

	o.active.Add(1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.active.Add(-1)
		defer cancel()
		defer stop()

		if err := o.run(runCtx, job); err != nil {
			logging.ForJob(job.ID).Debug("Background conversion ended: %v", err)
		}
	}()

	return job, nil
}

// run executes the strategy chain for a staged job. It always publishes
// exactly one terminal event and removes the staged input.
func (o *Orchestrator) run(ctx context.Context, job *Job) (err error) {
	log := logging.ForJob(job.ID)
	start := time.Now()
	observe().ObserveJobStarted()

	defer func() {
		if removeErr := o.store.Remove(job.InputPath); removeErr != nil {
			log.Warn("Failed to remove staged input %s: %v", job.InputPath, removeErr)
		}
		job.release()
		job.finish(err)
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Conversion panicked: %v", r)
			job.publish(progress.StatusError, 0, "Conversion interrupted", "")
			observe().ObserveJobFinished(progress.StatusError, time.Since(start).Seconds())
			err = fmt.Errorf("%w: %w: %v", ErrConversionFailed, errInterrupted, r)
		}
	}()

	lastErr := o.runStrategies(ctx, job)
	duration := time.Since(start).Seconds()

	switch {
	case lastErr == nil:
		log.Info("Conversion completed in %.1fs", duration)
		job.publish(progress.StatusComplete, 100, "Conversion completed successfully", storage.OutputName(job.ID))
		observe().ObserveJobFinished(progress.StatusComplete, duration)
		return nil

	case errors.Is(lastErr, errInterrupted):
		log.Warn("Conversion interrupted: %v", ctx.Err())
		job.publish(progress.StatusError, 0, "Conversion interrupted", "")
		observe().ObserveJobFinished(progress.StatusError, duration)
		return fmt.Errorf("%w: %w", ErrConversionFailed, lastErr)

	default:
		log.Error("All conversion strategies failed: %v", lastErr)
		job.publish(progress.StatusError, 0, fmt.Sprintf("Conversion failed: %v", lastErr), "")
		observe().ObserveJobFinished(progress.StatusError, duration)
		return fmt.Errorf("%w: %w", ErrConversionFailed, lastErr)
	}
}

// runStrategies tries each strategy in order until one produces a
// non-empty output. It returns nil on success, the last failure otherwise,
// or an error wrapping errInterrupted when ctx ended.
func (o *Orchestrator) runStrategies(ctx context.Context, job *Job) error {
	log := logging.ForJob(job.ID)
	lastErr := errors.New("no conversion strategies configured")

	for i, s := range o.strategies {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
		}

		job.publish(progress.StatusProcessing, job.lastPercent(), fmt.Sprintf("Trying %s conversion", s.Name()), "")

		attemptStart := time.Now()
		err := o.attempt(ctx, s, job)
		elapsed := time.Since(attemptStart).Seconds()

		if err == nil {
			observe().ObserveStrategy(s.Name(), "success", elapsed)
			log.Info("Converted with %s strategy", s.Name())
			return nil
		}
		observe().ObserveStrategy(s.Name(), "failure", elapsed)
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
		}

		log.Warn("%s conversion failed: %v", s.Name(), err)
		msg := fmt.Sprintf("%s conversion failed: %v", s.Name(), err)
		if i+1 < len(o.strategies) {
			msg += fmt.Sprintf(". Trying %s...", o.strategies[i+1].Name())
		}
		job.publish(progress.StatusProcessing, job.lastPercent(), msg, "")
	}

	return lastErr
}

// attempt runs one strategy and checks that it left a non-empty output.
func (o *Orchestrator) attempt(ctx context.Context, s transcoder.Strategy, job *Job) error {
	if err := s.Convert(ctx, job.InputPath, job.OutputPath, job.ID, job.emitter()); err != nil {
		return err
	}

	size, err := o.store.OutputSize(job.OutputPath)
	if err != nil {
		return &transcoder.StrategyError{Strategy: s.Name(), Err: fmt.Errorf("output missing: %w", err)}
	}
	if size == 0 {
		return &transcoder.StrategyError{Strategy: s.Name(), Err: errors.New("output is empty")}
	}
	return nil
}

package handlers

import (
	"context"
	"sync"
	"time"

	"media-converter/internal/conversion"
	"media-converter/internal/database"
	"media-converter/internal/progress"
	"media-converter/internal/startup"
	"media-converter/internal/storage"
)

// Options carries the collaborators of the HTTP handlers.
type Options struct {
	DB           *database.Database
	Store        *storage.Store
	Orchestrator *conversion.Orchestrator
	Publisher    progress.Publisher
	Hub          *progress.Hub
	Encoder      startup.EncoderChecker

	// Memory, when set, refuses uploads while the process is short of
	// memory.
	Memory PressureReporter

	MaxUploadBytes int64
}

// PressureReporter reports memory pressure.
type PressureReporter interface {
	UnderPressure() bool
}

type Handlers struct {
	db        *database.Database
	store     *storage.Store
	orch      *conversion.Orchestrator
	publisher progress.Publisher
	hub       *progress.Hub
	encoder   startup.EncoderChecker
	memory    PressureReporter
	maxUpload int64
	startTime time.Time

	base        context.Context
	streams     context.Context
	simulations sync.WaitGroup
	sessions    sync.WaitGroup
}

func New(opts Options) *Handlers {
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = startup.DefaultMaxUploadBytes
	}
	return &Handlers{
		db:        opts.DB,
		store:     opts.Store,
		orch:      opts.Orchestrator,
		publisher: opts.Publisher,
		hub:       opts.Hub,
		encoder:   opts.Encoder,
		memory:    opts.Memory,
		maxUpload: maxUpload,
		startTime: time.Now(),
		base:      context.Background(),
		streams:   context.Background(),
	}
}

// SetBaseContext bounds simulated conversions.
func (h *Handlers) SetBaseContext(ctx context.Context) {
	h.base = ctx
}

// SetStreamContext bounds open WebSocket sessions. Cancel it only after
// jobs and simulations have published their final events: each session
// flushes what it already received, then closes with 1001 going away.
func (h *Handlers) SetStreamContext(ctx context.Context) {
	h.streams = ctx
}

// WaitStreams blocks until every WebSocket session has closed or ctx ends.
func (h *Handlers) WaitStreams(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every simulated conversion has finished.
func (h *Handlers) Wait() {
	h.simulations.Wait()
}

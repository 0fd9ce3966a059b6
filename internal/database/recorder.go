package database

import (
	"context"

	"media-converter/internal/progress"
)

// Recorder persists every published event as the latest state of its job.
// It is a progress.Broadcaster.
type Recorder struct {
	db *Database
}

// NewRecorder creates a recorder writing to db.
func NewRecorder(db *Database) *Recorder {
	return &Recorder{db: db}
}

// Name implements progress.Broadcaster.
func (r *Recorder) Name() string { return "database" }

// Broadcast implements progress.Broadcaster.
func (r *Recorder) Broadcast(ctx context.Context, ev progress.Event) error {
	return r.db.RecordEvent(ctx, ev)
}

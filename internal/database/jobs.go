package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"media-converter/internal/metrics"
	"media-converter/internal/progress"
)

// ErrJobNotFound is returned when no record exists for a job id.
var ErrJobNotFound = errors.New("job not found")

// JobRecord is the persisted state of a job, as of its latest event.
type JobRecord struct {
	ID           string          `json:"fileId"`
	OriginalName string          `json:"originalName,omitempty"`
	Size         int64           `json:"size"`
	Status       progress.Status `json:"status"`
	Percent      int             `json:"percentComplete"`
	Message      string          `json:"message"`
	ResultFile   string          `json:"resultFile,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Terminal reports whether the job has finished.
func (r *JobRecord) Terminal() bool {
	return r.Status.IsTerminal()
}

// RegisterJob creates or resets the record for a job before it starts.
// A reused id starts over as pending.
func (d *Database) RegisterJob(ctx context.Context, id, originalName string, size int64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("register_job", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := time.Now().Unix()
	_, err = d.db.ExecContext(ctx, `
	INSERT INTO jobs (id, status, percent, message, result_file, original_name, size, created_at, updated_at)
	VALUES (?, ?, 0, ?, NULL, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		percent = 0,
		message = excluded.message,
		result_file = NULL,
		original_name = excluded.original_name,
		size = excluded.size,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`, id, string(progress.StatusPending), "Waiting for upload", originalName, size, now, now)
	return err
}

// RecordEvent stores ev as the latest state of its job. Events arriving
// after the job's terminal event are ignored.
func (d *Database) RecordEvent(ctx context.Context, ev progress.Event) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("record_event", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var result sql.NullString
	if ev.ResultFile != "" {
		result = sql.NullString{String: ev.ResultFile, Valid: true}
	}

	res, err := d.db.ExecContext(ctx, `
	INSERT INTO jobs (id, status, percent, message, result_file, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		percent = excluded.percent,
		message = excluded.message,
		result_file = excluded.result_file,
		updated_at = excluded.updated_at
	WHERE jobs.status NOT IN (?, ?)
	`, ev.JobID, string(ev.Status), ev.Percent, ev.Message, result, ts.Unix(), ts.Unix(),
		string(progress.StatusComplete), string(progress.StatusError))
	if err != nil {
		return err
	}
	if rows, rowsErr := res.RowsAffected(); rowsErr == nil && rows > 0 {
		metrics.DBRowsAffected.WithLabelValues("record_event").Observe(float64(rows))
	}
	return nil
}

// GetJob returns the record for a job, or ErrJobNotFound.
func (d *Database) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_job", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := d.db.QueryRowContext(ctx, `
	SELECT id, original_name, size, status, percent, message, result_file, created_at, updated_at
	FROM jobs WHERE id = ?
	`, id)

	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec, err
}

// ListJobs returns the most recently updated jobs, newest first.
func (d *Database) ListJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_jobs", start, err) }()

	if limit <= 0 {
		limit = 50
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
	SELECT id, original_name, size, status, percent, message, result_file, created_at, updated_at
	FROM jobs ORDER BY updated_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		rec, scanErr := scanJob(rows)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		jobs = append(jobs, *rec)
	}
	err = rows.Err()
	return jobs, err
}

// CountByStatus returns the number of job records per status.
func (d *Database) CountByStatus(ctx context.Context) (map[progress.Status]int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("count_jobs", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[progress.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err = rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[progress.Status(status)] = n
	}
	err = rows.Err()
	return counts, err
}

// DeleteFinishedJobs removes the records of every finished job and returns
// how many were removed.
func (d *Database) DeleteFinishedJobs(ctx context.Context) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_finished_jobs", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := d.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?)`,
		string(progress.StatusComplete), string(progress.StatusError))
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		metrics.DBRowsAffected.WithLabelValues("delete_finished_jobs").Observe(float64(n))
	}
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		rec                  JobRecord
		status               string
		result               sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.OriginalName, &rec.Size, &status, &rec.Percent,
		&rec.Message, &result, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = progress.Status(status)
	rec.ResultFile = result.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const lastClearKey = "last_clear"

const upsertMetadata = `INSERT INTO metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`

// GetMetadata returns the value stored under key, or sql.ErrNoRows.
func (d *Database) GetMetadata(ctx context.Context, key string) (value string, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, sql.ErrNoRows) {
			recordQuery("get_metadata", start, nil)
			return
		}
		recordQuery("get_metadata", start, err)
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err = d.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	return value, err
}

// SetMetadata stores value under key, replacing any previous value.
func (d *Database) SetMetadata(ctx context.Context, key, value string) (err error) {
	start := time.Now()
	defer func() { recordQuery("set_metadata", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, upsertMetadata, key, value)
	return err
}

// LastClear returns when converted files were last cleared, or the zero
// time.
func (d *Database) LastClear(ctx context.Context) (time.Time, error) {
	value, err := d.GetMetadata(ctx, lastClearKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, nil
	case err != nil:
		return time.Time{}, err
	case value == "":
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}

// SetLastClear records a clear. The zero time resets it.
func (d *Database) SetLastClear(ctx context.Context, t time.Time) error {
	value := ""
	if !t.IsZero() {
		value = t.UTC().Format(time.RFC3339)
	}
	return d.SetMetadata(ctx, lastClearKey, value)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"media-converter/internal/logging"
	"media-converter/internal/metrics"
)

const defaultTimeout = 5 * time.Second

const schemaVersionKey = "schema_version"

// migration is one schema step. Steps run in order inside a transaction
// and are recorded under schema_version in the metadata table.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create jobs table",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				percent INTEGER NOT NULL DEFAULT 0,
				message TEXT NOT NULL DEFAULT '',
				result_file TEXT,
				created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
				updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at)`,
		},
	},
	{
		version: 2,
		name:    "record upload name and size",
		stmts: []string{
			`ALTER TABLE jobs ADD COLUMN original_name TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE jobs ADD COLUMN size INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// Database stores the last known state of every conversion job.
type Database struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// New opens or creates the job store at dbPath and brings its schema up to
// date. The parent directory must exist.
func New(ctx context.Context, dbPath string) (*Database, error) {
	checkFileModes(dbPath)

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{db: db, dbPath: dbPath}
	if err := d.open(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database: %v", closeErr)
		}
		return nil, err
	}

	logging.Info("Job store ready at %s", dbPath)
	return d, nil
}

func (d *Database) open(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := d.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	start := time.Now()
	err := d.migrate(ctx)
	recordQuery("migrate", start, err)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// migrate applies every migration newer than the stored schema_version.
func (d *Database) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return err
	}

	current := 0
	var stored string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, schemaVersionKey).Scan(&stored)
	switch {
	case err == nil:
		if current, err = strconv.Atoi(stored); err != nil {
			return fmt.Errorf("bad %s %q: %w", schemaVersionKey, stored, err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logging.Info("Migrating database to version %d: %s", m.version, m.name)
		if err := d.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (d *Database) apply(ctx context.Context, m migration) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, upsertMetadata, schemaVersionKey, strconv.Itoa(m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks that the database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

func (d *Database) Path() string {
	return d.dbPath
}

// OpenConnections returns the number of open connections in the pool.
func (d *Database) OpenConnections() int {
	return d.db.Stats().OpenConnections
}

func recordQuery(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// checkFileModes makes an existing database and its WAL files writable by
// the owner. Volumes restored from backups are often read-only.
func checkFileModes(dbPath string) {
	if info, err := os.Stat(filepath.Dir(dbPath)); err == nil {
		logging.Debug("Database directory: %s (mode: %v)", filepath.Dir(dbPath), info.Mode())
	}
	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(path)
		if err != nil || info.Mode().Perm()&0o200 != 0 {
			continue
		}
		logging.Warn("Database file %s is read-only (mode %v), fixing", path, info.Mode())
		if err := os.Chmod(path, info.Mode().Perm()|0o200); err != nil {
			logging.Error("Failed to fix permissions on %s: %v", path, err)
		}
	}
}

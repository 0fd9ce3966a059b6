package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"media-converter/internal/logging"
)

// OutputExt is the extension of every converted file.
const OutputExt = ".webm"

var (
	// ErrInvalidName is returned for file names that would escape the
	// storage directories.
	ErrInvalidName = errors.New("invalid file name")
)

// RetryConfig configures retry behavior for operations on network mounts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the defaults used for NFS-backed data dirs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// Store lays out staged uploads and converted outputs on disk. Every path is
// namespaced by job id, so concurrent jobs never share a file.
type Store struct {
	uploadsDir   string
	convertedDir string
	retry        RetryConfig
}

// New creates the uploads and converted directories under dataDir.
func New(dataDir string) (*Store, error) {
	s := &Store{
		uploadsDir:   filepath.Join(dataDir, "uploads"),
		convertedDir: filepath.Join(dataDir, "converted"),
		retry:        DefaultRetryConfig(),
	}
	for _, dir := range []string{s.uploadsDir, s.convertedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return s, nil
}

// SetRetryConfig overrides the retry behavior.
func (s *Store) SetRetryConfig(cfg RetryConfig) {
	s.retry = cfg
}

// UploadsDir returns the staging directory.
func (s *Store) UploadsDir() string {
	return s.uploadsDir
}

// ConvertedDir returns the output directory.
func (s *Store) ConvertedDir() string {
	return s.convertedDir
}

// OutputName returns the file name of a job's result.
func OutputName(jobID string) string {
	return jobID + OutputExt
}

// OutputPath returns the absolute path of a job's result.
func (s *Store) OutputPath(jobID string) string {
	return filepath.Join(s.convertedDir, OutputName(jobID))
}

// stagingExt keeps the original extension when it looks sane, since the
// encoder's demuxer probing benefits from it.
func stagingExt(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if len(ext) < 2 || len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		return ".bin"
	}
	return ext
}

// Stage writes src to the staging directory as {jobID}{ext} and returns the
// path and number of bytes written. A partial file is removed on failure.
func (s *Store) Stage(jobID, originalName string, src io.Reader) (string, int64, error) {
	path := filepath.Join(s.uploadsDir, jobID+stagingExt(originalName))
	start := time.Now()

	f, err := os.Create(path)
	if err != nil {
		observe().ObserveOperation("stage", time.Since(start).Seconds(), err)
		return "", 0, fmt.Errorf("failed to create staging file: %w", err)
	}

	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	observe().ObserveOperation("stage", time.Since(start).Seconds(), err)
	if err != nil {
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			logging.Warn("failed to remove partial upload %s: %v", path, removeErr)
		}
		return "", 0, fmt.Errorf("failed to stage upload: %w", err)
	}

	return path, n, nil
}

// ResolveOutput maps a client supplied file name to its path in the output
// directory, rejecting anything that is not a plain file name.
func (s *Store) ResolveOutput(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.convertedDir, name), nil
}

// OutputSize returns the size of a file, retrying on stale NFS handles.
// Missing files report os.ErrNotExist.
func (s *Store) OutputSize(path string) (int64, error) {
	var size int64
	err := s.withRetry("stat", path, func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		size = info.Size()
		return nil
	})
	return size, err
}

// Open opens a file for reading, retrying on stale NFS handles.
func (s *Store) Open(path string) (*os.File, error) {
	var f *os.File
	err := s.withRetry("open", path, func() error {
		var err error
		f, err = os.Open(path)
		return err
	})
	return f, err
}

// Remove deletes a file. A missing file is not an error, so removal is
// idempotent.
func (s *Store) Remove(path string) error {
	err := s.withRetry("remove", path, func() error {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
	return err
}

// ClearOutputs removes every converted file and returns the bytes freed.
func (s *Store) ClearOutputs() (int64, error) {
	entries, err := os.ReadDir(s.convertedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read output directory: %w", err)
	}

	var freedBytes int64
	for _, entry := range entries {
		path := filepath.Join(s.convertedDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logging.Warn("failed to get info for %s: %v", path, err)
			continue
		}

		if entry.IsDir() {
			size, _ := DirSize(path)
			if err := os.RemoveAll(path); err != nil {
				logging.Warn("failed to remove directory %s: %v", path, err)
				continue
			}
			freedBytes += size
			continue
		}

		if err := s.Remove(path); err != nil {
			logging.Warn("failed to remove file %s: %v", path, err)
			continue
		}
		freedBytes += info.Size()
	}

	logging.Info("Cleared converted files: freed %d bytes", freedBytes)
	return freedBytes, nil
}

// DirSize returns the total size of the regular files under path.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// isStaleError checks for ESTALE (stale file handle), errno 116 on Linux.
func isStaleError(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ESTALE
}

// withRetry runs fn, retrying with exponential backoff while it fails with
// a stale file handle.
func (s *Store) withRetry(op, path string, fn func() error) error {
	start := time.Now()
	backoff := s.retry.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				logging.Info("NFS %s succeeded on retry %d for %s", op, attempt, path)
				observe().ObserveRetrySuccess(op)
			}
			observe().ObserveOperation(op, time.Since(start).Seconds(), nil)
			return nil
		}

		lastErr = err
		if !isStaleError(err) {
			observe().ObserveOperation(op, time.Since(start).Seconds(), err)
			return err
		}
		observe().ObserveStaleError(op)

		// no sleep after the last attempt
		if attempt < s.retry.MaxRetries {
			observe().ObserveRetryAttempt(op)
			logging.Debug("NFS %s stale file handle for %s, retrying in %v (attempt %d/%d)",
				op, path, backoff, attempt+1, s.retry.MaxRetries)
			time.Sleep(backoff)

			backoff *= 2
			if backoff > s.retry.MaxBackoff {
				backoff = s.retry.MaxBackoff
			}
		}
	}

	logging.Warn("NFS %s failed after %d retries for %s: %v", op, s.retry.MaxRetries, path, lastErr)
	observe().ObserveRetryFailure(op)
	observe().ObserveOperation(op, time.Since(start).Seconds(), lastErr)
	return lastErr
}

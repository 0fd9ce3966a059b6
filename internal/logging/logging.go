package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var (
	currentLevel LogLevel
	levelOnce    sync.Once
	levelMu      sync.RWMutex
)

// initLevel initializes the log level from environment variables
func initLevel() {
	levelOnce.Do(func() {
		level := ParseLevel(os.Getenv("LOG_LEVEL"))

		// DEBUG wins over LOG_LEVEL so a quick DEBUG=1 works without editing config
		switch strings.ToLower(os.Getenv("DEBUG")) {
		case "1", "true", "yes", "on":
			level = LevelDebug
		}

		levelMu.Lock()
		currentLevel = level
		levelMu.Unlock()
	})
}

// ParseLevel converts a level name into a LogLevel. Unknown names map to info.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	initLevel()
	levelMu.RLock()
	defer levelMu.RUnlock()
	return currentLevel
}

// SetLevel overrides the level picked up from the environment.
// Used by the CLI --verbose flag and by configuration files.
func SetLevel(level LogLevel) {
	initLevel()
	levelMu.Lock()
	currentLevel = level
	levelMu.Unlock()
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

func logAt(level LogLevel, tag, prefix, format string, args ...interface{}) {
	if GetLevel() > level {
		return
	}
	if prefix != "" {
		log.Printf(tag+" "+prefix+" "+format, args...)
		return
	}
	log.Printf(tag+" "+format, args...)
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	logAt(LevelDebug, "[DEBUG]", "", format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	logAt(LevelInfo, "[INFO]", "", format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	logAt(LevelWarn, "[WARN]", "", format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	logAt(LevelError, "[ERROR]", "", format, args...)
}

// Fatal logs an error message and exits
func Fatal(format string, args ...interface{}) {
	log.Fatalf("[FATAL] "+format, args...)
}

// Printf is a pass-through to log.Printf for messages that should always print
func Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Logger writes leveled messages tagged with a fixed prefix such as
// "[job=3f2a]" or "[ffmpeg]". The zero value logs without a prefix.
type Logger struct {
	prefix string
}

// With returns a Logger whose lines carry the given key/value pairs.
// Pairs are rendered as "[k=v k2=v2]"; a single argument is rendered as "[arg]".
func With(kv ...string) *Logger {
	return &Logger{prefix: formatPrefix(kv)}
}

// ForJob returns a Logger tagged with a conversion job id.
func ForJob(jobID string) *Logger {
	return With("job", jobID)
}

// With returns a child Logger with additional key/value pairs appended.
func (l *Logger) With(kv ...string) *Logger {
	extra := formatPrefix(kv)
	if l == nil || l.prefix == "" {
		return &Logger{prefix: extra}
	}
	return &Logger{prefix: strings.TrimSuffix(l.prefix, "]") + " " + strings.TrimPrefix(extra, "[")}
}

// Prefix returns the rendered prefix.
func (l *Logger) Prefix() string {
	if l == nil {
		return ""
	}
	return l.prefix
}

// Debug logs a debug message with the logger prefix
func (l *Logger) Debug(format string, args ...interface{}) {
	logAt(LevelDebug, "[DEBUG]", l.Prefix(), format, args...)
}

// Info logs an info message with the logger prefix
func (l *Logger) Info(format string, args ...interface{}) {
	logAt(LevelInfo, "[INFO]", l.Prefix(), format, args...)
}

// Warn logs a warning message with the logger prefix
func (l *Logger) Warn(format string, args ...interface{}) {
	logAt(LevelWarn, "[WARN]", l.Prefix(), format, args...)
}

// Error logs an error message with the logger prefix
func (l *Logger) Error(format string, args ...interface{}) {
	logAt(LevelError, "[ERROR]", l.Prefix(), format, args...)
}

func formatPrefix(kv []string) string {
	switch len(kv) {
	case 0:
		return ""
	case 1:
		return "[" + kv[0] + "]"
	}

	parts := make([]string, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			parts = append(parts, kv[i]+"="+kv[i+1])
		} else {
			parts = append(parts, kv[i])
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

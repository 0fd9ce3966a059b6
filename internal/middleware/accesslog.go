package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"media-converter/internal/logging"
)

const serviceName = "MediaConverter/1.0"

// w3cFields names the columns of every access log line.
const w3cFields = "#Fields: date time s-sitename c-ip cs-method cs-uri-stem cs-uri-query sc-status sc-bytes time-taken sc(Content-Type) cs(User-Agent) cs(Referer) x-request-id"

// LoggingConfig selects which requests reach the access log.
type LoggingConfig struct {
	// SkipPaths are path prefixes that are never logged.
	SkipPaths []string

	// SkipExtensions are static asset suffixes, skipped unless LogStaticFiles.
	SkipExtensions  []string
	LogStaticFiles  bool
	LogHealthChecks bool
}

// DefaultLoggingConfig logs everything except static assets.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		SkipExtensions:  []string{".css", ".js", ".ico", ".png", ".svg"},
		LogHealthChecks: true,
	}
}

var healthCheckPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/livez":   true,
	"/readyz":  true,
}

func (c LoggingConfig) skips(path string) bool {
	if hasPathPrefix(path, c.SkipPaths) {
		return true
	}
	if !c.LogHealthChecks && healthCheckPaths[path] {
		return true
	}
	if c.LogStaticFiles {
		return false
	}
	lower := strings.ToLower(path)
	for _, ext := range c.SkipExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func hasPathPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Logger writes one W3C Extended Log Format line per request. The #Fields
// directive is written before the first line.
func Logger(config LoggingConfig) func(http.Handler) http.Handler {
	var directive sync.Once

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.skips(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			directive.Do(func() { logging.Printf("%s", w3cFields) })
			logging.Printf("%s", accessLine(r, rec, start, time.Since(start)))
		})
	}
}

// accessLine formats one request. Every client-controlled value goes
// through w3cField.
func accessLine(r *http.Request, rec *statusRecorder, start time.Time, took time.Duration) string {
	ts := start.UTC()
	fields := []string{
		ts.Format("2006-01-02"),
		ts.Format("15:04:05"),
		serviceName,
		w3cField(clientIP(r)),
		w3cField(r.Method),
		w3cField(r.URL.Path),
		w3cField(r.URL.RawQuery),
		strconv.Itoa(rec.status),
		strconv.FormatInt(rec.bytes, 10),
		strconv.FormatInt(took.Milliseconds(), 10),
		w3cField(rec.Header().Get("Content-Type")),
		w3cField(r.Header.Get("User-Agent")),
		w3cField(r.Header.Get("Referer")),
		w3cField(RequestIDFrom(r.Context())),
	}
	return strings.Join(fields, " ")
}

// w3cField strips control characters that could forge log lines or
// terminal escapes, writes "-" for empty values and quotes values with
// blanks.
func w3cField(s string) string {
	s = sanitizeLogField(s)
	if s == "" {
		return "-"
	}
	if strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func sanitizeLogField(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r':
			return ' '
		case r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"media-converter/internal/metrics"
)

// MetricsConfig lists path prefixes the metrics middleware ignores.
type MetricsConfig struct {
	SkipPaths []string
}

// DefaultMetricsConfig skips probes, the metrics endpoint and /ws, whose
// request duration is the lifetime of a subscription.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		SkipPaths: []string{"/metrics", "/health", "/healthz", "/livez", "/readyz", "/ws"},
	}
}

// Metrics counts requests and observes their latency. Install it with
// Router.Use so the path label is the matched route template.
func Metrics(config MetricsConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasPathPrefix(r.URL.Path, config.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.HTTPRequestsInFlight.Inc()
			rec := newStatusRecorder(w)
			start := time.Now()
			defer func() {
				metrics.HTTPRequestsInFlight.Dec()
				route := routeLabel(r)
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath keeps the first two segments of an unmatched path.
func normalizePath(path string) string {
	parts := strings.SplitN(path, "/", 4)
	if len(parts) < 4 || parts[3] == "" {
		return path
	}
	return strings.Join(parts[:3], "/") + "/{path}"
}

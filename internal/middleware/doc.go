// Package middleware wraps the converter's HTTP handlers.
//
// RequestID assigns each request an X-Request-ID. Logger writes a W3C
// Extended Log Format line per request, with the request id as the last
// field, and can leave out static assets and health probes. Metrics records
// Prometheus counters and latency labelled by gorilla/mux route template.
//
// The response wrapper implements http.Hijacker and http.Flusher so
// WebSocket upgrades and streamed downloads pass through unchanged.
package middleware

// Package main provides the entry point for the media converter server.
//
// The server accepts media uploads over HTTP, converts each one to WebM in
// the background and reports progress to WebSocket subscribers of the
// job's topic, conversion/{job_id}.
//
// # Application Lifecycle
//
//  1. Configuration Loading: defaults, optional TOML file, .env file and
//     environment, then directory checks
//  2. Database Initialization: SQLite job store with migrations
//  3. Component Initialization:
//     - Storage: staging and converted directories under DATA_DIR
//     - Progress channel: local hub and job recorder, or Redis fan-out
//     with a relay into the local hub when REDIS_URL is set
//     - Strategy chain: external encoder, library encoder, raw copy
//     - Orchestrator: runs jobs under the server's base context
//     - Metrics Collector: samples component gauges periodically
//  4. HTTP Server Setup: routes, metrics and access log middleware
//  5. Graceful Shutdown: SIGINT/SIGTERM stops intake, interrupts running
//     jobs and closes the remaining components
//
// # HTTP Servers
//
//  1. Main Server (default port 8080): conversion API, downloads,
//     WebSocket progress at /ws, health probes and diagnostics
//  2. Metrics Server (default port 9090, optional): Prometheus metrics at
//     /metrics and a liveness probe at /health
//
// # Graceful Shutdown
//
//  1. Stop accepting HTTP requests
//  2. Cancel the base context; every running job publishes one terminal
//     "Conversion interrupted" event
//  3. Kill leftover encoder processes
//  4. Cancel the stream context; each WebSocket session flushes the
//     events it already received, then closes with 1001 going away
//  5. Stop the Redis relay and close the client
//  6. Stop the metrics collector and server
//  7. Close the database
//
// # Build Requirements
//
// CGO is required for SQLite and for the FFmpeg libraries behind the
// library encoder:
//
//	go build -o media-converter ./cmd/media-converter
package main

// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// Configuration is resolved by [LoadConfig] from, in increasing precedence,
// built-in defaults, an optional TOML file named by CONFIG_FILE, a dotenv
// file named by ENV_FILE (default .env, never overriding variables already
// set) and the process environment:
//
//   - DATA_DIR: Root for staged uploads and converted output (default: /data)
//   - DATABASE_DIR: Directory holding jobs.db (default: /database)
//   - PORT: HTTP server port (default: 8080)
//   - METRICS_PORT: Prometheus metrics server port (default: 9090)
//   - METRICS_ENABLED: Enable or disable the metrics server (default: true)
//   - ENCODER_BINARY: External encoder executable (default: ffmpeg)
//   - ENCODER_TIMEOUT: Per-attempt encoder timeout as Go duration (default: none)
//   - ENCODER_THREADS: Encoder thread count, 0 for automatic (default: 0)
//   - LIBRARY_ENCODER_ENABLED: Include the in-process encoder in the chain (default: true)
//   - REDIS_URL: Publish progress through Redis when set
//   - MAX_UPLOAD_BYTES: Upload limit, plain bytes or KiB/MiB/GiB (default: 2GiB)
//   - LOG_LEVEL: Logging level - debug, info, warn, error (default: info)
//   - LOG_STATIC_FILES: Log static file requests (default: false)
//   - LOG_HEALTH_CHECKS: Log health check requests (default: true)
//
// The TOML file uses the sections server, paths, encoder, redis and logging:
//
//	[server]
//	port = "8080"
//	max_upload_bytes = "4GiB"
//
//	[encoder]
//	binary = "/usr/local/bin/ffmpeg"
//	timeout = "30m"
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
//
// # Lifecycle Logging
//
//   - [LogDatabaseInit]: Database initialization timing
//   - [LogEncoderInit]: Strategy chain and encoder availability
//   - [LogBroadcastInit]: Progress broadcasters
//   - [LogHTTPRoutes]: Registered HTTP routes (debug level)
//   - [LogServerStarted]: Server endpoints and startup duration
//   - [LogShutdownInitiated], [LogShutdownStep], [LogShutdownComplete]: Graceful shutdown
package startup

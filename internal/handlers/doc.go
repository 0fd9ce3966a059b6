// Package handlers provides the HTTP API of the converter.
//
// It includes handlers for:
//   - Uploading a file and starting its conversion
//   - Job status and the list of recent jobs
//   - Downloading and clearing converted files
//   - WebSocket subscriptions to conversion progress topics
//   - Encoder troubleshooting and simulated conversions
//   - Health checks and version information
package handlers

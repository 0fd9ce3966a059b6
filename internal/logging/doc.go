// Package logging provides a simple leveled logging interface for the
// media converter.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// The log level is configured via the LOG_LEVEL environment variable, or
// forced to debug with DEBUG=true.
//
// Conversion code logs through a prefixed Logger so every line of a job can
// be grepped by its id:
//
//	log := logging.ForJob(jobID)
//	log.Info("trying %s", strategy.Name())
package logging

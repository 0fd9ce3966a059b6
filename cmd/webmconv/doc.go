// Command webmconv converts local media files to WebM without running the
// server. It uses the same fallback chain as the server: the external
// encoder, then the library encoder, then a raw copy of the input.
//
// Usage:
//
//	webmconv convert [--job-id ID] [-o DIR] [-j N] <file>...
//	webmconv probe <file>...
//	webmconv check
//
// Progress is drawn as a bar when one job runs on a terminal and printed as
// plain lines otherwise. Shared flags select the encoder binary (--encoder),
// the per-attempt timeout (--timeout), encoder threads (--threads) and the
// working directory (--data-dir).
package main

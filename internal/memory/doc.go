// Package memory keeps the converter inside its container's memory budget.
//
// [ConfigureLimit] sets the Go soft memory limit (GOMEMLIMIT) from, in
// order of precedence, an explicit GOMEMLIMIT, MEMORY_LIMIT in bytes, or
// the cgroup v2 memory.max file. The container limit is scaled by
// MEMORY_RATIO (default 0.75) so that encoder processes and the FFmpeg
// libraries, which allocate outside the Go heap, keep some headroom.
//
// [Monitor] samples heap usage against that limit. Once usage crosses the
// critical mark it reports pressure until usage falls below the recover
// mark; the HTTP layer refuses new uploads with 503 while under pressure.
// Running jobs are never paused.
//
//	memory.ConfigureLimit()
//	mon := memory.NewMonitor(memory.DefaultConfig())
//	mon.Start()
//	defer mon.Stop()
//
// Exported gauges: media_converter_memory_usage_ratio and
// media_converter_memory_pressure.
package memory

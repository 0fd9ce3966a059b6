package memory

import (
	"math"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"media-converter/internal/logging"
)

// DefaultRatio is the share of the container limit given to the Go heap. The
// remainder is left for encoder processes and the FFmpeg libraries, whose
// allocations the Go runtime does not see.
const DefaultRatio = 0.75

// cgroupMemoryMax is the cgroup v2 limit file of the current container.
var cgroupMemoryMax = "/sys/fs/cgroup/memory.max"

// LimitResult describes how the soft memory limit was chosen.
type LimitResult struct {
	// Source is "GOMEMLIMIT", "MEMORY_LIMIT", "cgroup" or "none".
	Source         string
	ContainerLimit int64
	GoMemLimit     int64
	Ratio          float64
}

// Configured reports whether a soft memory limit is in effect.
func (r LimitResult) Configured() bool {
	return r.GoMemLimit > 0
}

// ConfigureLimit sets the Go soft memory limit. An explicit GOMEMLIMIT is
// left alone. Otherwise the container limit is taken from MEMORY_LIMIT
// (bytes, e.g. from the Kubernetes Downward API) or the cgroup, and scaled
// by MEMORY_RATIO. Call it early in main.
func ConfigureLimit() LimitResult {
	if env := os.Getenv("GOMEMLIMIT"); env != "" {
		limit := debug.SetMemoryLimit(-1)
		logging.Info("  GOMEMLIMIT set via environment: %s", env)
		if limit <= 0 || limit == math.MaxInt64 {
			return LimitResult{Source: "GOMEMLIMIT"}
		}
		return LimitResult{Source: "GOMEMLIMIT", GoMemLimit: limit}
	}

	source := "MEMORY_LIMIT"
	containerLimit, err := parseLimit(os.Getenv("MEMORY_LIMIT"))
	if err != nil {
		logging.Warn("  Ignoring MEMORY_LIMIT: %v", err)
	}
	if containerLimit == 0 {
		source = "cgroup"
		containerLimit = readCgroupLimit(cgroupMemoryMax)
	}
	if containerLimit == 0 {
		logging.Debug("  No container memory limit found, GOMEMLIMIT not set")
		return LimitResult{Source: "none"}
	}

	ratio := parseRatio(os.Getenv("MEMORY_RATIO"))
	goLimit := int64(float64(containerLimit) * ratio)
	debug.SetMemoryLimit(goLimit)

	logging.Info("  Configured GOMEMLIMIT: %d MiB (%.0f%% of %d MiB from %s)",
		goLimit>>20, ratio*100, containerLimit>>20, source)

	return LimitResult{Source: source, ContainerLimit: containerLimit, GoMemLimit: goLimit, Ratio: ratio}
}

// parseLimit reads a byte count. An empty string is no limit.
func parseLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func parseRatio(s string) float64 {
	if s == "" {
		return DefaultRatio
	}
	ratio, err := strconv.ParseFloat(s, 64)
	if err != nil || ratio <= 0 || ratio > 1 {
		logging.Warn("  Invalid MEMORY_RATIO %q, using %.2f", s, DefaultRatio)
		return DefaultRatio
	}
	return ratio
}

// readCgroupLimit returns the limit in path, or 0 when the file is missing
// or reports "max".
func readCgroupLimit(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := parseLimit(string(data))
	if err != nil {
		return 0
	}
	return n
}

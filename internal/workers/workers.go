package workers

import "runtime"

// MaxEncoderThreads caps automatic encoder thread counts. VP9 gains little
// beyond this.
const MaxEncoderThreads = 16

// cpus is the CPU budget of the process. GOMAXPROCS follows the container
// CPU limit where NumCPU reports the host.
func cpus() int {
	return runtime.GOMAXPROCS(0)
}

// EncoderThreads returns the thread count handed to an encoder. A positive
// override (ENCODER_THREADS) wins, otherwise one thread per usable CPU up
// to MaxEncoderThreads.
func EncoderThreads(override int) int {
	if override > 0 {
		return override
	}
	return min(cpus(), MaxEncoderThreads)
}

// ConcurrentJobs returns how many conversions fit side by side when each
// uses threadsPerJob threads, capped at limit (0 for no cap). The result is
// at least one.
func ConcurrentJobs(threadsPerJob, limit int) int {
	jobs := cpus() / max(threadsPerJob, 1)
	if limit > 0 {
		jobs = min(jobs, limit)
	}
	return max(jobs, 1)
}

/*
Package workers sizes encoder thread counts and job concurrency in
containerized environments.

When running in a container the number of usable CPUs may be limited by
cgroup constraints. Go 1.19+ sets GOMAXPROCS from those limits, while
runtime.NumCPU() still reports the host's CPU count:

	// Wrong: Returns 64 (host CPUs), ignores container limit
	threads := runtime.NumCPU()

	// Correct: Returns 2 (respects container limit in Go 1.19+)
	threads := runtime.GOMAXPROCS(0)

Handing an encoder 64 threads inside a 2 CPU pod only buys throttling.

# Usage

	// Threads for each encoder process or in-process encoder
	threads := workers.EncoderThreads(config.EncoderThreads)

	// How many files the CLI converts at once with that many threads each
	jobs := workers.ConcurrentJobs(threads, 4)

ENCODER_THREADS is read by the startup package and passed in as the
override; zero means automatic sizing.

# Thread Safety

All functions in this package are safe for concurrent use.
*/
package workers

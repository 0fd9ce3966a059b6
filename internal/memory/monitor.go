package memory

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"media-converter/internal/logging"
	"media-converter/internal/metrics"
)

// Config sets when the monitor reports pressure.
type Config struct {
	// LimitBytes is the budget usage is measured against. Zero uses the Go
	// soft memory limit, if any.
	LimitBytes int64

	// CriticalMark is the usage ratio at which pressure starts.
	CriticalMark float64

	// RecoverMark is the usage ratio below which pressure ends.
	RecoverMark float64

	CheckInterval time.Duration
}

// DefaultConfig returns the thresholds used by the server.
func DefaultConfig() Config {
	return Config{
		CriticalMark:  0.9,
		RecoverMark:   0.7,
		CheckInterval: 5 * time.Second,
	}
}

// Monitor samples heap usage and reports pressure between the two marks,
// so callers can refuse new work before the process runs out of memory.
type Monitor struct {
	config Config
	limit  int64

	// read replaces runtime.ReadMemStats in tests
	read func() uint64

	mu       sync.RWMutex
	alloc    uint64
	pressure bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. Without any limit it never reports
// pressure.
func NewMonitor(config Config) *Monitor {
	limit := config.LimitBytes
	if limit == 0 {
		if goLimit := debug.SetMemoryLimit(-1); goLimit > 0 && goLimit < 1<<62 {
			limit = goLimit
		}
	}

	return &Monitor{
		config:   config,
		limit:    limit,
		read:     heapAlloc,
		stopChan: make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// Limit returns the budget in bytes, 0 if none.
func (m *Monitor) Limit() int64 {
	return m.limit
}

// Start samples usage until Stop. It does nothing without a limit.
func (m *Monitor) Start() {
	if m.limit == 0 {
		logging.Debug("Memory monitor disabled, no memory limit configured")
		return
	}
	go m.loop()
}

// Stop ends sampling. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) check() {
	alloc := m.read()
	usage := float64(alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.alloc = alloc

	switch {
	case !m.pressure && usage >= m.config.CriticalMark:
		m.pressure = true
		metrics.MemoryPressure.Set(1)
		logging.Warn("Memory critical (%.1f%% of limit), refusing new uploads", usage*100)
		go runtime.GC()
	case m.pressure && usage < m.config.RecoverMark:
		m.pressure = false
		metrics.MemoryPressure.Set(0)
		logging.Info("Memory recovered (%.1f%% of limit), accepting uploads", usage*100)
	}
}

// UnderPressure reports whether usage crossed the critical mark and has not
// yet fallen below the recover mark.
func (m *Monitor) UnderPressure() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pressure
}

// Usage returns the last sampled allocation and its share of the limit.
func (m *Monitor) Usage() (alloc uint64, ratio float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.limit == 0 {
		return m.alloc, 0
	}
	return m.alloc, float64(m.alloc) / float64(m.limit)
}

package metrics

import (
	"os"
	"sync"
	"time"

	"media-converter/internal/logging"
	"media-converter/internal/storage"
)

// StatsProvider interface for collecting stats
type StatsProvider interface {
	GetStats() Stats
}

// Stats holds the current statistics
type Stats struct {
	ActiveJobs       int
	EncoderProcesses int
	Topics           int
	OpenConnections  int
	JobRecords       map[string]int
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	dbPath        string
	interval      time.Duration

	mu           sync.Mutex
	convertedDir string

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector. dbPath may be empty to skip
// database file sizes.
func NewCollector(provider StatsProvider, dbPath string, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		dbPath:        dbPath,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// SetConvertedDir sets the directory whose total size is reported.
func (c *Collector) SetConvertedDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convertedDir = dir
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Collector) collectLoop() {
	// Collect immediately on start
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectDBSize()
	c.collectConvertedSize()

	if c.statsProvider == nil {
		return
	}

	stats := c.statsProvider.GetStats()

	EncoderProcesses.Set(float64(stats.EncoderProcesses))
	ProgressTopics.Set(float64(stats.Topics))
	DBConnectionsOpen.Set(float64(stats.OpenConnections))
	for status, n := range stats.JobRecords {
		JobRecords.WithLabelValues(status).Set(float64(n))
	}

	logging.Debug("Metrics collected: active=%d, encoders=%d, topics=%d",
		stats.ActiveJobs, stats.EncoderProcesses, stats.Topics)
}

func (c *Collector) collectDBSize() {
	if c.dbPath == "" {
		return
	}

	for label, path := range map[string]string{
		"main": c.dbPath,
		"wal":  c.dbPath + "-wal",
		"shm":  c.dbPath + "-shm",
	} {
		info, err := os.Stat(path)
		if err != nil {
			DBSizeBytes.WithLabelValues(label).Set(0)
			continue
		}
		DBSizeBytes.WithLabelValues(label).Set(float64(info.Size()))
	}
}

func (c *Collector) collectConvertedSize() {
	c.mu.Lock()
	dir := c.convertedDir
	c.mu.Unlock()

	if dir == "" {
		return
	}

	size, err := storage.DirSize(dir)
	if err != nil {
		logging.Debug("Failed to size %s: %v", dir, err)
		return
	}
	ConvertedBytes.Set(float64(size))
}

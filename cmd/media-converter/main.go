package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"media-converter/internal/conversion"
	"media-converter/internal/database"
	"media-converter/internal/handlers"
	"media-converter/internal/logging"
	"media-converter/internal/memory"
	"media-converter/internal/metrics"
	"media-converter/internal/middleware"
	"media-converter/internal/progress"
	"media-converter/internal/startup"
	"media-converter/internal/storage"
	"media-converter/internal/transcoder"
	"media-converter/internal/workers"
)

const (
	hubBuffer       = 64
	collectInterval = 30 * time.Second
	shutdownTimeout = 30 * time.Second
	relayDrainDelay = time.Second
)

// jobCounter is the part of the database the stats adapter reads.
type jobCounter interface {
	CountByStatus(ctx context.Context) (map[progress.Status]int, error)
	OpenConnections() int
}

// statsAdapter gathers gauges from the running components for the metrics
// collector.
type statsAdapter struct {
	orch    interface{ Active() int }
	encoder interface{ Running() int }
	hub     interface{ TopicCount() int }
	db      jobCounter
}

// GetStats implements metrics.StatsProvider.
func (a *statsAdapter) GetStats() metrics.Stats {
	stats := metrics.Stats{
		ActiveJobs:       a.orch.Active(),
		EncoderProcesses: a.encoder.Running(),
		Topics:           a.hub.TopicCount(),
		OpenConnections:  a.db.OpenConnections(),
		JobRecords:       make(map[string]int),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := a.db.CountByStatus(ctx)
	if err != nil {
		logging.Warn("Failed to count job records: %v", err)
		return stats
	}
	for status, n := range counts {
		stats.JobRecords[string(status)] = n
	}
	return stats
}

// components holds everything the shutdown sequence has to stop.
type components struct {
	cancel      context.CancelFunc
	stopStreams context.CancelFunc
	relays      *errgroup.Group
	redis     *redis.Client
	orch      *conversion.Orchestrator
	handlers  *handlers.Handlers
	encoder   *transcoder.ProcessEncoder
	collector *metrics.Collector
	monitor   *memory.Monitor
	server    *http.Server
	metrics   *http.Server
	db        *database.Database
}

func main() {
	startTime := time.Now()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	memory.ConfigureLimit()
	monitor := memory.NewMonitor(memory.DefaultConfig())
	monitor.Start()

	// baseCtx bounds jobs; streamCtx bounds progress delivery and outlives
	// it during shutdown so interrupted jobs can still report.
	baseCtx, cancel := context.WithCancel(context.Background())
	streamCtx, stopStreams := context.WithCancel(context.Background())

	dbStart := time.Now()
	db, err := database.New(baseCtx, config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	startup.LogDatabaseInit(time.Since(dbStart))

	store, err := storage.New(config.DataDir)
	if err != nil {
		startup.LogFatal("Failed to initialize storage: %v", err)
	}

	storage.SetObserver(metrics.NewStorageObserver())
	progress.SetObserver(metrics.NewProgressObserver())
	conversion.SetObserver(metrics.NewConversionObserver())

	// Progress channel. With Redis every instance publishes to Redis and a
	// relay feeds the local hub, so a WebSocket client may be connected to
	// any instance.
	hub := progress.NewHub(hubBuffer)
	recorder := database.NewRecorder(db)
	relays, relayCtx := errgroup.WithContext(streamCtx)

	var (
		channel     *progress.Channel
		redisClient *redis.Client
	)
	if config.RedisURL != "" {
		redisClient, err = progress.NewRedisClient(baseCtx, config.RedisURL)
		if err != nil {
			startup.LogFatal("Failed to connect to redis: %v", err)
		}
		channel = progress.NewChannel(progress.NewRedisBroadcaster(redisClient), recorder)
		relay := progress.NewRedisRelay(redisClient, hub)
		relays.Go(func() error { return relay.Run(relayCtx) })
		startup.LogBroadcastInit([]string{"redis", recorder.Name()}, true)
	} else {
		channel = progress.NewChannel(hub, recorder)
		startup.LogBroadcastInit([]string{hub.Name(), recorder.Name()}, false)
	}

	// Strategy chain: external encoder, library encoder, raw copy.
	threads := workers.EncoderThreads(config.EncoderThreads)
	encoder := transcoder.NewProcessEncoder(transcoder.ProcessOptions{
		Binary:  config.EncoderBinary,
		Timeout: config.EncoderTimeout,
		Threads: threads,
	})
	strategies := []transcoder.Strategy{encoder}
	libraryErr := transcoder.LibraryAvailable()
	if config.LibraryEncoderEnabled {
		strategies = append(strategies, transcoder.NewLibraryEncoder(threads))
	}
	strategies = append(strategies, transcoder.NewRawCopy())

	orch := conversion.New(store, channel, strategies...)
	orch.SetBaseContext(baseCtx)
	startup.LogEncoderInit(baseCtx, encoder, orch.Strategies(), config.LibraryEncoderEnabled && libraryErr == nil)

	metrics.InitializeMetrics(orch.Strategies())
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)

	collector := metrics.NewCollector(&statsAdapter{orch: orch, encoder: encoder, hub: hub, db: db}, config.DatabasePath, collectInterval)
	collector.SetConvertedDir(store.ConvertedDir())
	collector.Start()

	h := handlers.New(handlers.Options{
		DB:             db,
		Store:          store,
		Orchestrator:   orch,
		Publisher:      channel,
		Hub:            hub,
		Encoder:        encoder,
		Memory:         monitor,
		MaxUploadBytes: config.MaxUploadBytes,
	})
	h.SetBaseContext(baseCtx)
	h.SetStreamContext(streamCtx)

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	router.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))

	startup.LogHTTPRoutes(router, config.LogStaticFiles, config.LogHealthChecks)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogStaticFiles = config.LogStaticFiles
	loggingConfig.LogHealthChecks = config.LogHealthChecks

	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      middleware.RequestID(middleware.Logger(loggingConfig)(router)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsSrv = newMetricsServer(config.MetricsPort, h)
		go func() {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	go handleShutdown(&components{
		cancel:      cancel,
		stopStreams: stopStreams,
		relays:      relays,
		redis:     redisClient,
		orch:      orch,
		handlers:  h,
		encoder:   encoder,
		collector: collector,
		monitor:   monitor,
		server:    srv,
		metrics:   metricsSrv,
		db:        db,
	})

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}

	// ListenAndServe returns as soon as Shutdown is called; wait for the
	// rest of the sequence before exiting.
	<-shutdownDone
}

var shutdownDone = make(chan struct{})

func newMetricsServer(port string, h *handlers.Handlers) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/health", h.LivenessCheck)

	return &http.Server{
		Addr:         ":" + port,
		Handler:      m,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func handleShutdown(c *components) {
	defer close(shutdownDone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := c.server.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	// Cancelling the base context interrupts running conversions, which
	// publish their terminal error event before Wait returns.
	startup.LogShutdownStep("Interrupting conversions")
	c.cancel()
	c.orch.Wait()
	c.handlers.Wait()
	startup.LogShutdownStepComplete("Conversions stopped")

	startup.LogShutdownStep("Cleaning up encoder processes")
	c.encoder.Cleanup()
	startup.LogShutdownStepComplete("Encoder cleanup complete")

	// Terminal events published through Redis come back via the relay.
	if c.redis != nil {
		time.Sleep(relayDrainDelay)
	}
	startup.LogShutdownStep("Closing progress streams")
	c.stopStreams()
	if err := c.handlers.WaitStreams(ctx); err != nil {
		logging.Warn("WebSocket sessions still open: %v", err)
	}
	startup.LogShutdownStepComplete("Progress streams closed")

	if c.redis != nil {
		startup.LogShutdownStep("Stopping redis relay")
		if err := c.relays.Wait(); err != nil {
			logging.Warn("Redis relay error: %v", err)
		}
		if err := c.redis.Close(); err != nil {
			logging.Warn("Failed to close redis client: %v", err)
		}
		startup.LogShutdownStepComplete("Redis relay stopped")
	}

	startup.LogShutdownStep("Stopping metrics collector")
	c.collector.Stop()
	c.monitor.Stop()
	if c.metrics != nil {
		if err := c.metrics.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		}
	}
	startup.LogShutdownStepComplete("Metrics stopped")

	startup.LogShutdownStep("Closing database")
	if err := c.db.Close(); err != nil {
		logging.Warn("Database close error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Database closed")
	}

	startup.LogShutdownComplete()
}

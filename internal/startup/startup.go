package startup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jedib0t/go-pretty/v6/table"

	"media-converter/internal/logging"
)

const rule = "------------------------------------------------------------"

// section starts a titled block of startup output.
func section(title string) {
	logging.Info("")
	logging.Info(rule)
	logging.Info("%s", title)
	logging.Info(rule)
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

// LogDatabaseInit reports how long opening and migrating jobs.db took.
func LogDatabaseInit(duration time.Duration) {
	section("DATABASE INITIALIZATION")
	logging.Info("  [OK] Job store ready in %v", duration.Round(time.Millisecond))
}

// EncoderChecker is the part of the process encoder checked at startup.
type EncoderChecker interface {
	Binary() string
	Available() error
	Version(ctx context.Context) (string, error)
}

// LogEncoderInit logs the strategy chain and probes the external encoder.
// A missing encoder is not fatal since jobs fall through to the next
// strategy.
func LogEncoderInit(ctx context.Context, enc EncoderChecker, strategies []string, libraryAvailable bool) {
	section("ENCODER INITIALIZATION")
	logging.Info("  Strategy chain: %s", strings.Join(strategies, " -> "))

	switch err := enc.Available(); {
	case err != nil:
		logging.Warn("  %s check failed: %v", enc.Binary(), err)
		logging.Warn("  Conversions will use the fallback strategies")
	default:
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		version, err := enc.Version(vctx)
		cancel()
		if err != nil {
			logging.Warn("  %s is installed but did not report a version: %v", enc.Binary(), err)
		} else {
			logging.Info("  [OK] %s", version)
		}
	}

	if libraryAvailable {
		logging.Info("  [OK] Library encoder has VP9 and Vorbis support")
	} else {
		logging.Warn("  Library encoder disabled or missing VP9/Vorbis support")
	}
}

// LogBroadcastInit logs where progress events are delivered.
func LogBroadcastInit(broadcasters []string, redisEnabled bool) {
	section("PROGRESS CHANNEL")
	logging.Info("  Broadcasters: %s", strings.Join(broadcasters, ", "))
	if redisEnabled {
		logging.Info("  [OK] Relaying conversion/* from Redis to local subscribers")
	}
}

// RouteInfo describes one path of the router and the methods it accepts.
type RouteInfo struct {
	Path    string
	Methods []string
	Name    string
}

// GetRoutes walks the router and returns one entry per path template,
// sorted by path. Routes without a method matcher report "*".
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	byPath := make(map[string]*RouteInfo)

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tmpl, err := route.GetPathTemplate()
		if err != nil {
			return err
		}
		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		info, ok := byPath[tmpl]
		if !ok {
			info = &RouteInfo{Path: tmpl}
			byPath[tmpl] = info
		}
		info.Methods = append(info.Methods, methods...)
		if info.Name == "" {
			info.Name = route.GetName()
		}
		return nil
	})

	routes := make([]RouteInfo, 0, len(byPath))
	for _, info := range byPath {
		sort.Strings(info.Methods)
		routes = append(routes, *info)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })
	return routes, err
}

// routeTable renders routes grouped by their leading segment.
func routeTable(routes []RouteInfo) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Group", "Methods", "Path"})
	for _, r := range routes {
		t.AppendRow(table.Row{routeGroup(r.Path), strings.Join(r.Methods, ","), r.Path})
	}
	t.SortBy([]table.SortBy{{Name: "Group", Mode: table.Asc}, {Name: "Path", Mode: table.Asc}})
	return t.Render()
}

// routeGroup is "api/<resource>" for API routes and the first segment
// otherwise.
func routeGroup(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if segs[0] == "api" && len(segs) > 1 {
		return "api/" + segs[1]
	}
	return segs[0]
}

// LogHTTPRoutes logs access log settings, and the route table at debug
// level.
func LogHTTPRoutes(router *mux.Router, logStaticFiles, logHealthChecks bool) {
	section("HTTP SERVER SETUP")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}
		logging.Debug("  Registered paths (%d):", len(routes))
		for _, line := range strings.Split(routeTable(routes), "\n") {
			logging.Debug("  %s", line)
		}
	}

	logging.Info("  Access log: W3C extended format")
	logging.Info("    Static files:  %s", onOff(logStaticFiles, "LOG_STATIC_FILES"))
	logging.Info("    Health checks: %s", onOff(logHealthChecks, "LOG_HEALTH_CHECKS"))
}

func onOff(on bool, envVar string) string {
	if on {
		return "ON"
	}
	return "OFF (set " + envVar + "=true to enable)"
}

// ServerConfig holds what LogServerStarted prints.
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted prints the listening endpoints.
func LogServerStarted(config ServerConfig) {
	section("SERVER STARTED")
	logging.Info("  Startup time:    %v", config.StartupDuration.Round(time.Millisecond))
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    Conversions:   http://0.0.0.0:%s/api/conversions", config.Port)
	logging.Info("    Progress:      ws://0.0.0.0:%s/ws", config.Port)
	if config.MetricsEnabled {
		logging.Info("    Metrics:       http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("    Metrics:       DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the server")
	logging.Info(rule)
	logging.Info("")
}

// LogShutdownInitiated opens the shutdown section.
func LogShutdownInitiated(signal string) {
	section("SHUTDOWN INITIATED (received " + signal + ")")
}

func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs and exits with status 1.
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

func printBanner() {
	fmt.Println(rule)
	fmt.Println(`                    ___                                  __
  __ _  ___ ___/ (_)__ _  ____ ___  ___ _  _____ ____/ /____ ____
 /  ' \/ -_) _  / / _ '/ / __/ _ \/ _ \ |/ / -_) __/ __/ -_) __/
/_/_/_/\__/\_,_/_/\_,_/  \__/\___/_//_/___/\__/_/  \__/\__/_/`)
	fmt.Println(rule)
	logging.Info("  Version:    %s (%s)", Version, Commit)
	logging.Info("  Built:      %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
}

func logSystemInfo() {
	section("SYSTEM INFORMATION")
	procs, cpus := runtime.GOMAXPROCS(0), runtime.NumCPU()
	logging.Info("  Go version:      %s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if procs < cpus {
		logging.Info("  CPUs:            %d of %d (container limit)", procs, cpus)
	} else {
		logging.Info("  CPUs:            %d", cpus)
	}

	if logging.IsDebugEnabled() {
		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}
}

// prepareDir creates dir if needed and proves it is writable by creating
// and removing a probe file.
func prepareDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		logging.Debug("  Created %s", dir)
	case err != nil:
		return fmt.Errorf("stat %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("%s exists but is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		logging.Warn("failed to remove write probe %s: %v", name, err)
	}
	return nil
}

// prepareDirs runs prepareDir for each purpose/dir pair in order.
func prepareDirs(dirs [][2]string) error {
	for _, d := range dirs {
		purpose, dir := d[0], filepath.Clean(d[1])
		if err := prepareDir(dir); err != nil {
			return fmt.Errorf("%s directory: %w", purpose, err)
		}
		logging.Info("  [OK] %-8s %s", purpose, dir)
	}
	return nil
}

package startup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"media-converter/internal/logging"
)

// DefaultMaxUploadBytes caps uploads at 2 GiB.
const DefaultMaxUploadBytes int64 = 2 << 30

// Config holds all application configuration
type Config struct {
	DataDir               string
	DatabaseDir           string
	Port                  string
	MetricsPort           string
	MetricsEnabled        bool
	EncoderBinary         string
	EncoderTimeout        time.Duration
	EncoderThreads        int
	LibraryEncoderEnabled bool
	RedisURL              string
	MaxUploadBytes        int64
	LogStaticFiles        bool
	LogHealthChecks       bool

	// ConfigFile is the TOML file that was read, if any.
	ConfigFile string

	// Derived paths
	DatabasePath string
}

// fileConfig mirrors the optional TOML configuration file. Unset keys fall
// through to the built-in defaults; environment variables override it.
type fileConfig struct {
	Server struct {
		Port           string `toml:"port"`
		MetricsPort    string `toml:"metrics_port"`
		MetricsEnabled *bool  `toml:"metrics_enabled"`
		MaxUploadBytes string `toml:"max_upload_bytes"`
	} `toml:"server"`

	Paths struct {
		DataDir     string `toml:"data_dir"`
		DatabaseDir string `toml:"database_dir"`
	} `toml:"paths"`

	Encoder struct {
		Binary         string `toml:"binary"`
		Timeout        string `toml:"timeout"`
		Threads        int    `toml:"threads"`
		LibraryEnabled *bool  `toml:"library_enabled"`
	} `toml:"encoder"`

	Redis struct {
		URL string `toml:"url"`
	} `toml:"redis"`

	Logging struct {
		Level        string `toml:"level"`
		StaticFiles  *bool  `toml:"static_files"`
		HealthChecks *bool  `toml:"health_checks"`
	} `toml:"logging"`
}

// readConfigFile parses the TOML file at path. A missing path is not an
// error when the file was not explicitly requested.
func readConfigFile(path string, required bool) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return fc, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, fc); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return nil, fmt.Errorf("config file %s line %d column %d: %w", path, row, col, err)
		}
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

// loadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set.
func loadDotEnv(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("  Failed to load %s: %v", path, err)
		}
		return
	}
	logging.Info("  Loaded environment from %s", path)
}

// resolveConfig builds a Config from env over the file values over the
// defaults. It does no directory checks.
func resolveConfig(fc *fileConfig) (*Config, error) {
	cfg := &Config{
		DataDir:               getEnv("DATA_DIR", orDefault(fc.Paths.DataDir, "/data")),
		DatabaseDir:           getEnv("DATABASE_DIR", orDefault(fc.Paths.DatabaseDir, "/database")),
		Port:                  getEnv("PORT", orDefault(fc.Server.Port, "8080")),
		MetricsPort:           getEnv("METRICS_PORT", orDefault(fc.Server.MetricsPort, "9090")),
		MetricsEnabled:        getEnvBool("METRICS_ENABLED", boolOr(fc.Server.MetricsEnabled, true)),
		EncoderBinary:         getEnv("ENCODER_BINARY", orDefault(fc.Encoder.Binary, "ffmpeg")),
		EncoderThreads:        getEnvInt("ENCODER_THREADS", fc.Encoder.Threads),
		LibraryEncoderEnabled: getEnvBool("LIBRARY_ENCODER_ENABLED", boolOr(fc.Encoder.LibraryEnabled, true)),
		RedisURL:              getEnv("REDIS_URL", fc.Redis.URL),
		LogStaticFiles:        getEnvBool("LOG_STATIC_FILES", boolOr(fc.Logging.StaticFiles, false)),
		LogHealthChecks:       getEnvBool("LOG_HEALTH_CHECKS", boolOr(fc.Logging.HealthChecks, true)),
	}

	timeoutStr := getEnv("ENCODER_TIMEOUT", orDefault(fc.Encoder.Timeout, "0"))
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil || timeout < 0 {
		logging.Warn("  Invalid ENCODER_TIMEOUT %q, encoder runs are unbounded", timeoutStr)
		timeout = 0
	}
	cfg.EncoderTimeout = timeout

	if cfg.EncoderThreads < 0 {
		logging.Warn("  Invalid ENCODER_THREADS %d, using automatic sizing", cfg.EncoderThreads)
		cfg.EncoderThreads = 0
	}

	uploadStr := getEnv("MAX_UPLOAD_BYTES", fc.Server.MaxUploadBytes)
	cfg.MaxUploadBytes = DefaultMaxUploadBytes
	if uploadStr != "" {
		n, err := parseByteSize(uploadStr)
		if err != nil {
			logging.Warn("  Invalid MAX_UPLOAD_BYTES %q, using default: %s", uploadStr, formatBytes(DefaultMaxUploadBytes))
		} else {
			cfg.MaxUploadBytes = n
		}
	}

	if fc.Logging.Level != "" && os.Getenv("LOG_LEVEL") == "" && os.Getenv("DEBUG") == "" {
		logging.SetLevel(logging.ParseLevel(fc.Logging.Level))
	}

	if cfg.DataDir, err = filepath.Abs(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if cfg.DatabaseDir, err = filepath.Abs(cfg.DatabaseDir); err != nil {
		return nil, fmt.Errorf("failed to resolve database directory path: %w", err)
	}
	cfg.DatabasePath = filepath.Join(cfg.DatabaseDir, "jobs.db")

	return cfg, nil
}

// LoadConfig loads configuration from, in increasing precedence, built-in
// defaults, the TOML file named by CONFIG_FILE, the .env file named by
// ENV_FILE (default ".env") and the process environment. It logs the
// startup banner and the resolved configuration.
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	section("CONFIGURATION")

	loadDotEnv(getEnv("ENV_FILE", ".env"))

	configFile := os.Getenv("CONFIG_FILE")
	fc, err := readConfigFile(configFile, configFile != "")
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		logging.Info("  CONFIG_FILE:             %s", configFile)
	}

	config, err := resolveConfig(fc)
	if err != nil {
		return nil, err
	}
	config.ConfigFile = configFile

	logging.Info("  DATA_DIR:                %s", config.DataDir)
	logging.Info("  DATABASE_DIR:            %s", config.DatabaseDir)
	logging.Info("  PORT:                    %s", config.Port)
	logging.Info("  METRICS_PORT:            %s", config.MetricsPort)
	logging.Info("  METRICS_ENABLED:         %v", config.MetricsEnabled)
	logging.Info("  ENCODER_BINARY:          %s", config.EncoderBinary)
	logging.Info("  ENCODER_TIMEOUT:         %s", durationOrNone(config.EncoderTimeout))
	logging.Info("  ENCODER_THREADS:         %s", threadsString(config.EncoderThreads))
	logging.Info("  LIBRARY_ENCODER_ENABLED: %v", config.LibraryEncoderEnabled)
	logging.Info("  REDIS_URL:               %s", redactURL(config.RedisURL))
	logging.Info("  MAX_UPLOAD_BYTES:        %s", formatBytes(config.MaxUploadBytes))
	logging.Info("  LOG_STATIC_FILES:        %v", config.LogStaticFiles)
	logging.Info("  LOG_HEALTH_CHECKS:       %v", config.LogHealthChecks)
	logging.Info("  LOG_LEVEL:               %s", logging.GetLevel())

	section("DIRECTORY SETUP")
	if err := prepareDirs([][2]string{
		{"database", config.DatabaseDir},
		{"data", config.DataDir},
	}); err != nil {
		return nil, err
	}

	logging.Info("")
	logging.Info("  Feature availability:")
	logging.Info("    Library encoder: %s", enabledString(config.LibraryEncoderEnabled))
	logging.Info("    Redis fan-out:   %s", enabledString(config.RedisURL != ""))
	logging.Info("    Metrics:         %s", enabledString(config.MetricsEnabled))

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func orDefault(value, defaultValue string) string {
	if value != "" {
		return value
	}
	return defaultValue
}

func boolOr(value *bool, defaultValue bool) bool {
	if value != nil {
		return *value
	}
	return defaultValue
}

// parseByteSize accepts a plain byte count or a number with a KiB, MiB or
// GiB suffix (KB, MB and GB are read as the same binary units).
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffixes []string
		size     int64
	}{
		{[]string{"GIB", "GB", "G"}, 1 << 30},
		{[]string{"MIB", "MB", "M"}, 1 << 20},
		{[]string{"KIB", "KB", "K"}, 1 << 10},
	} {
		matched := false
		for _, suffix := range unit.suffixes {
			if strings.HasSuffix(s, suffix) {
				s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
				multiplier = unit.size
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive: %d", n)
	}
	return n * multiplier, nil
}

// formatBytes formats bytes into a human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func durationOrNone(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}

func threadsString(n int) string {
	if n <= 0 {
		return "auto"
	}
	return strconv.Itoa(n)
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	if raw == "" {
		return "(not set)"
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return raw
	}
	return scheme + "://" + user + ":****@" + host
}

// Package config provides configuration management for the Heimdex transcriber.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

const (
	// Default values
	DefaultPort              = 8787
	DefaultLogLevel          = "info"
	DefaultDataDir           = ".heimdex"
	DefaultCloudTimeout      = 60 * time.Second
	DefaultUploadConcurrency = 3
	DefaultProgressInterval  = 500 * time.Millisecond
	DefaultPollInterval      = 5 * time.Second
	DefaultRunRetention      = time.Hour
	DefaultLanguage          = "en-US"
	DefaultMaxFileBytes      = 5_000_000_000
	DefaultHistoryRetention  = 30 * 24 * time.Hour
	DefaultHistoryPruneCron  = "@daily"

	// Environment variable names
	EnvPort     = "HEIMDEX_PORT"
	EnvLogLevel = "HEIMDEX_LOG_LEVEL"
	EnvDataDir  = "HEIMDEX_DATA_DIR"

	// Cloud environment variable names
	EnvCloudBaseURL = "HEIMDEX_CLOUD_BASE_URL"
	EnvCloudToken   = "HEIMDEX_CLOUD_TOKEN"
	EnvCloudOrg     = "HEIMDEX_CLOUD_ORG"
	EnvCloudTimeout = "HEIMDEX_CLOUD_TIMEOUT"

	// Upload and job environment variable names
	EnvUploadConcurrency = "HEIMDEX_UPLOAD_CONCURRENCY"
	EnvProgressInterval  = "HEIMDEX_PROGRESS_INTERVAL"
	EnvPollInterval      = "HEIMDEX_POLL_INTERVAL"
	EnvRunRetention      = "HEIMDEX_RUN_RETENTION"
	EnvLanguage          = "HEIMDEX_LANGUAGE"
	EnvMaxFileBytes      = "HEIMDEX_MAX_FILE_BYTES"

	// History environment variable names
	EnvHistoryRetention = "HEIMDEX_HISTORY_RETENTION"
	EnvHistoryPruneCron = "HEIMDEX_HISTORY_PRUNE_CRON"

	// Database filename
	DBFilename = "heimdex.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	CloudBaseURL() string
	CloudToken() string
	CloudOrg() string
	CloudTimeout() time.Duration
	UploadConcurrency() int
	ProgressInterval() time.Duration
	PollInterval() time.Duration
	RunRetention() time.Duration
	Language() string
	MaxFileBytes() int64
	HistoryRetention() time.Duration
	HistoryPruneCron() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string

	cloudBaseURL string
	cloudToken   string
	cloudOrg     string
	cloudTimeout time.Duration

	uploadConcurrency int
	progressInterval  time.Duration
	pollInterval      time.Duration
	runRetention      time.Duration
	language          string
	maxFileBytes      int64

	historyRetention time.Duration
	historyPruneCron string
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		dataDir:           defaultDataDir(),
		cloudTimeout:      DefaultCloudTimeout,
		uploadConcurrency: DefaultUploadConcurrency,
		progressInterval:  DefaultProgressInterval,
		pollInterval:      DefaultPollInterval,
		runRetention:      DefaultRunRetention,
		language:          DefaultLanguage,
		maxFileBytes:      DefaultMaxFileBytes,
		historyRetention:  DefaultHistoryRetention,
		historyPruneCron:  DefaultHistoryPruneCron,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.cloudBaseURL = os.Getenv(EnvCloudBaseURL)
	cfg.cloudToken = os.Getenv(EnvCloudToken)
	cfg.cloudOrg = os.Getenv(EnvCloudOrg)

	var err error
	if cfg.cloudTimeout, err = durationEnv(EnvCloudTimeout, cfg.cloudTimeout); err != nil {
		return nil, err
	}
	if cfg.progressInterval, err = durationEnv(EnvProgressInterval, cfg.progressInterval); err != nil {
		return nil, err
	}
	if cfg.pollInterval, err = durationEnv(EnvPollInterval, cfg.pollInterval); err != nil {
		return nil, err
	}
	if cfg.runRetention, err = durationEnv(EnvRunRetention, cfg.runRetention); err != nil {
		return nil, err
	}
	if cfg.historyRetention, err = durationEnv(EnvHistoryRetention, cfg.historyRetention); err != nil {
		return nil, err
	}

	if v := os.Getenv(EnvUploadConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvUploadConcurrency)
		}
		cfg.uploadConcurrency = n
	}

	if v := os.Getenv(EnvMaxFileBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvMaxFileBytes)
		}
		cfg.maxFileBytes = n
	}

	// Language codes are BCP 47 tags, stored in canonical form
	if v := os.Getenv(EnvLanguage); v != "" {
		tag, err := language.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvLanguage, err)
		}
		cfg.language = tag.String()
	}

	if v := os.Getenv(EnvHistoryPruneCron); v != "" {
		if _, err := cron.ParseStandard(v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHistoryPruneCron, err)
		}
		cfg.historyPruneCron = v
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// CloudBaseURL is empty when no cloud is configured.
func (c *EnvConfig) CloudBaseURL() string {
	return c.cloudBaseURL
}

func (c *EnvConfig) CloudToken() string {
	return c.cloudToken
}

func (c *EnvConfig) CloudOrg() string {
	return c.cloudOrg
}

func (c *EnvConfig) CloudTimeout() time.Duration {
	return c.cloudTimeout
}

// UploadConcurrency is the number of files transferred at once.
func (c *EnvConfig) UploadConcurrency() int {
	return c.uploadConcurrency
}

func (c *EnvConfig) ProgressInterval() time.Duration {
	return c.progressInterval
}

func (c *EnvConfig) PollInterval() time.Duration {
	return c.pollInterval
}

// Language returns the default transcription language as a BCP 47 tag
// RunRetention is how long settled job runs stay listed in memory.
func (c *EnvConfig) RunRetention() time.Duration {
	return c.runRetention
}

func (c *EnvConfig) Language() string {
	return c.language
}

func (c *EnvConfig) MaxFileBytes() int64 {
	return c.maxFileBytes
}

// HistoryRetention is how long settled job records are kept. Zero keeps them forever.
func (c *EnvConfig) HistoryRetention() time.Duration {
	return c.historyRetention
}

func (c *EnvConfig) HistoryPruneCron() string {
	return c.historyPruneCron
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

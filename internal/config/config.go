package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// SchedulerConfig holds the batch processor settings.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// GHLConfig holds GoHighLevel API settings.
type GHLConfig struct {
	APIKey  string
	BaseURL string
}

// BrowserConfig holds remote browser session settings.
type BrowserConfig struct {
	APIKey        string
	ProjectID     string
	BaseURL       string
	AutomationURL string
}

// Config holds all runtime configuration for the daemon.
type Config struct {
	Server    ServerConfig
	Scheduler SchedulerConfig
	GHL       GHLConfig
	Browser   BrowserConfig

	StateDir            string
	LogLevel            string
	Mode                string
	HTTPTimeout         time.Duration
	ScreenshotRetention int
	ShutdownGrace       time.Duration
}

const (
	defaultAddr                = "0.0.0.0:7080"
	defaultLogLevel            = "info"
	defaultMode                = "http"
	defaultPollInterval        = 30 * time.Second
	defaultBatchSize           = 10
	defaultHTTPTimeout         = 30 * time.Second
	defaultScreenshotRetention = 20
	defaultShutdownGrace       = 5 * time.Second
	defaultGHLBaseURL          = "https://rest.gohighlevel.com/v1"
	defaultBrowserBaseURL      = "https://api.browserbase.com/v1"
)

// getEnvString returns the environment variable value or default.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default.
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskpilot", ".env"))
	}
	_ = godotenv.Load(envFiles...) // optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKPILOT_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKPILOT_AUTH_TOKEN", ""),
		},
		Scheduler: SchedulerConfig{
			PollInterval: getEnvDuration("TASKPILOT_POLL_INTERVAL", defaultPollInterval),
			BatchSize:    getEnvInt("TASKPILOT_BATCH_SIZE", defaultBatchSize),
		},
		GHL: GHLConfig{
			APIKey:  getEnvString("TASKPILOT_GHL_API_KEY", ""),
			BaseURL: getEnvString("TASKPILOT_GHL_BASE_URL", defaultGHLBaseURL),
		},
		Browser: BrowserConfig{
			APIKey:        getEnvString("TASKPILOT_BROWSERBASE_API_KEY", ""),
			ProjectID:     getEnvString("TASKPILOT_BROWSERBASE_PROJECT_ID", ""),
			BaseURL:       getEnvString("TASKPILOT_BROWSERBASE_URL", defaultBrowserBaseURL),
			AutomationURL: getEnvString("TASKPILOT_AUTOMATION_URL", ""),
		},
		StateDir:            getEnvString("TASKPILOT_STATE_DIR", ""),
		LogLevel:            getEnvString("TASKPILOT_LOG_LEVEL", defaultLogLevel),
		Mode:                getEnvString("TASKPILOT_MODE", defaultMode),
		HTTPTimeout:         getEnvDuration("TASKPILOT_HTTP_TIMEOUT", defaultHTTPTimeout),
		ScreenshotRetention: getEnvInt("TASKPILOT_SCREENSHOT_RETENTION", defaultScreenshotRetention),
		ShutdownGrace:       getEnvDuration("TASKPILOT_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir, mode string
	var batchSize int
	var pollInterval, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store database and screenshot artifacts")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	flag.IntVar(&batchSize, "batch-size", 0, "Max tasks processed per scheduler pass")
	flag.DurationVar(&pollInterval, "poll-interval", 0, "Interval between scheduler passes")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if batchSize > 0 {
		cfg.Scheduler.BatchSize = batchSize
	}
	if pollInterval > 0 {
		cfg.Scheduler.PollInterval = pollInterval
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = defaultBatchSize
	}
	switch strings.ToLower(cfg.Mode) {
	case "http", "mcp", "both":
		cfg.Mode = strings.ToLower(cfg.Mode)
	default:
		return nil, fmt.Errorf("invalid mode %q (expected http, mcp or both)", cfg.Mode)
	}
	return cfg, nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".taskpilot"), nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the research bridge.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// API and WebSocket listener
	BindAddr      string
	EvalTimeoutMS int

	// Logging
	LogLevel string
	LogFile  string

	// Competitor entry points for fresh scrapes
	EBayURL           string
	CashConvertersURL string

	// Scrape history log
	HistoryDir       string
	HistoryMaxSizeMB int

	// Operator push notifications; empty disables them
	NotifyEndpoint string

	// Optional managed browser
	LaunchBrowser bool
	ProfileDir    string
	LogFileDir    string
	WindowSize    string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		BindAddr:          getEnvOrDefault("BRIDGE_BIND_ADDR", "127.0.0.1:8976"),
		EvalTimeoutMS:     getEnvIntOrDefault("BRIDGE_EVAL_TIMEOUT_MS", 5000),
		LogLevel:          strings.ToLower(getEnvOrDefault("BRIDGE_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("BRIDGE_LOG_FILE", "logs/bridge.log"),
		EBayURL:           getEnvOrDefault("BRIDGE_EBAY_URL", "https://www.ebay.co.uk/"),
		CashConvertersURL: getEnvOrDefault("BRIDGE_CASHCONVERTERS_URL", "https://www.cashconverters.co.uk/"),
		HistoryDir:        getEnvOrDefault("BRIDGE_HISTORY_DIR", "./history"),
		HistoryMaxSizeMB:  getEnvIntOrDefault("BRIDGE_HISTORY_MAX_SIZE_MB", 50),
		NotifyEndpoint:    getEnvOrDefault("BRIDGE_NTFY_ENDPOINT", ""),
		LaunchBrowser:     getEnvBoolOrDefault("BRIDGE_LAUNCH_BROWSER", false),
		ProfileDir:        getEnvOrDefault("BRIDGE_BROWSER_PROFILE_DIR", "./browser_profile"),
		LogFileDir:        getEnvOrDefault("BRIDGE_BROWSER_LOG_DIR", "./logs"),
		WindowSize:        getEnvOrDefault("BRIDGE_BROWSER_WINDOW_SIZE", "1920,1080"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}

	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote allocator.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

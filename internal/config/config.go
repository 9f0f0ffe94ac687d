// Package config provides ambient process configuration: the settings
// that shape the process itself (logging, metrics, where things live on
// disk) rather than any one browser-automation component, each of which
// validates its own configuration fail-fast at construction instead.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxMetricsBindPort = 65535

// Config holds process-level settings loaded from the environment.
type Config struct {
	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
	MetricsAddr    string

	// Session storage
	SessionDir string

	// Pool-sizing hot reload (see internal/dynconfig)
	DynConfigPath string

	// Headless / browser launch defaults
	Headless         bool
	BrowserPath      string
	IgnoreCertErrors bool
}

// Load reads configuration from environment variables, falling back to
// sensible defaults when unset.
func Load() *Config {
	return &Config{
		LogLevel: getEnvString("LESCA_LOG_LEVEL", "info"),

		MetricsEnabled: getEnvBool("LESCA_METRICS_ENABLED", true),
		MetricsAddr:    getEnvString("LESCA_METRICS_ADDR", "127.0.0.1:9191"),

		SessionDir: getEnvString("LESCA_SESSION_DIR", defaultSessionDir()),

		DynConfigPath: getEnvString("LESCA_DYNCONFIG_PATH", ""),

		Headless:         getEnvBool("LESCA_HEADLESS", true),
		BrowserPath:      getEnvString("LESCA_BROWSER_PATH", ""),
		IgnoreCertErrors: getEnvBool("LESCA_IGNORE_CERT_ERRORS", false),
	}
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lesca/sessions"
	}
	return filepath.Join(home, ".lesca", "sessions")
}

// Validate corrects invalid values to sensible defaults, logging a
// warning for each correction. Ambient settings degrade gracefully; the
// components that cannot tolerate a bad value (breaker, pool,
// sessionpool configs) validate fail-fast in their own constructors.
func (c *Config) Validate() {
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		log.Warn().Str("level", c.LogLevel).Msg("lesca/config: invalid log level, using info")
		c.LogLevel = "info"
	}

	if c.MetricsAddr != "" {
		if _, portStr, err := splitHostPort(c.MetricsAddr); err != nil {
			log.Warn().Str("addr", c.MetricsAddr).Msg("lesca/config: invalid metrics address, disabling metrics server")
			c.MetricsEnabled = false
		} else if port, err := strconv.Atoi(portStr); err != nil || port < 0 || port > maxMetricsBindPort {
			log.Warn().Str("addr", c.MetricsAddr).Msg("lesca/config: metrics port out of range, disabling metrics server")
			c.MetricsEnabled = false
		}
	}

	if c.SessionDir != "" && strings.Contains(c.SessionDir, "..") {
		log.Warn().Str("path", c.SessionDir).Msg("lesca/config: session_dir contains path traversal sequence, using default")
		c.SessionDir = defaultSessionDir()
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Warn().Str("path", c.BrowserPath).Msg("lesca/config: browser_path contains path traversal sequence, ignoring")
		c.BrowserPath = ""
	}
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", strconv.ErrSyntax
	}
	return addr[:idx], addr[idx+1:], nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", value).Msg("lesca/config: invalid boolean, using default")
	}
	return defaultValue
}


// Package logging provides structured logging configuration using zerolog.
//
// Components take an optional *zerolog.Logger in their config and fall back
// to NewLogger with their component name.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
// An unknown level falls back to info.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to zerolog.Level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Per-request cache decisions
//   - Lookups (hit/miss, key, ttl)
//   - Refused stores and their reason (directive, status, vary, set-cookie)
//   - Evictions
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Backend selection
//   - Requests that succeeded after origin retries
//
// Warn: Conditions the cache works around
//   - Backend errors (treated as a miss)
//   - Unusable cache keys (request bypasses the cache)
//   - Origin retry attempts
//
// Error: Error conditions requiring attention
//   - Handler failures and panics
//   - Origin requests failed after retries
//   - Configuration errors
//
// Context Fields:
//   - component: emitting component (store, interceptor, origin, ...)
//   - key: cache key string
//   - path: request path
//   - status: HTTP status code
//   - reason: why a response was not stored
//   - error_class: origin error classification (client, server, rate_limit, network)
//   - duration: origin request duration

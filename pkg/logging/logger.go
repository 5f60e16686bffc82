// Package logging configures the zerolog loggers of the harvester.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
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
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel reports whether level names a known log level.
func ParseLevel(level string) (LogLevel, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewRunID returns a fresh identifier for one harvest run.
func NewRunID() string {
	return uuid.NewString()
}

// WithRun returns the logger of one run of job, tagged with its run id.
func WithRun(logger zerolog.Logger, job, runID string) zerolog.Logger {
	return logger.With().Str("job", job).Str("run_id", runID).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Pages fetched (key, cursor, items)
//   - Cache operations (hit/miss, TTL)
//   - Requests held back by a cool-down
//
// Info: Normal operation events
//   - Keys committed or excluded
//   - Periodic run progress
//   - Run start and summary
//   - Checkpoint and sink files opened
//
// Warn: Warning conditions that don't prevent operation
//   - Fetch retries and the cool-down before them
//   - Rate-limit responses
//   - Torn records removed on open
//   - Missing SteamSpy tags
//
// Error: Error conditions requiring attention
//   - Keys exhausted after retries
//   - Malformed payloads
//   - Sink or checkpoint write failures (the run stops)
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the event
//   - job: applist, games or reviews
//   - run_id: identifier of one process run
//   - key: the app id being processed
//   - class: fetch result class (success, permanent, transient, malformed, interrupted)
//   - set: checkpoint set a key was recorded in
//   - calls: fetch calls made for a key
//   - endpoint: request path
//   - error_class: HTTP error classification (client, server, rate_limit, network)

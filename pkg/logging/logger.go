// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
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

// FileConfig enables logging to a rotated file.
type FileConfig struct {
	// Path of the active log file.
	Path string

	// MaxSizeMB rotates the file when it grows beyond this size.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (0 keeps all).
	MaxBackups int

	// MaxAgeDays deletes rotated files older than this (0 keeps all).
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File, when set, replaces Output with a rotated log file.
	File *FileConfig
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
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if cfg.File != nil && cfg.File.Path != "" {
		output = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
	}
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

// ForFunction creates the logger of one memoized function.
func ForFunction(funcID string) zerolog.Logger {
	return log.With().Str("component", "memo").Str("function", funcID).Logger()
}

// Log Level Guidelines:
//
// Debug: Per-call decisions
//   - Cache hit, miss, stale (key, age)
//   - Waiting for another computation
//   - Recompute after a wait gave up
//
// Info: Normal operation events
//   - Decision trace of verbose calls
//   - Cache cleared, values precached
//   - Server startup/shutdown
//
// Warn: Conditions that don't prevent a result
//   - Backend read errors (treated as a miss)
//   - Failure to clear a processing flag
//   - Results not stored (size limit, backend rejection)
//   - Background refresh dropped (pool saturated)
//
// Error: Conditions requiring attention
//   - Background computation failures
//   - Configuration errors
//
// Context Fields:
//   - component: Package emitting the log
//   - function: Memoized function identity
//   - key: Cache key
//   - outcome: hit, miss, stale, wait, recompute, skip
//   - age: Entry age at lookup
//   - duration: Computation duration

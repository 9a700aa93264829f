// Package logging builds the process root logger. Components receive
// sub-loggers via zerolog's Logger value; only the level is adjustable
// at runtime.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

type Config struct {
	// Level is trace|debug|info|warn|error. Unknown values fall back to
	// info with a warning on the returned logger.
	Level string
	// Console renders human-readable output instead of JSON.
	Console bool
	// FilePath, when set, duplicates output to an append-only file.
	FilePath string
}

// New builds the root logger. The returned closer owns the log file, if
// any; callers close it last during shutdown.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat})
	} else {
		writers = append(writers, os.Stdout)
	}

	var closer io.Closer
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		// File output stays JSON even when the console is pretty.
		writers = append(writers, f)
		closer = f
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	// Filtering is driven by the global floor alone: a per-logger level
	// would survive ApplyLevel and pin every sub-logger to the boot
	// value.
	level, known := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	log := zerolog.New(out).With().Timestamp().Logger()
	if !known && strings.TrimSpace(cfg.Level) != "" {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
	}
	return log, closer, nil
}

// ParseLevel maps a config string to a zerolog level. The second return
// reports whether the input was recognized.
func ParseLevel(s string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "", "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

// ApplyLevel adjusts the global level floor at runtime; the reload path
// uses it so a level change doesn't need a restart.
func ApplyLevel(s string) bool {
	level, known := ParseLevel(s)
	if known {
		zerolog.SetGlobalLevel(level)
	}
	return known
}

// Package log wires zerolog to the console and an optional rotating file
// sink. The returned logger is passed by handle; only the sink is shared.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quantarch/pyramid/internal/config"
)

// SeverityCritical tags operational state changes that must surface in
// alerting (leader loss, split brain, post-fill persistence failure).
const SeverityCritical = "critical"

// Setup builds the process logger from config. With a file configured,
// JSON lines go to the rotating file and human-readable output to stderr.
func Setup(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}

	var sink io.Writer = console
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		sink = zerolog.MultiLevelWriter(console, rotating)
	}

	return zerolog.New(sink).Level(level).With().Timestamp().Logger()
}

// Critical returns an error-level event tagged for alert pipelines. The 🚨
// marker is what monitoring greps for.
func Critical(logger zerolog.Logger) *zerolog.Event {
	return logger.Error().Str("severity", SeverityCritical).Str("alert", "🚨")
}

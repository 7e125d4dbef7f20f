// Package logging builds the process-wide structured logger from the
// resolved log settings (level, console flag, file path): console output on
// stderr, JSON for a file sink, or both. It does not detect a TTY.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger New builds.
type Options struct {
	Level   string // "debug", "info", "warn", "error" — default "info"
	Console bool   // write a human-readable console encoding to stderr
	File    string // when non-empty, also write JSON-encoded entries here
}

// New builds a *zap.Logger per opts. At least one sink is always wired: if
// Console is false and File is empty, console output is forced on so log
// output is never silently discarded.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var cores []zapcore.Core

	if opts.Console || opts.File == "" {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %q: %w", opts.File, err)
		}
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "ts"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(f),
			level,
		))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core), nil
}

// Nop returns a logger that discards everything, for tests and library
// callers that have not configured logging.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Package logging configures the process-wide slog logger: JSON on stdout,
// optionally teed into a rotating log file.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/btafoya/gocall/internal/config"
)

// Options selects the log destinations and level
type Options struct {
	Debug   bool
	File    string    // rotating log file; empty logs to Console only
	Console io.Writer // defaults to os.Stdout
}

// FromConfig derives Options from the runtime configuration
func FromConfig(cfg *config.Config) Options {
	return Options{Debug: cfg.DebugMode, File: cfg.LogFile}
}

// New builds a JSON logger. The returned closer flushes and closes the log
// file and is never nil.
func New(opts Options) (*slog.Logger, io.Closer) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var out io.Writer = console
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    config.LogMaxSizeMB,
			MaxBackups: config.LogMaxBackups,
			MaxAge:     config.LogMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(console, file)
		closer = file
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.Debug,
	}))
	return logger, closer
}

// Setup installs the logger for cfg as the slog default
func Setup(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer := New(FromConfig(cfg))
	slog.SetDefault(logger)
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

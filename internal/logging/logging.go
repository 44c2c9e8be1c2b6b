// Package logging installs the process-wide slog logger: JSON or text on
// stdout, optionally teed into a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/e7canasta/orion-mirror/internal/config"
)

// Output formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel maps a config level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", name)
}

// New builds a logger writing to stdout and, when cfg.File is set, to a
// rotated file. The returned closer releases the file and is never nil.
func New(cfg config.LoggingConfig, debug bool, format string) (*slog.Logger, io.Closer, error) {
	return newLogger(os.Stdout, cfg, debug, format)
}

func newLogger(stdout io.Writer, cfg config.LoggingConfig, debug bool, format string) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if debug {
		level = slog.LevelDebug
	}

	var closer io.Closer = nopCloser{}
	w := stdout
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(stdout, rotated)
		closer = rotated
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch format {
	case "", FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatText:
		h = slog.NewTextHandler(w, opts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("logging: unknown format %q (must be json or text)", format)
	}
	return slog.New(h), closer, nil
}

// Setup installs the logger as the slog default.
func Setup(cfg config.LoggingConfig, debug bool, format string) (io.Closer, error) {
	logger, closer, err := New(cfg, debug, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

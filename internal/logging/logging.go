// Package logging builds the process logger from config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string
	Format string // "text" | "json"
	// File, when set, receives a copy of every record with size-based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Stderr is where console output goes; nil means os.Stderr.
	Stderr io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the logger and a closer for its log file.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	console := cfg.Stderr
	if console == nil {
		console = os.Stderr
	}
	var (
		writer io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = 10
		}
		if cfg.MaxBackups <= 0 {
			cfg.MaxBackups = 5
		}
		if cfg.MaxAgeDays <= 0 {
			cfg.MaxAgeDays = 30
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writer = io.MultiWriter(console, rotating)
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler), closer, nil
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the structured loggers used by the EgressWatch
// binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
	// AddSource records the caller's file and line.
	AddSource bool
}

// Logger is a slog.Logger whose minimum level can change after creation,
// e.g. on configuration reload.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// NewLogger creates a Logger writing to stderr.
// Supported levels: debug, info, warn, error (case-insensitive)
// Supported formats: text, json (case-insensitive, defaults to json)
func NewLogger(cfg Config) (*Logger, error) {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a Logger writing to w.
func NewLoggerWithWriter(cfg Config, w io.Writer) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(level)

	opts := &slog.HandlerOptions{
		Level:     lv,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %q (supported: text, json)", cfg.Format)
	}

	return &Logger{Logger: slog.New(handler), level: lv}, nil
}

// SetLevel changes the minimum level of the logger and every logger
// derived from it with With or WithGroup.
func (l *Logger) SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.Set(parsed)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// ParseLevel converts a level name to slog.Level. An empty name is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %q (supported: debug, info, warn, error)", level)
	}
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loganrossus/egresswatch/pkg/config"
	"github.com/loganrossus/egresswatch/pkg/logging"
	"github.com/loganrossus/egresswatch/pkg/version"
)

const (
	DefaultConfigPath = "/etc/egresswatch/config.yaml"

	// MaxInsecureFileMode is the permission bit a config file must not
	// carry: it may hold an InfluxDB token.
	MaxInsecureFileMode fs.FileMode = 0o004

	shutdownTimeout = 10 * time.Second
)

// configPath is kept at package level for the reload handler.
var configPath string

func main() {
	os.Exit(run())
}

func run() int {
	flag.StringVar(&configPath, "config", DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("egresswatch %s\n", version.String())
		return 0
	}

	// Used until the configured logger exists.
	boot := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(configPath, boot)
	if err != nil {
		boot.Error("failed to load configuration", "config", configPath, "error", err)
		return 1
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		boot.Error("failed to create logger", "error", err)
		return 1
	}
	slog.SetDefault(logger.Logger)

	logger.Info("egresswatch starting",
		"version", version.Version,
		"config", configPath,
		"nodes", cfg.Nodes,
		"store", cfg.Store.Type,
		"api", cfg.API.Enabled,
		"mcp", cfg.MCP.Enabled,
		"monitor", cfg.Monitor.Enabled,
	)

	app := NewApplication(cfg, logger)
	if err := app.Initialize(); err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	done := make(chan error, 1)
	go func() { done <- app.Start(ctx) }()

	logger.Info("egresswatch running", "pid", os.Getpid())

	code := 0
loop:
	for {
		select {
		case <-hup:
			logger.Info("received SIGHUP, reloading configuration")
			if err := handleReload(app, logger.Logger); err != nil {
				logger.Error("configuration reload failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			break loop
		case err := <-done:
			if err != nil {
				logger.Error("component failed", "error", err)
				code = 1
			}
			break loop
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("egresswatch stopped")
	return code
}

// loadConfig checks permissions, then loads and validates path.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if err := checkConfigPermissions(path, logger); err != nil {
		return nil, fmt.Errorf("config file security check failed: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// handleReload loads and applies a new configuration.
func handleReload(app *Application, logger *slog.Logger) error {
	newCfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}
	if err := app.Reload(newCfg); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	logger.Info("configuration reloaded successfully")
	return nil
}

// checkConfigPermissions rejects a config file that other users can read.
func checkConfigPermissions(path string, logger *slog.Logger) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	if mode := info.Mode().Perm(); mode&MaxInsecureFileMode != 0 {
		return fmt.Errorf("config file %s is world-readable (mode %04o); restrict it with chmod 600 or 640", path, mode)
	}
	if logger != nil {
		logger.Debug("config file permissions verified", "path", path)
	}
	return nil
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the EgressWatch daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	// Logging defaults
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Server defaults
	DefaultMetricsAddress = ":9090"
	DefaultAPIAddress     = "127.0.0.1:8080"
	DefaultMCPAddress     = "127.0.0.1:8081"

	// Store defaults
	DefaultStoreType          = "bbolt"
	DefaultStorePath          = "/var/lib/egresswatch/egresswatch.db"
	DefaultRetention          = 7 * 24 * time.Hour
	DefaultCompactionInterval = 10 * time.Minute

	// Collector defaults
	DefaultCollectorConcurrency = 8
	DefaultNodeTimeout          = 30 * time.Second
	DefaultBufferSize           = 64

	// Monitor defaults
	DefaultMonitorWindow       = 10 * time.Minute
	DefaultMonitorPollInterval = 30 * time.Second

	// Retry defaults
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second

	// Metrics source defaults
	DefaultSourceStep    = 15 * time.Second
	DefaultSourceTimeout = 30 * time.Second

	// Export defaults
	DefaultExportTimeout = 10 * time.Second
)

// DefaultAPIAllowedNetworks defines the default networks allowed to access the API.
var DefaultAPIAllowedNetworks = []string{"127.0.0.1/32", "::1/128"}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults. Unknown
// keys are rejected so typos surface at load time.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}
	applyAPIDefaults(&cfg.API)
	if cfg.MCP.Address == "" {
		cfg.MCP.Address = DefaultMCPAddress
	}

	applyStoreDefaults(&cfg.Store)
	applyCollectorDefaults(&cfg.Collector)

	if cfg.Monitor.Window == 0 {
		cfg.Monitor.Window = DefaultMonitorWindow
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = DefaultMonitorPollInterval
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = DefaultMaxBackoff
	}

	if cfg.MetricsSource.Step == 0 {
		cfg.MetricsSource.Step = DefaultSourceStep
	}
	if cfg.MetricsSource.Timeout == 0 {
		cfg.MetricsSource.Timeout = DefaultSourceTimeout
	}
	if cfg.Export.Timeout == 0 {
		cfg.Export.Timeout = DefaultExportTimeout
	}
}

func applyAPIDefaults(api *APIConfig) {
	if api.Address == "" {
		api.Address = DefaultAPIAddress
	}
	if len(api.AllowedNetworks) == 0 {
		api.AllowedNetworks = append([]string(nil), DefaultAPIAllowedNetworks...)
	}
}

func applyStoreDefaults(s *StoreConfig) {
	if s.Type == "" {
		s.Type = DefaultStoreType
	}
	if s.Path == "" {
		s.Path = DefaultStorePath
	}
	if s.Retention == 0 {
		s.Retention = DefaultRetention
	}
	if s.CompactionInterval == 0 {
		s.CompactionInterval = DefaultCompactionInterval
	}
}

func applyCollectorDefaults(c *CollectorConfig) {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultCollectorConcurrency
	}
	if c.NodeTimeout == 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "time"

// Config is the root configuration of the EgressWatch daemon.
type Config struct {
	// Nodes lists the cluster nodes to collect rules from.
	Nodes []string `yaml:"nodes" validate:"unique,dive,required"`

	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	API           APIConfig           `yaml:"api"`
	MCP           MCPConfig           `yaml:"mcp"`
	Store         StoreConfig         `yaml:"store"`
	Collector     CollectorConfig     `yaml:"collector"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
	Retry         RetryConfig         `yaml:"retry"`
	MetricsSource MetricsSourceConfig `yaml:"metrics_source"`
	Accessor      AccessorConfig      `yaml:"accessor"`
	Baseline      BaselineConfig      `yaml:"baseline"`
	Export        ExportConfig        `yaml:"export"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig defines Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// APIConfig defines the HTTP API server settings.
type APIConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Address           string   `yaml:"address" validate:"required_if=Enabled true,omitempty,hostname_port"`
	AllowedNetworks   []string `yaml:"allowed_networks" validate:"dive,cidr|ip"`
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers"`
	// MaxMonitorDuration caps streaming monitor requests.
	MaxMonitorDuration time.Duration `yaml:"max_monitor_duration"`
}

// MCPConfig defines the Model Context Protocol tool server settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// StoreConfig defines the time-series store backend.
type StoreConfig struct {
	Type               string        `yaml:"type" validate:"oneof=bbolt badger"`
	Path               string        `yaml:"path" validate:"required"`
	Retention          time.Duration `yaml:"retention"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	CompactionBatch    int           `yaml:"compaction_batch" validate:"gte=0"`
}

// CollectorConfig defines how node rule tables are fetched.
type CollectorConfig struct {
	Concurrency int           `yaml:"concurrency" validate:"gte=1"`
	NodeTimeout time.Duration `yaml:"node_timeout"`
	// RateLimit caps fetch starts per second. Zero disables pacing.
	RateLimit  float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst      int     `yaml:"burst" validate:"gte=0"`
	BufferSize int     `yaml:"buffer_size" validate:"gte=1"`
}

// MonitorConfig defines stability monitoring. When Enabled, the daemon
// keeps a background session over every configured node.
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Window       time.Duration `yaml:"window"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CorrelationConfig tunes the correlation engine. Zero values take the
// engine defaults.
type CorrelationConfig struct {
	BucketWidth      time.Duration      `yaml:"bucket_width"`
	DefaultBucket    time.Duration      `yaml:"default_bucket"`
	Thresholds       map[string]float64 `yaml:"thresholds"`
	LowerIsWorse     []string           `yaml:"lower_is_worse"`
	RelativeDelta    float64            `yaml:"relative_delta" validate:"gte=0"`
	BaselineBuckets  int                `yaml:"baseline_buckets" validate:"gte=0"`
	ConsistencyFloor float64            `yaml:"consistency_floor" validate:"gte=0,lte=1"`
	ConsistencyDrop  float64            `yaml:"consistency_drop" validate:"gte=0,lte=1"`
	StabilityFloor   float64            `yaml:"stability_floor" validate:"gte=0,lte=1"`
	StabilityDrop    float64            `yaml:"stability_drop" validate:"gte=0,lte=1"`
	ResourceMetrics  []string           `yaml:"resource_metrics"`
	Weights          WeightsConfig      `yaml:"weights"`
}

// WeightsConfig holds the confidence of each finding cause.
type WeightsConfig struct {
	SameBucket float64 `yaml:"same_bucket" validate:"gte=0,lte=1"`
	LagBucket  float64 `yaml:"lag_bucket" validate:"gte=0,lte=1"`
	Resource   float64 `yaml:"resource" validate:"gte=0,lte=1"`
	Unknown    float64 `yaml:"unknown" validate:"gte=0,lte=1"`
}

// RetryConfig defines how failed collections are retried.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// MetricsSourceConfig defines where performance samples are fetched from.
type MetricsSourceConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Step    time.Duration `yaml:"step"`
	Timeout time.Duration `yaml:"timeout"`
	Queries []QueryConfig `yaml:"queries" validate:"dive"`
}

// QueryConfig maps a PromQL expression to a metric name. A {node}
// placeholder in Expr is replaced with the in-scope node matcher.
type QueryConfig struct {
	Metric    string `yaml:"metric" validate:"required"`
	Expr      string `yaml:"expr" validate:"required"`
	NodeLabel string `yaml:"node_label"`
}

// AccessorConfig defines the commands that read a node's rule tables.
// {node} is replaced with the node name.
type AccessorConfig struct {
	NATCommand    string `yaml:"nat_command"`
	PolicyCommand string `yaml:"policy_command"`
}

// BaselineConfig points at EgressIP definitions. Without a path,
// consistency is judged by peer agreement alone.
type BaselineConfig struct {
	Path string `yaml:"path"`
}

// ExportConfig defines the InfluxDB export of derived samples.
type ExportConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token   string        `yaml:"token"`
	Org     string        `yaml:"org" validate:"required_if=Enabled true"`
	Bucket  string        `yaml:"bucket" validate:"required_if=Enabled true"`
	Timeout time.Duration `yaml:"timeout"`
}

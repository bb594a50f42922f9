// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlation

import "time"

// Default tunables. They encode a ranking preference rather than a
// calibration: any rule-side co-occurrence outranks a finding without one.
const (
	DefaultBucketWidth      = time.Minute
	DefaultRelativeDelta    = 0.5
	DefaultBaselineBuckets  = 3
	DefaultConsistencyFloor = 0.8
	DefaultConsistencyDrop  = 0.1
	DefaultStabilityFloor   = 0.8
	DefaultStabilityDrop    = 0.1
)

// Weights are the confidence assigned to each kind of finding.
type Weights struct {
	SameBucket float64 `yaml:"same_bucket" json:"same_bucket"`
	LagBucket  float64 `yaml:"lag_bucket" json:"lag_bucket"`
	Resource   float64 `yaml:"resource" json:"resource"`
	Unknown    float64 `yaml:"unknown" json:"unknown"`
}

// DefaultWeights returns the default confidence weights.
func DefaultWeights() Weights {
	return Weights{SameBucket: 0.9, LagBucket: 0.75, Resource: 0.35, Unknown: 0.2}
}

// Config holds every correlation tunable.
type Config struct {
	// BucketWidth fixes the grid. Zero derives it from the inputs as the
	// coarsest collection interval, falling back to DefaultBucket.
	BucketWidth   time.Duration
	DefaultBucket time.Duration

	// Thresholds are absolute degradation limits per metric name.
	Thresholds map[string]float64
	// LowerIsWorse marks metrics that degrade by decreasing (throughput).
	LowerIsWorse map[string]bool
	// RelativeDelta is the step change against the trailing baseline that
	// counts as degradation, e.g. 0.5 for +50%.
	RelativeDelta   float64
	BaselineBuckets int

	ConsistencyFloor float64
	ConsistencyDrop  float64
	StabilityFloor   float64
	StabilityDrop    float64

	// ResourceMetrics are non-rule signals such as CPU or memory
	// utilization. Their degradation tags a finding resource-saturation.
	ResourceMetrics []string

	Weights Weights
}

// DefaultConfig returns a Config with default tunables.
func DefaultConfig() Config {
	return Config{
		DefaultBucket:    DefaultBucketWidth,
		Thresholds:       map[string]float64{},
		LowerIsWorse:     map[string]bool{"throughput": true, "throughput_rps": true},
		RelativeDelta:    DefaultRelativeDelta,
		BaselineBuckets:  DefaultBaselineBuckets,
		ConsistencyFloor: DefaultConsistencyFloor,
		ConsistencyDrop:  DefaultConsistencyDrop,
		StabilityFloor:   DefaultStabilityFloor,
		StabilityDrop:    DefaultStabilityDrop,
		ResourceMetrics:  []string{"cpu_utilization", "memory_utilization"},
		Weights:          DefaultWeights(),
	}
}

// withDefaults fills zero-valued tunables.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultBucket <= 0 {
		c.DefaultBucket = d.DefaultBucket
	}
	if c.RelativeDelta <= 0 {
		c.RelativeDelta = d.RelativeDelta
	}
	if c.BaselineBuckets <= 0 {
		c.BaselineBuckets = d.BaselineBuckets
	}
	if c.ConsistencyFloor <= 0 {
		c.ConsistencyFloor = d.ConsistencyFloor
	}
	if c.ConsistencyDrop <= 0 {
		c.ConsistencyDrop = d.ConsistencyDrop
	}
	if c.StabilityFloor <= 0 {
		c.StabilityFloor = d.StabilityFloor
	}
	if c.StabilityDrop <= 0 {
		c.StabilityDrop = d.StabilityDrop
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	return c
}

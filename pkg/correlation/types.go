// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlation

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// PerformanceSample is one externally measured metric point. An empty
// NodeID means the value is cluster-wide.
type PerformanceSample struct {
	ID         string    `json:"id"`
	MetricName string    `json:"metric_name"`
	NodeID     string    `json:"node_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
}

// NewPerformanceSample builds a sample with a content-derived ID.
func NewPerformanceSample(metric, nodeID string, ts time.Time, value float64) PerformanceSample {
	s := PerformanceSample{MetricName: metric, NodeID: nodeID, Timestamp: ts.UTC(), Value: value}
	s.ID = s.DefaultID()
	return s
}

// DefaultID derives an ID from the metric, node and timestamp.
func (s PerformanceSample) DefaultID() string {
	d := xxhash.New()
	_, _ = d.WriteString(s.MetricName)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(s.NodeID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(s.Timestamp.UTC().Format(time.RFC3339Nano))
	return fmt.Sprintf("perf-%016x", d.Sum64())
}

// SeriesID identifies the time series the sample belongs to.
func (s PerformanceSample) SeriesID() string {
	if s.NodeID == "" {
		return s.MetricName
	}
	return s.MetricName + "/" + s.NodeID
}

// TimeRange is an inclusive time interval. Zero ends are unbounded.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies in the range.
func (r TimeRange) Contains(t time.Time) bool {
	return (r.Start.IsZero() || !t.Before(r.Start)) && (r.End.IsZero() || !t.After(r.End))
}

// Cause classifies a bottleneck finding.
type Cause string

const (
	CauseRuleInconsistency  Cause = "rule-inconsistency"
	CauseRuleChurn          Cause = "rule-churn"
	CauseResourceSaturation Cause = "resource-saturation"
	CauseUnknown            Cause = "unknown"
)

// Finding is a ranked explanation of one performance degradation.
//
// Key names the degradation (cause, metric, node and bucket) and stays
// stable across analyses. ID also covers the finding's content, so a
// re-analysis over changed samples yields a new ID under the same Key.
// Revision is assigned when the finding is stored.
type Finding struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Revision    int       `json:"revision,omitempty"`
	Cause       Cause     `json:"cause"`
	Confidence  float64   `json:"confidence"`
	BucketStart time.Time `json:"bucket_start"`
	BucketWidth float64   `json:"bucket_width_seconds"`
	MetricName  string    `json:"metric_name"`
	NodeID      string    `json:"node_id,omitempty"`
	Value       float64   `json:"value"`
	Baseline    float64   `json:"baseline"`
	// Delta is the change against the trailing baseline, or against the
	// threshold when no baseline exists.
	Delta          float64  `json:"delta"`
	Lagged         bool     `json:"lagged"`
	Evidence       []string `json:"evidence"`
	Recommendation string   `json:"recommendation"`
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"time"

	"github.com/loganrossus/egresswatch/pkg/correlation"
)

// ConsistencyRequest is the body of POST /api/v1/consistency. An empty
// node list checks every configured node.
type ConsistencyRequest struct {
	Nodes []string `json:"nodes" validate:"dive,required"`
}

// PerformanceRequest is the body of POST /api/v1/performance. A zero End
// means now; a zero Start means the beginning of recorded history.
type PerformanceRequest struct {
	Nodes   []string  `json:"nodes" validate:"dive,required"`
	Metrics []string  `json:"metrics" validate:"dive,required"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// IngestRequest is the body of POST /api/v1/performance/samples.
type IngestRequest struct {
	Samples []IngestSample `json:"samples" validate:"required,min=1,dive"`
}

// IngestSample is one externally measured performance value.
type IngestSample struct {
	ID         string    `json:"id,omitempty"`
	MetricName string    `json:"metric_name" validate:"required"`
	NodeID     string    `json:"node_id,omitempty"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	Value      *float64  `json:"value" validate:"required"`
}

func (s IngestSample) sample() correlation.PerformanceSample {
	return correlation.PerformanceSample{
		ID:         s.ID,
		MetricName: s.MetricName,
		NodeID:     s.NodeID,
		Timestamp:  s.Timestamp,
		Value:      *s.Value,
	}
}

// ReadyResponse is returned by the readiness endpoint.
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// LiveResponse is returned by the liveness endpoint.
type LiveResponse struct {
	Alive bool `json:"alive"`
}

// VersionResponse is returned by the version endpoint.
type VersionResponse struct {
	Version string `json:"version"`
}

// ErrorResponse is returned for failed requests. FailedNodes is set when
// collection failed on every node.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Code        int      `json:"code"`
	FailedNodes []string `json:"failed_nodes,omitempty"`
}

// RecordsResponse lists raw time-series records.
type RecordsResponse struct {
	Kind    string `json:"kind"`
	Count   int    `json:"count"`
	Records any    `json:"records"`
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package perfsource reads performance samples from Prometheus range
// queries.
package perfsource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/correlation"
)

// Defaults for range queries.
const (
	DefaultStep      = 15 * time.Second
	DefaultLookback  = time.Hour
	DefaultNodeLabel = "node"
)

// Query maps a PromQL expression to a metric name. The literal {node}
// in Expr is replaced with a regex of the scoped nodes, or ".*".
type Query struct {
	Metric    string `yaml:"metric" json:"metric"`
	Expr      string `yaml:"expr" json:"expr"`
	NodeLabel string `yaml:"node_label,omitempty" json:"node_label,omitempty"`
}

// Config configures a Prometheus source.
type Config struct {
	URL     string
	Queries []Query
	Step    time.Duration
	Logger  *slog.Logger
}

// Source implements analysis.MetricsSource over the Prometheus HTTP API.
type Source struct {
	api     v1.API
	queries []Query
	step    time.Duration
	logger  *slog.Logger
}

var _ analysis.MetricsSource = (*Source)(nil)

// New creates a Source for the Prometheus server at cfg.URL.
func New(cfg Config) (*Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prometheus url is required")
	}
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return NewWithAPI(v1.NewAPI(client), cfg), nil
}

// NewWithAPI creates a Source over an existing API client.
func NewWithAPI(a v1.API, cfg Config) *Source {
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Source{
		api:     a,
		queries: cfg.Queries,
		step:    cfg.Step,
		logger:  cfg.Logger.With("component", "perfsource"),
	}
}

// FetchMetrics runs every configured query whose metric is in scope over
// tr and flattens the resulting matrices. Series whose node label is not
// in scope are skipped; series without a node label are cluster-wide.
func (s *Source) FetchMetrics(ctx context.Context, scope analysis.Scope, tr correlation.TimeRange) ([]correlation.PerformanceSample, error) {
	end := tr.End
	if end.IsZero() {
		end = time.Now()
	}
	start := tr.Start
	if start.IsZero() {
		start = end.Add(-DefaultLookback)
	}
	r := v1.Range{Start: start, End: end, Step: s.step}

	var out []correlation.PerformanceSample
	for _, q := range s.queries {
		if !inScope(q.Metric, scope.Metrics) {
			continue
		}
		expr := strings.ReplaceAll(q.Expr, "{node}", nodeRegex(scope.Nodes))
		value, warnings, err := s.api.QueryRange(ctx, expr, r)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Metric, err)
		}
		for _, w := range warnings {
			s.logger.Warn("prometheus warning", "metric", q.Metric, "warning", w)
		}

		matrix, ok := value.(model.Matrix)
		if !ok {
			return nil, fmt.Errorf("query %s: expected matrix, got %s", q.Metric, value.Type())
		}
		label := q.NodeLabel
		if label == "" {
			label = DefaultNodeLabel
		}
		for _, stream := range matrix {
			node := string(stream.Metric[model.LabelName(label)])
			if node != "" && len(scope.Nodes) > 0 && !inScope(node, scope.Nodes) {
				continue
			}
			for _, p := range stream.Values {
				v := float64(p.Value)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				out = append(out, correlation.NewPerformanceSample(q.Metric, node, p.Timestamp.Time(), v))
			}
		}
	}
	s.logger.Debug("fetched performance samples", "samples", len(out), "queries", len(s.queries))
	return out, nil
}

func inScope(v string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

func nodeRegex(nodes []string) string {
	if len(nodes) == 0 {
		return ".*"
	}
	quoted := make([]string, len(nodes))
	for i, n := range nodes {
		quoted[i] = regexpQuote(n)
	}
	return strings.Join(quoted, "|")
}

// regexpQuote escapes RE2 metacharacters for use inside a PromQL string.
func regexpQuote(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteString(`\\`)
		}
		b.WriteRune(r)
	}
	return b.String()
}

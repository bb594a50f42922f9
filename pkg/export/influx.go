// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export ships derived samples to InfluxDB for long-term history.
package export

import (
	"context"
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/stability"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

// Measurement names.
const (
	MeasurementConsistency = "egress_consistency"
	MeasurementStability   = "egress_stability"
	MeasurementFinding     = "egress_finding"
	MeasurementPerformance = "egress_performance"
	MeasurementSnapshot    = "egress_rule_snapshot"
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Logger *slog.Logger
}

// InfluxExporter writes records as InfluxDB points.
type InfluxExporter struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

var _ analysis.Exporter = (*InfluxExporter)(nil)

// NewInflux connects to InfluxDB. The connection is lazy; write errors
// surface from Export.
func NewInflux(cfg Config) (*InfluxExporter, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	e := NewWithWriteAPI(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Logger)
	e.client = client
	return e, nil
}

// NewWithWriteAPI creates an exporter over an existing write API.
func NewWithWriteAPI(w api.WriteAPIBlocking, logger *slog.Logger) *InfluxExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxExporter{write: w, logger: logger.With("component", "influx-exporter")}
}

// Export converts and writes recs in one request. Records of unknown kinds
// are skipped.
func (e *InfluxExporter) Export(ctx context.Context, recs ...tsdb.Record) error {
	points := make([]*write.Point, 0, len(recs))
	for _, rec := range recs {
		p, err := toPoint(rec)
		if err != nil {
			return err
		}
		if p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := e.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	e.logger.Debug("exported points", "points", len(points))
	return nil
}

// Close releases the client.
func (e *InfluxExporter) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func toPoint(rec tsdb.Record) (*write.Point, error) {
	switch rec.Kind {
	case tsdb.KindConsistency:
		var s consistency.Sample
		if err := rec.Decode(&s); err != nil {
			return nil, err
		}
		return influxdb2.NewPoint(MeasurementConsistency,
			map[string]string{"baseline": fmt.Sprint(s.Baseline)},
			map[string]interface{}{
				"score":      s.Score,
				"missing":    len(s.MissingRules),
				"extra":      len(s.ExtraRules),
				"duplicate":  len(s.DuplicateRules),
				"union_size": s.UnionSize,
				"nodes":      len(s.PerNodeCounts),
			},
			s.ObservedAt), nil

	case tsdb.KindStability:
		var s stability.Sample
		if err := rec.Decode(&s); err != nil {
			return nil, err
		}
		return influxdb2.NewPoint(MeasurementStability,
			map[string]string{"node": s.NodeID},
			map[string]interface{}{
				"score":           s.StabilityScore,
				"churn_events":    len(s.ChurnEvents),
				"mean_churn_rate": s.MeanChurnRate,
				"snapshots":       s.SnapshotCount,
			},
			s.WindowEnd), nil

	case tsdb.KindFinding:
		var f correlation.Finding
		if err := rec.Decode(&f); err != nil {
			return nil, err
		}
		tags := map[string]string{"cause": string(f.Cause), "metric": f.MetricName}
		if f.NodeID != "" {
			tags["node"] = f.NodeID
		}
		return influxdb2.NewPoint(MeasurementFinding, tags,
			map[string]interface{}{
				"confidence": f.Confidence,
				"value":      f.Value,
				"baseline":   f.Baseline,
				"delta":      f.Delta,
				"lagged":     f.Lagged,
			},
			f.BucketStart), nil

	case tsdb.KindPerformance:
		var p correlation.PerformanceSample
		if err := rec.Decode(&p); err != nil {
			return nil, err
		}
		tags := map[string]string{"metric": p.MetricName}
		if p.NodeID != "" {
			tags["node"] = p.NodeID
		}
		return influxdb2.NewPoint(MeasurementPerformance, tags,
			map[string]interface{}{"value": p.Value},
			p.Timestamp), nil

	case tsdb.KindRuleSnapshot:
		var s rules.Snapshot
		if err := rec.Decode(&s); err != nil {
			return nil, err
		}
		counts := s.CountByKind()
		return influxdb2.NewPoint(MeasurementSnapshot,
			map[string]string{"node": s.NodeID},
			map[string]interface{}{
				"rules": s.Len(),
				"snat":  counts[rules.KindSNAT],
				"lrp":   counts[rules.KindLRP],
			},
			s.ObservedAt), nil
	}
	return nil, nil
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

func TestSimpleTrend(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   TrendDirection
		change float64
	}{
		{"increasing", []float64{10, 10, 20, 20}, TrendIncreasing, 100},
		{"decreasing", []float64{1, 1, 0.5, 0.5}, TrendDecreasing, -50},
		{"stable within threshold", []float64{100, 100, 105, 95, 109}, TrendStable, 3},
		{"odd length puts the middle in the second half", []float64{10, 30, 30}, TrendIncreasing, 200},
		{"zero first half", []float64{0, 5}, TrendStable, 0},
		{"single point", []float64{42}, TrendInsufficientData, 0},
		{"empty", nil, TrendInsufficientData, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := simpleTrend(tt.values)
			assert.Equal(t, tt.want, got.Direction)
			assert.InDelta(t, tt.change, got.ChangePercent, 1e-9)
		})
	}
}

func TestSimpleTrend_Threshold(t *testing.T) {
	// Exactly ten percent is still stable.
	assert.Equal(t, TrendStable, simpleTrend([]float64{100, 110}).Direction)
	assert.Equal(t, TrendStable, simpleTrend([]float64{100, 90}).Direction)
	assert.Equal(t, TrendIncreasing, simpleTrend([]float64{100, 111}).Direction)
	assert.Equal(t, TrendDecreasing, simpleTrend([]float64{100, 89}).Direction)
}

func lrpEntry(owner, src string) rules.Entry {
	return rules.NewEntry("", owner, rules.MatchKey{Kind: rules.KindLRP, Source: src, Priority: 100}, "reroute 100.64.0.4")
}

// appendRecord returns a sink for the record builders' results.
func appendRecord(t *testing.T, db *tsdb.DB) func(tsdb.Record, error) {
	return func(rec tsdb.Record, err error) {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, db.Append(context.Background(), rec))
	}
}

func TestTrend(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	o := New(collector.New(newFakeNodes(), collector.Config{}), db, Config{
		Nodes: []string{"node-x", "node-y"},
	}, WithClock(func() time.Time { return t0.Add(4 * 24 * time.Hour) }))

	scores := []float64{1, 1, 0.5, 0.5}
	snatCounts := []int{10, 10, 20, 20}
	latency := []float64{100, 102, 98, 101}
	for d := range 4 {
		at := t0.Add(time.Duration(d)*24*time.Hour + time.Hour)

		appendRecord(t, db)(consistencyRecord(consistency.Sample{
			ID:            fmt.Sprintf("check-%d", d),
			ObservedAt:    at,
			Score:         scores[d],
			PerNodeCounts: map[string]int{"node-x": snatCounts[d], "node-y": 3},
		}))

		set := entries("eip", snatCounts[d])
		set = append(set, lrpEntry("eip-lrp-a", "10.1.0.1"), lrpEntry("eip-lrp-b", "10.1.0.2"))
		appendRecord(t, db)(snapshotRecord(rules.NewSnapshot("node-x", at, "test", set)))
		// Another node shrinking must not leak into a node-x scope.
		appendRecord(t, db)(snapshotRecord(rules.NewSnapshot("node-y", at, "test", entries("other", 40-10*d))))

		appendRecord(t, db)(performanceRecord(correlation.NewPerformanceSample("p95_latency", "node-x", at, latency[d])))
	}
	// A metric seen on a single day only.
	appendRecord(t, db)(performanceRecord(correlation.NewPerformanceSample("error_rate", "node-x", t0.Add(time.Hour), 0.02)))

	rep, err := o.Trend(ctx, Scope{Nodes: []string{"node-x"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTrendDays, rep.Days)
	assert.Equal(t, t0.Add(4*24*time.Hour), rep.To)

	assert.Equal(t, TrendDecreasing, rep.Consistency.Direction)
	require.Len(t, rep.Consistency.Points, 4)
	assert.Equal(t, t0.Truncate(24*time.Hour), rep.Consistency.Points[0].Day)

	assert.Equal(t, TrendIncreasing, rep.SNATRules.Direction)
	assert.InDelta(t, 10.0, rep.SNATRules.FirstHalfAvg, 1e-9)
	assert.InDelta(t, 20.0, rep.SNATRules.SecondHalfAvg, 1e-9)
	assert.Equal(t, TrendStable, rep.LRPRules.Direction)
	assert.InDelta(t, 2.0, rep.LRPRules.SecondHalfAvg, 1e-9)

	require.Contains(t, rep.Performance, "p95_latency")
	assert.Equal(t, TrendStable, rep.Performance["p95_latency"].Direction)
	require.Contains(t, rep.Performance, "error_rate")
	assert.Equal(t, TrendInsufficientData, rep.Performance["error_rate"].Direction)
	assert.Len(t, rep.Performance["error_rate"].Points, 1)

	assert.Equal(t, TrendInsufficientData, rep.Stability.Direction)
	assert.Empty(t, rep.Stability.Points)

	other, err := o.Trend(ctx, Scope{Nodes: []string{"node-y"}, Metrics: []string{"p95_latency"}}, 7)
	require.NoError(t, err)
	assert.Equal(t, TrendDecreasing, other.SNATRules.Direction)
	assert.Equal(t, TrendStable, other.LRPRules.Direction)
	assert.Empty(t, other.Performance)
}

func TestTrend_WindowExcludesOlderDays(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	o := New(collector.New(newFakeNodes(), collector.Config{}), db, Config{},
		WithClock(func() time.Time { return t0.Add(10 * 24 * time.Hour) }))

	for d, v := range []float64{500, 100, 100} {
		at := t0.Add(time.Duration(d*4) * 24 * time.Hour)
		appendRecord(t, db)(performanceRecord(correlation.NewPerformanceSample("p95_latency", "", at, v)))
	}

	rep, err := o.Trend(ctx, Scope{}, 7)
	require.NoError(t, err)
	got := rep.Performance["p95_latency"]
	assert.Len(t, got.Points, 2)
	assert.Equal(t, TrendStable, got.Direction)
	assert.Equal(t, TrendInsufficientData, rep.Consistency.Direction)
}

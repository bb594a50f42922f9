// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/stability"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

const (
	// DefaultTrendDays is the trend window used when none is given.
	DefaultTrendDays = 7

	// trendThresholdPercent is the change between the two halves of a
	// series beyond which it counts as moving.
	trendThresholdPercent = 10.0

	day = 24 * time.Hour
)

// TrendDirection classifies how a daily series moved.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// TrendPoint is the average of one UTC day.
type TrendPoint struct {
	Day     time.Time `json:"day"`
	Value   float64   `json:"value"`
	Samples int       `json:"samples"`
}

// SeriesTrend compares the average of the first half of a daily series
// with the average of its second half.
type SeriesTrend struct {
	Direction     TrendDirection `json:"direction"`
	FirstHalfAvg  float64        `json:"first_half_avg"`
	SecondHalfAvg float64        `json:"second_half_avg"`
	ChangePercent float64        `json:"change_percent"`
	Points        []TrendPoint   `json:"points"`
}

// TrendReport holds the trend of every stored series over the last days.
type TrendReport struct {
	Days        int                    `json:"days"`
	From        time.Time              `json:"from"`
	To          time.Time              `json:"to"`
	Scope       Scope                  `json:"scope"`
	Consistency SeriesTrend            `json:"consistency"`
	Stability   SeriesTrend            `json:"stability"`
	SNATRules   SeriesTrend            `json:"snat_rules"`
	LRPRules    SeriesTrend            `json:"lrp_rules"`
	Performance map[string]SeriesTrend `json:"performance"`
}

// Trend reports the direction of the consistency score, the stability
// score, the per-snapshot SNAT and LRP rule counts and every in-scope
// performance metric over the last days. Each series is averaged per UTC
// day before the halves are compared.
func (o *Orchestrator) Trend(ctx context.Context, scope Scope, days int) (TrendReport, error) {
	if days <= 0 {
		days = DefaultTrendDays
	}
	to := o.now().UTC()
	rep := TrendReport{
		Days:        days,
		From:        to.Add(-time.Duration(days) * day),
		To:          to,
		Scope:       scope,
		Performance: map[string]SeriesTrend{},
	}
	window := func(kind tsdb.Kind) tsdb.Query {
		return tsdb.Query{Kind: kind, Start: rep.From, End: rep.To}
	}

	cons, err := decodeAll[consistency.Sample](ctx, o.db, window(tsdb.KindConsistency))
	if err != nil {
		return rep, fmt.Errorf("trend consistency: %w", err)
	}
	consDaily := newDailySeries()
	for _, c := range cons {
		if scope.coversSample(c) {
			consDaily.add(c.ObservedAt, c.Score)
		}
	}
	rep.Consistency = consDaily.trend()

	stab, err := decodeAll[stability.Sample](ctx, o.db, window(tsdb.KindStability))
	if err != nil {
		return rep, fmt.Errorf("trend stability: %w", err)
	}
	stabDaily := newDailySeries()
	for _, s := range stab {
		if scope.includesNode(s.NodeID) {
			stabDaily.add(s.WindowEnd, s.StabilityScore)
		}
	}
	rep.Stability = stabDaily.trend()

	snaps, err := decodeAll[rules.Snapshot](ctx, o.db, window(tsdb.KindRuleSnapshot))
	if err != nil {
		return rep, fmt.Errorf("trend rule snapshots: %w", err)
	}
	snat, lrp := newDailySeries(), newDailySeries()
	for _, s := range snaps {
		if !scope.includesNode(s.NodeID) {
			continue
		}
		var nSNAT, nLRP int
		for _, e := range s.Rules {
			switch e.Kind() {
			case rules.KindSNAT:
				nSNAT++
			case rules.KindLRP:
				nLRP++
			}
		}
		snat.add(s.ObservedAt, float64(nSNAT))
		lrp.add(s.ObservedAt, float64(nLRP))
	}
	rep.SNATRules, rep.LRPRules = snat.trend(), lrp.trend()

	perf, err := decodeAll[correlation.PerformanceSample](ctx, o.db, window(tsdb.KindPerformance))
	if err != nil {
		return rep, fmt.Errorf("trend performance: %w", err)
	}
	byMetric := map[string]*dailySeries{}
	for _, p := range perf {
		if !scope.includesNode(p.NodeID) || !scope.includesMetric(p.MetricName) {
			continue
		}
		d, ok := byMetric[p.MetricName]
		if !ok {
			d = newDailySeries()
			byMetric[p.MetricName] = d
		}
		d.add(p.Timestamp, p.Value)
	}
	for name, d := range byMetric {
		rep.Performance[name] = d.trend()
	}

	o.logger.Info("trend analysis complete",
		"scope", scope.Name(),
		"days", days,
		"consistency", rep.Consistency.Direction,
		"snat_rules", rep.SNATRules.Direction,
		"metrics", len(rep.Performance),
	)
	return rep, nil
}

// dailySeries accumulates observations per UTC day.
type dailySeries struct {
	sums   map[time.Time]float64
	counts map[time.Time]int
}

func newDailySeries() *dailySeries {
	return &dailySeries{sums: map[time.Time]float64{}, counts: map[time.Time]int{}}
}

func (d *dailySeries) add(ts time.Time, v float64) {
	k := ts.UTC().Truncate(day)
	d.sums[k] += v
	d.counts[k]++
}

func (d *dailySeries) trend() SeriesTrend {
	days := slices.SortedFunc(maps.Keys(d.sums), func(a, b time.Time) int { return a.Compare(b) })
	points := make([]TrendPoint, 0, len(days))
	values := make([]float64, 0, len(days))
	for _, k := range days {
		v := d.sums[k] / float64(d.counts[k])
		points = append(points, TrendPoint{Day: k, Value: v, Samples: d.counts[k]})
		values = append(values, v)
	}
	t := simpleTrend(values)
	t.Points = points
	return t
}

// simpleTrend classifies values by the relative change between the mean
// of the first half and the mean of the second half. A zero first half
// yields no change.
func simpleTrend(values []float64) SeriesTrend {
	t := SeriesTrend{Direction: TrendInsufficientData, Points: []TrendPoint{}}
	if len(values) < 2 {
		return t
	}
	mid := len(values) / 2
	t.FirstHalfAvg = mean(values[:mid])
	t.SecondHalfAvg = mean(values[mid:])
	if t.FirstHalfAvg > 0 {
		t.ChangePercent = (t.SecondHalfAvg - t.FirstHalfAvg) / t.FirstHalfAvg * 100
	}

	switch {
	case t.ChangePercent > trendThresholdPercent:
		t.Direction = TrendIncreasing
	case t.ChangePercent < -trendThresholdPercent:
		t.Direction = TrendDecreasing
	default:
		t.Direction = TrendStable
	}
	return t
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

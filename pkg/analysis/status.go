// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/stability"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

// maxStatusFindings caps the findings included in a Status.
const maxStatusFindings = 10

// Summary aggregates stored samples over the trailing hours.
type Summary struct {
	Hours             int                       `json:"hours"`
	From              time.Time                 `json:"from"`
	To                time.Time                 `json:"to"`
	ConsistencyChecks int                       `json:"consistency_checks"`
	AvgConsistency    float64                   `json:"avg_consistency_score"`
	MinConsistency    float64                   `json:"min_consistency_score"`
	StabilitySamples  int                       `json:"stability_samples"`
	AvgStability      float64                   `json:"avg_stability_score"`
	Findings          int                       `json:"findings"`
	FindingsByCause   map[correlation.Cause]int `json:"findings_by_cause"`
}

// Status combines the latest result of every analysis with a history
// summary.
type Status struct {
	GeneratedAt      time.Time             `json:"generated_at"`
	Scope            Scope                 `json:"scope"`
	Consistency      *consistency.Sample   `json:"consistency,omitempty"`
	Stability        []stability.Sample    `json:"stability"`
	Findings         []correlation.Finding `json:"findings"`
	Summary          Summary               `json:"summary"`
	ActiveSessions   int                   `json:"active_sessions"`
	PendingSnapshots int                   `json:"pending_snapshots"`
	DroppedSnapshots int                   `json:"dropped_snapshots"`
	LastCollection   time.Time             `json:"last_collection,omitzero"`
	FailedNodes      []string              `json:"failed_nodes"`
}

// GetStatus reports the latest consistency sample, the latest stability
// sample per in-scope node, the most confident recent findings and a
// summary over the configured number of hours. FailedNodes are those that
// failed the most recent collection.
func (o *Orchestrator) GetStatus(ctx context.Context, scope Scope) (Status, error) {
	now := o.now().UTC()
	st := Status{
		GeneratedAt:      now,
		Scope:            scope,
		Stability:        []stability.Sample{},
		Findings:         []correlation.Finding{},
		ActiveSessions:   o.ActiveSessions(),
		PendingSnapshots: len(o.writer.Pending()),
		DroppedSnapshots: o.writer.Dropped(),
		FailedNodes:      []string{},
	}

	o.mu.Lock()
	st.LastCollection = o.lastCollection
	for _, n := range o.lastFailed {
		if scope.includesNode(n) {
			st.FailedNodes = append(st.FailedNodes, n)
		}
	}
	o.mu.Unlock()

	cons, err := o.latestConsistency(ctx, scope)
	if err != nil {
		return st, err
	}
	st.Consistency = cons

	summary, err := o.Summarize(ctx, scope, o.cfg.SummaryHours)
	if err != nil {
		return st, err
	}
	st.Summary = summary

	stab, err := o.latestStability(ctx, scope, summary.From)
	if err != nil {
		return st, err
	}
	st.Stability = stab

	findings, err := decodeAll[correlation.Finding](ctx, o.db, tsdb.Query{Kind: tsdb.KindFinding, Start: summary.From, End: summary.To})
	if err != nil {
		return st, fmt.Errorf("load findings: %w", err)
	}
	for _, f := range latestRevisions(findings) {
		if scope.includesNode(f.NodeID) && scope.includesMetric(f.MetricName) {
			st.Findings = append(st.Findings, f)
		}
	}
	sort.SliceStable(st.Findings, func(i, j int) bool {
		if st.Findings[i].Confidence != st.Findings[j].Confidence {
			return st.Findings[i].Confidence > st.Findings[j].Confidence
		}
		return st.Findings[i].BucketStart.After(st.Findings[j].BucketStart)
	})
	if len(st.Findings) > maxStatusFindings {
		st.Findings = st.Findings[:maxStatusFindings]
	}
	return st, nil
}

// coversSample reports whether a consistency check included a node in
// scope. Every check is in scope of the whole cluster.
func (s Scope) coversSample(c consistency.Sample) bool {
	if len(s.Nodes) == 0 {
		return true
	}
	for _, n := range s.Nodes {
		if _, ok := c.PerNodeCounts[n]; ok {
			return true
		}
	}
	return false
}

// latestConsistency returns the newest consistency sample that covers a
// node in scope, or nil when none is stored.
func (o *Orchestrator) latestConsistency(ctx context.Context, scope Scope) (*consistency.Sample, error) {
	rec, ok, err := o.db.Latest(ctx, tsdb.Query{Kind: tsdb.KindConsistency})
	if err != nil {
		return nil, fmt.Errorf("load latest consistency sample: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var s consistency.Sample
	if err := rec.Decode(&s); err != nil {
		return nil, err
	}
	if scope.coversSample(s) {
		return &s, nil
	}

	// The newest check ran over other nodes; fall back to the history.
	all, err := decodeAll[consistency.Sample](ctx, o.db, tsdb.Query{Kind: tsdb.KindConsistency})
	if err != nil {
		return nil, fmt.Errorf("load consistency history: %w", err)
	}
	for i := len(all) - 1; i >= 0; i-- {
		if scope.coversSample(all[i]) {
			return &all[i], nil
		}
	}
	return nil, nil
}

// latestStability returns the newest stability sample of every in-scope
// node. Without named nodes it considers samples since from.
func (o *Orchestrator) latestStability(ctx context.Context, scope Scope, from time.Time) ([]stability.Sample, error) {
	out := []stability.Sample{}
	if len(scope.Nodes) > 0 {
		for _, n := range scope.Nodes {
			rec, ok, err := o.db.Latest(ctx, tsdb.Query{Kind: tsdb.KindStability, NodeID: n})
			if err != nil {
				return out, fmt.Errorf("load stability of %s: %w", n, err)
			}
			if !ok {
				continue
			}
			var s stability.Sample
			if err := rec.Decode(&s); err != nil {
				return out, err
			}
			out = append(out, s)
		}
		return out, nil
	}

	all, err := decodeAll[stability.Sample](ctx, o.db, tsdb.Query{Kind: tsdb.KindStability, Start: from})
	if err != nil {
		return out, fmt.Errorf("load stability samples: %w", err)
	}
	latest := map[string]stability.Sample{}
	for _, s := range all {
		latest[s.NodeID] = s
	}
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Summarize averages the consistency and stability scores stored over the
// last hours and counts findings by cause.
func (o *Orchestrator) Summarize(ctx context.Context, scope Scope, hours int) (Summary, error) {
	if hours <= 0 {
		hours = o.cfg.SummaryHours
	}
	to := o.now().UTC()
	sum := Summary{
		Hours:           hours,
		From:            to.Add(-time.Duration(hours) * time.Hour),
		To:              to,
		FindingsByCause: map[correlation.Cause]int{},
	}

	cons, err := decodeAll[consistency.Sample](ctx, o.db, tsdb.Query{Kind: tsdb.KindConsistency, Start: sum.From, End: sum.To})
	if err != nil {
		return sum, fmt.Errorf("summarize consistency: %w", err)
	}
	for _, c := range cons {
		if !scope.coversSample(c) {
			continue
		}
		sum.AvgConsistency += c.Score
		if sum.ConsistencyChecks == 0 || c.Score < sum.MinConsistency {
			sum.MinConsistency = c.Score
		}
		sum.ConsistencyChecks++
	}
	if sum.ConsistencyChecks > 0 {
		sum.AvgConsistency /= float64(sum.ConsistencyChecks)
	}

	stab, err := decodeAll[stability.Sample](ctx, o.db, tsdb.Query{Kind: tsdb.KindStability, Start: sum.From, End: sum.To})
	if err != nil {
		return sum, fmt.Errorf("summarize stability: %w", err)
	}
	for _, s := range stab {
		if !scope.includesNode(s.NodeID) {
			continue
		}
		sum.StabilitySamples++
		sum.AvgStability += s.StabilityScore
	}
	if sum.StabilitySamples > 0 {
		sum.AvgStability /= float64(sum.StabilitySamples)
	}

	findings, err := decodeAll[correlation.Finding](ctx, o.db, tsdb.Query{Kind: tsdb.KindFinding, Start: sum.From, End: sum.To})
	if err != nil {
		return sum, fmt.Errorf("summarize findings: %w", err)
	}
	for _, f := range latestRevisions(findings) {
		if !scope.includesNode(f.NodeID) {
			continue
		}
		sum.Findings++
		sum.FindingsByCause[f.Cause]++
	}
	return sum, nil
}

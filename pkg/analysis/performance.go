// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/stability"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

// PerformanceResult holds ranked findings for a time range. FailedNodes
// lists in-scope nodes whose rule history could not be used.
type PerformanceResult struct {
	Scope           Scope                 `json:"scope"`
	TimeRange       correlation.TimeRange `json:"time_range"`
	Findings        []correlation.Finding `json:"findings"`
	SamplesAnalyzed int                   `json:"samples_analyzed"`
	FailedNodes     []string              `json:"failed_nodes"`
}

// RunPerformanceAnalysis correlates stored rule history with performance
// samples over tr. Samples come from the store (ingested earlier) and,
// when configured, from the metrics source; fetched samples are persisted.
func (o *Orchestrator) RunPerformanceAnalysis(ctx context.Context, scope Scope, tr correlation.TimeRange) (PerformanceResult, error) {
	if tr.End.IsZero() {
		tr.End = o.now()
	}
	res := PerformanceResult{Scope: scope, TimeRange: tr, Findings: []correlation.Finding{}, FailedNodes: []string{}}

	perf, err := o.performanceSamples(ctx, scope, tr)
	if err != nil {
		return res, err
	}
	res.SamplesAnalyzed = len(perf)

	cons, err := decodeAll[consistency.Sample](ctx, o.db, tsdb.Query{Kind: tsdb.KindConsistency, Start: tr.Start, End: tr.End})
	if err != nil {
		return res, fmt.Errorf("load consistency history: %w", err)
	}

	stab, failed, err := o.stabilityOver(ctx, scope, tr)
	if err != nil {
		return res, err
	}
	res.FailedNodes = failed

	findings := correlation.Correlate(cons, stab, perf, tr, o.cfg.Correlation)
	res.Findings = findings

	recs := make([]tsdb.Record, 0, len(findings))
	for i, f := range findings {
		metrics.RecordFinding(string(f.Cause))
		stored, rec, err := o.storeFinding(ctx, f)
		if err != nil {
			return res, err
		}
		findings[i] = stored
		if rec != nil {
			recs = append(recs, *rec)
		}
	}
	o.export(ctx, recs...)

	o.logger.Info("performance analysis complete",
		"scope", scope.Name(),
		"samples", len(perf),
		"consistency_samples", len(cons),
		"stability_nodes", len(stab),
		"findings", len(findings),
	)
	return res, nil
}

// maxFindingRevisionAttempts bounds retries when concurrent analyses race
// for the same revision of a finding.
const maxFindingRevisionAttempts = 3

// storeFinding appends f as the next revision of its key unless the current
// revision already has the same content. The returned record is nil when
// nothing was written.
func (o *Orchestrator) storeFinding(ctx context.Context, f correlation.Finding) (correlation.Finding, *tsdb.Record, error) {
	for range maxFindingRevisionAttempts {
		current, ok, err := o.currentFinding(ctx, f)
		if err != nil {
			return f, nil, fmt.Errorf("load finding %s: %w", f.Key, err)
		}
		if ok && current.ID == f.ID {
			f.Revision = current.Revision
			return f, nil, nil
		}
		f.Revision = current.Revision + 1

		rec, err := findingRecord(f)
		if err != nil {
			return f, nil, err
		}
		err = o.db.Append(ctx, rec)
		switch {
		case err == nil:
			return f, &rec, nil
		case !errors.Is(err, tsdb.ErrConflict):
			return f, nil, fmt.Errorf("store finding: %w", err)
		}
	}
	return f, nil, fmt.Errorf("store finding %s: %w", f.Key, tsdb.ErrConflict)
}

// currentFinding returns the highest stored revision of f's key.
func (o *Orchestrator) currentFinding(ctx context.Context, f correlation.Finding) (correlation.Finding, bool, error) {
	stored, err := decodeAll[correlation.Finding](ctx, o.db, tsdb.Query{
		Kind:   tsdb.KindFinding,
		NodeID: f.NodeID,
		Start:  f.BucketStart,
		End:    f.BucketStart,
	})
	if err != nil {
		return correlation.Finding{}, false, err
	}
	var (
		current correlation.Finding
		found   bool
	)
	for _, s := range stored {
		if s.Key == f.Key && (!found || s.Revision > current.Revision) {
			current, found = s, true
		}
	}
	return current, found, nil
}

// latestRevisions keeps the highest revision of each finding key, in the
// order the keys first appear.
func latestRevisions(findings []correlation.Finding) []correlation.Finding {
	idx := make(map[string]int, len(findings))
	out := make([]correlation.Finding, 0, len(findings))
	for _, f := range findings {
		key := f.Key
		if key == "" {
			key = f.ID
		}
		i, ok := idx[key]
		switch {
		case !ok:
			idx[key] = len(out)
			out = append(out, f)
		case f.Revision > out[i].Revision:
			out[i] = f
		}
	}
	return out
}

// performanceSamples merges stored samples with those fetched from the
// metrics source. A source that keeps failing after retries is logged and
// analysis proceeds with stored samples alone.
func (o *Orchestrator) performanceSamples(ctx context.Context, scope Scope, tr correlation.TimeRange) ([]correlation.PerformanceSample, error) {
	stored, err := decodeAll[correlation.PerformanceSample](ctx, o.db, tsdb.Query{Kind: tsdb.KindPerformance, Start: tr.Start, End: tr.End})
	if err != nil {
		return nil, fmt.Errorf("load performance samples: %w", err)
	}

	byID := make(map[string]correlation.PerformanceSample, len(stored))
	for _, p := range stored {
		byID[p.ID] = p
	}

	if o.source != nil {
		fetched, err := backoff.Retry(ctx, func() ([]correlation.PerformanceSample, error) {
			fctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
			defer cancel()
			return o.source.FetchMetrics(fctx, scope, tr)
		}, o.retryOptions("fetch_metrics")...)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			o.logger.Warn("metrics source unavailable, using stored samples", "error", err)
		default:
			if _, err := o.IngestPerformance(ctx, fetched); err != nil {
				o.logger.Warn("failed to persist fetched samples", "error", err)
			}
			for _, p := range fetched {
				if p.ID == "" {
					p.ID = p.DefaultID()
				}
				byID[p.ID] = p
			}
		}
	}

	out := make([]correlation.PerformanceSample, 0, len(byID))
	for _, p := range byID {
		if scope.includesNode(p.NodeID) && scope.includesMetric(p.MetricName) && tr.Contains(p.Timestamp) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// stabilityOver observes each in-scope node's stored snapshots across tr.
// Nodes are discovered from the store when the scope names none.
func (o *Orchestrator) stabilityOver(ctx context.Context, scope Scope, tr correlation.TimeRange) (map[string]stability.Sample, []string, error) {
	bynode := make(map[string][]rules.Snapshot)
	if len(scope.Nodes) == 0 {
		all, err := decodeAll[rules.Snapshot](ctx, o.db, tsdb.Query{Kind: tsdb.KindRuleSnapshot, Start: tr.Start, End: tr.End})
		if err != nil {
			return nil, nil, fmt.Errorf("load snapshots: %w", err)
		}
		for _, s := range all {
			bynode[s.NodeID] = append(bynode[s.NodeID], s)
		}
	} else {
		for _, n := range scope.Nodes {
			snaps, err := decodeAll[rules.Snapshot](ctx, o.db, tsdb.Query{Kind: tsdb.KindRuleSnapshot, NodeID: n, Start: tr.Start, End: tr.End})
			if err != nil {
				return nil, nil, fmt.Errorf("load snapshots of %s: %w", n, err)
			}
			bynode[n] = snaps
		}
	}

	out := make(map[string]stability.Sample, len(bynode))
	failed := []string{}
	for node, snaps := range bynode {
		if len(snaps) == 0 {
			failed = append(failed, node)
			continue
		}
		sample, err := stability.Observe(mergeSnapshots(snaps), stability.Window{Start: tr.Start, End: tr.End})
		if err != nil {
			o.logger.Warn("stability observation failed", "node", node, "error", err)
			failed = append(failed, node)
			continue
		}
		out[node] = sample
	}
	sort.Strings(failed)
	return out, failed, nil
}

// IngestResult reports a performance ingestion.
type IngestResult struct {
	Accepted int `json:"accepted"`
}

// IngestPerformance stores pre-parsed performance samples, such as those
// derived from stress-test artifacts. Samples without an ID get a
// content-derived one, so re-ingesting the same data is a no-op. A sample
// that conflicts with stored data stops ingestion with a
// *tsdb.ConflictError; samples before it remain stored.
func (o *Orchestrator) IngestPerformance(ctx context.Context, samples []correlation.PerformanceSample) (IngestResult, error) {
	var res IngestResult
	for i, p := range samples {
		if strings.TrimSpace(p.MetricName) == "" || p.Timestamp.IsZero() {
			return res, fmt.Errorf("%w: sample %d needs a metric name and timestamp", ErrInvalidSample, i)
		}
		p.Timestamp = p.Timestamp.UTC()
		if p.ID == "" {
			p.ID = p.DefaultID()
		}
		rec, err := performanceRecord(p)
		if err != nil {
			return res, err
		}
		if err := o.db.Append(ctx, rec); err != nil {
			return res, err
		}
		res.Accepted++
	}
	return res, nil
}

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

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/stability"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

func snapshotRecord(s rules.Snapshot) (tsdb.Record, error) {
	return tsdb.NewRecord(tsdb.KindRuleSnapshot, s.ID, s.NodeID, s.ObservedAt, s)
}

func consistencyRecord(s consistency.Sample) (tsdb.Record, error) {
	return tsdb.NewRecord(tsdb.KindConsistency, s.ID, "", s.ObservedAt, s)
}

func stabilityRecord(s stability.Sample) (tsdb.Record, error) {
	return tsdb.NewRecord(tsdb.KindStability, s.ID, s.NodeID, s.WindowEnd, s)
}

func performanceRecord(s correlation.PerformanceSample) (tsdb.Record, error) {
	return tsdb.NewRecord(tsdb.KindPerformance, s.ID, s.NodeID, s.Timestamp, s)
}

func findingRecord(f correlation.Finding) (tsdb.Record, error) {
	entity := fmt.Sprintf("%s-r%d", f.Key, f.Revision)
	return tsdb.NewRecord(tsdb.KindFinding, entity, f.NodeID, f.BucketStart, f)
}

// snapshotSink persists snapshots handed over by a collector.Writer.
type snapshotSink struct {
	db *tsdb.DB
}

var _ collector.Sink = snapshotSink{}

func (s snapshotSink) AppendSnapshot(ctx context.Context, snap rules.Snapshot) error {
	rec, err := snapshotRecord(snap)
	if err != nil {
		return err
	}
	return s.db.Append(ctx, rec)
}

// decodeAll runs q and decodes every payload as T.
func decodeAll[T any](ctx context.Context, db *tsdb.DB, q tsdb.Query) ([]T, error) {
	var out []T
	for rec, err := range db.Query(ctx, q) {
		if err != nil {
			return out, err
		}
		var v T
		if err := rec.Decode(&v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// mergeSnapshots combines stored and still-buffered snapshots of one node
// into a strictly time-ordered series. A later copy at the same instant
// replaces an earlier one.
func mergeSnapshots(sets ...[]rules.Snapshot) []rules.Snapshot {
	byTime := make(map[int64]rules.Snapshot)
	for _, set := range sets {
		for _, s := range set {
			byTime[s.ObservedAt.UnixNano()] = s
		}
	}
	out := make([]rules.Snapshot, 0, len(byTime))
	for _, s := range byTime {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

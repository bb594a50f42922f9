// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stability measures rule churn between consecutive snapshots of a
// node and condenses it into a stability score.
package stability

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/loganrossus/egresswatch/pkg/rules"
)

// Window bounds the snapshots considered by Observe. Both ends are
// inclusive and zero values are unbounded.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return (w.Start.IsZero() || !t.Before(w.Start)) && (w.End.IsZero() || !t.After(w.End))
}

// ChurnEvent is a rule-set change between two adjacent snapshots.
type ChurnEvent struct {
	NodeID          string    `json:"node_id"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	AddedCount      int       `json:"added_count"`
	RemovedCount    int       `json:"removed_count"`
	IntervalSeconds float64   `json:"interval_seconds"`
	ChurnRate       float64   `json:"churn_rate"`
}

// Changes returns added plus removed rules.
func (e ChurnEvent) Changes() int {
	return e.AddedCount + e.RemovedCount
}

// Sample summarizes churn of one node over a window.
type Sample struct {
	ID            string       `json:"id"`
	NodeID        string       `json:"node_id"`
	WindowStart   time.Time    `json:"window_start"`
	WindowEnd     time.Time    `json:"window_end"`
	SnapshotCount int          `json:"snapshot_count"`
	Intervals     int          `json:"intervals"`
	ChurnEvents   []ChurnEvent `json:"churn_events"`
	// MeanIntervalSeconds is the average gap between adjacent snapshots,
	// the effective collection interval of the series.
	MeanIntervalSeconds float64 `json:"mean_interval_seconds"`
	MeanChurnRate       float64 `json:"mean_churn_rate"`
	StabilityScore      float64 `json:"stability_score"`
}

// Measured reports whether the window held enough snapshots to observe
// churn at all. An unmeasured sample scores 1.0 without evidence.
func (s Sample) Measured() bool {
	return s.Intervals > 0
}

// Observe computes the churn of a single node's snapshots inside window.
// Snapshots must be strictly increasing in ObservedAt; otherwise Observe
// fails with an *UnsortedInputError and does not reorder them. Every pair
// of adjacent snapshots in the window is one interval; intervals that
// changed the rule set produce a ChurnEvent. A rule whose match key is
// unchanged but whose content hash differs counts as one removal plus one
// addition.
func Observe(snapshots []rules.Snapshot, window Window) (Sample, error) {
	for i := 1; i < len(snapshots); i++ {
		prev, next := snapshots[i-1].ObservedAt, snapshots[i].ObservedAt
		if !next.After(prev) {
			return Sample{}, &UnsortedInputError{Index: i, Prev: prev, Next: next}
		}
	}

	var inWindow []rules.Snapshot
	nodeID := ""
	for _, s := range snapshots {
		if nodeID == "" {
			nodeID = s.NodeID
		} else if s.NodeID != nodeID {
			return Sample{}, fmt.Errorf("%w: %q and %q", ErrMixedNodes, nodeID, s.NodeID)
		}
		if window.Contains(s.ObservedAt) {
			inWindow = append(inWindow, s)
		}
	}

	sample := Sample{
		NodeID:         nodeID,
		WindowStart:    window.Start,
		WindowEnd:      window.End,
		SnapshotCount:  len(inWindow),
		ChurnEvents:    []ChurnEvent{},
		StabilityScore: 1.0,
	}
	if len(inWindow) > 0 {
		if sample.WindowStart.IsZero() {
			sample.WindowStart = inWindow[0].ObservedAt
		}
		if sample.WindowEnd.IsZero() {
			sample.WindowEnd = inWindow[len(inWindow)-1].ObservedAt
		}
	}
	sample.ID = sampleID(nodeID, sample.WindowStart, sample.WindowEnd, inWindow)
	if len(inWindow) < 2 {
		return sample, nil
	}

	var rateSum, intervalSum float64
	prevSet := contentSet(inWindow[0])
	for i := 1; i < len(inWindow); i++ {
		from, to := inWindow[i-1], inWindow[i]
		nextSet := contentSet(to)
		added, removed := diff(prevSet, nextSet)
		interval := to.ObservedAt.Sub(from.ObservedAt).Seconds()
		rate := float64(added+removed) / interval

		sample.Intervals++
		rateSum += rate
		intervalSum += interval
		if added+removed > 0 {
			sample.ChurnEvents = append(sample.ChurnEvents, ChurnEvent{
				NodeID:          nodeID,
				From:            from.ObservedAt,
				To:              to.ObservedAt,
				AddedCount:      added,
				RemovedCount:    removed,
				IntervalSeconds: interval,
				ChurnRate:       rate,
			})
		}
		prevSet = nextSet
	}

	sample.MeanChurnRate = rateSum / float64(sample.Intervals)
	sample.MeanIntervalSeconds = intervalSum / float64(sample.Intervals)
	sample.StabilityScore = Score(sample.MeanChurnRate)
	return sample, nil
}

// Score maps a mean churn rate to (0, 1]: zero churn is 1.0 and the score
// decreases monotonically toward 0 as churn grows.
func Score(meanChurnRate float64) float64 {
	if meanChurnRate <= 0 {
		return 1.0
	}
	return 1 / (1 + meanChurnRate)
}

// contentSet identifies each rule by key and content hash, so that a
// mutated rule leaves one element and adds another.
func contentSet(s rules.Snapshot) map[string]struct{} {
	set := make(map[string]struct{}, len(s.Rules))
	for _, e := range s.Rules {
		set[e.Key().String()+"\x00"+e.RawHash] = struct{}{}
	}
	return set
}

func diff(prev, next map[string]struct{}) (added, removed int) {
	for k := range next {
		if _, ok := prev[k]; !ok {
			added++
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			removed++
		}
	}
	return added, removed
}

func sampleID(nodeID string, start, end time.Time, snaps []rules.Snapshot) string {
	d := xxhash.New()
	_, _ = d.WriteString(start.UTC().Format(time.RFC3339Nano))
	_, _ = d.WriteString(end.UTC().Format(time.RFC3339Nano))
	for _, s := range snaps {
		_, _ = d.WriteString(s.ID)
	}
	return fmt.Sprintf("stability-%s-%016x", nodeID, d.Sum64())
}

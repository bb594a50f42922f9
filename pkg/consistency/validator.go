// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package consistency scores how well the rule tables of several nodes
// agree with each other, or with the rule shape expected from EgressIP
// definitions.
package consistency

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/loganrossus/egresswatch/pkg/rules"
)

// Sample is the result of one consistency check. Score is exactly 1.0 when
// and only when all three anomaly lists are empty.
type Sample struct {
	ID              string         `json:"id"`
	ObservedAt      time.Time      `json:"observed_at"`
	Score           float64        `json:"score"`
	MissingRules    []rules.Ref    `json:"missing_rules"`
	ExtraRules      []rules.Ref    `json:"extra_rules"`
	DuplicateRules  []rules.Ref    `json:"duplicate_rules"`
	PerNodeCounts   map[string]int `json:"per_node_counts"`
	UnionSize       int            `json:"union_size"`
	Baseline        bool           `json:"baseline"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// Consistent reports whether no anomaly was found.
func (s Sample) Consistent() bool {
	return len(s.MissingRules) == 0 && len(s.ExtraRules) == 0 && len(s.DuplicateRules) == 0
}

// Anomalies returns the total anomaly count.
func (s Sample) Anomalies() int {
	return len(s.MissingRules) + len(s.ExtraRules) + len(s.DuplicateRules)
}

// Validate compares snapshots taken at roughly the same instant.
//
// Without a baseline (expected == nil) a rule is missing from a node when
// at least one peer holds it. With a baseline, a rule is missing from a
// node when the baseline expects it there and the node lacks it (or holds
// it with a different action), and extra when the node holds a rule the
// baseline does not expect anywhere. In both modes a node holding several
// entries with the same (owner, match) key reports every entry beyond the
// first as a duplicate.
//
// Validate is deterministic: identical inputs give identical samples.
func Validate(snapshots map[string]rules.Snapshot, expected rules.Expected) Sample {
	nodes := make([]string, 0, len(snapshots))
	for n := range snapshots {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	sample := Sample{
		PerNodeCounts: make(map[string]int, len(nodes)),
		Baseline:      expected != nil,
	}

	present := make(map[string]map[rules.RuleKey][]rules.Entry, len(nodes))
	union := make(map[rules.RuleKey]struct{})
	for _, n := range nodes {
		snap := snapshots[n]
		byKey := snap.ByKey()
		present[n] = byKey
		sample.PerNodeCounts[n] = snap.Len()
		for k := range byKey {
			union[k] = struct{}{}
		}
		if snap.ObservedAt.After(sample.ObservedAt) {
			sample.ObservedAt = snap.ObservedAt
		}
	}

	want := canonicalExpected(expected)
	for k := range want {
		union[k] = struct{}{}
	}

	keys := make([]rules.RuleKey, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	for _, k := range keys {
		if expected == nil {
			sample.MissingRules = append(sample.MissingRules, peerMissing(k, nodes, present)...)
		} else {
			sample.MissingRules = append(sample.MissingRules, baselineMissing(k, want[k], nodes, present)...)
			if _, ok := want[k]; !ok {
				for _, n := range nodes {
					for _, e := range present[n][k] {
						sample.ExtraRules = append(sample.ExtraRules, e.Ref())
					}
				}
			}
		}
		for _, n := range nodes {
			if entries := present[n][k]; len(entries) > 1 {
				for _, e := range entries[1:] {
					sample.DuplicateRules = append(sample.DuplicateRules, e.Ref())
				}
			}
		}
	}

	sample.UnionSize = len(keys)
	sample.Score = score(sample.Anomalies(), len(keys))
	sample.Recommendations = Recommend(sample)
	sample.ID = sampleID(nodes, snapshots, want)
	return sample
}

// score is 1 - anomalies/max(1, union), clamped to [0, 1].
func score(anomalies, union int) float64 {
	if anomalies == 0 {
		return 1.0
	}
	if union < 1 {
		union = 1
	}
	s := 1 - float64(anomalies)/float64(union)
	if s < 0 {
		return 0
	}
	return s
}

func peerMissing(k rules.RuleKey, nodes []string, present map[string]map[rules.RuleKey][]rules.Entry) []rules.Ref {
	holders := 0
	for _, n := range nodes {
		if len(present[n][k]) > 0 {
			holders++
		}
	}
	if holders == 0 || holders == len(nodes) {
		return nil
	}
	var out []rules.Ref
	for _, n := range nodes {
		if len(present[n][k]) == 0 {
			out = append(out, rules.Ref{NodeID: n, OwnerID: k.OwnerID, Match: k.Match})
		}
	}
	return out
}

func baselineMissing(k rules.RuleKey, want []rules.ExpectedRule, nodes []string, present map[string]map[rules.RuleKey][]rules.Entry) []rules.Ref {
	var out []rules.Ref
	for _, n := range nodes {
		for _, r := range want {
			if !r.AppliesTo(n) || holds(present[n][k], r.Action) {
				continue
			}
			out = append(out, rules.Ref{NodeID: n, OwnerID: k.OwnerID, Match: k.Match, Action: r.Action})
			break
		}
	}
	return out
}

// holds reports whether entries contain a rule with the expected action.
// An empty expected action accepts any entry.
func holds(entries []rules.Entry, action string) bool {
	for _, e := range entries {
		if action == "" || e.Action == action {
			return true
		}
	}
	return false
}

// canonicalExpected indexes the baseline by canonical rule key.
func canonicalExpected(expected rules.Expected) map[rules.RuleKey][]rules.ExpectedRule {
	out := make(map[rules.RuleKey][]rules.ExpectedRule)
	for owner, rs := range expected {
		for _, r := range rs {
			r.Match = r.Match.Canonical()
			if r.Action != "" {
				r.Action = rules.CanonicalAction(r.Action)
			}
			k := rules.RuleKey{OwnerID: owner, Match: r.Match}
			out[k] = append(out[k], r)
		}
	}
	return out
}

func sampleID(nodes []string, snapshots map[string]rules.Snapshot, want map[rules.RuleKey][]rules.ExpectedRule) string {
	d := xxhash.New()
	for _, n := range nodes {
		_, _ = d.WriteString(snapshots[n].ID)
		_, _ = d.WriteString("\x00")
	}
	keys := make([]rules.RuleKey, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		_, _ = d.WriteString(k.String())
		for _, r := range want[k] {
			_, _ = fmt.Fprintf(d, "|%s|%v", r.Action, r.Nodes)
		}
		_, _ = d.WriteString("\x00")
	}
	return fmt.Sprintf("consistency-%016x", d.Sum64())
}

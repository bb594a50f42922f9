// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is the rule table of one node at one instant. Rules are held in
// canonical order with exact duplicates removed, so a snapshot behaves as a
// set regardless of the order the node agent reported them in.
type Snapshot struct {
	ID         string    `json:"snapshot_id"`
	NodeID     string    `json:"node_id"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
	Rules      []Entry   `json:"rules"`
}

// NewSnapshot normalizes entries, stamps them with nodeID and derives a
// content-addressed snapshot ID.
func NewSnapshot(nodeID string, observedAt time.Time, source string, entries []Entry) Snapshot {
	normalized := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e.NodeID = nodeID
		e = e.Normalize()
		id := e.Key().String() + "\x00" + e.RawHash
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, e)
	}
	sortEntries(normalized)

	s := Snapshot{
		NodeID:     nodeID,
		ObservedAt: observedAt.UTC(),
		Source:     source,
		Rules:      normalized,
	}
	s.ID = snapshotID(s)
	return s
}

// Len returns the number of rules in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Rules)
}

// ByKey groups the snapshot's rules by cross-node identity. More than one
// entry under a key means the node holds conflicting copies of a rule.
func (s Snapshot) ByKey() map[RuleKey][]Entry {
	out := make(map[RuleKey][]Entry, len(s.Rules))
	for _, e := range s.Rules {
		k := e.Key()
		out[k] = append(out[k], e)
	}
	return out
}

// CountByKind returns rule counts per kind.
func (s Snapshot) CountByKind() map[Kind]int {
	out := make(map[Kind]int, 2)
	for _, e := range s.Rules {
		out[e.Kind()]++
	}
	return out
}

func snapshotID(s Snapshot) string {
	d := xxhash.New()
	_, _ = d.WriteString(s.NodeID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(s.ObservedAt.Format(time.RFC3339Nano))
	for _, e := range s.Rules {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(e.RawHash)
	}
	return fmt.Sprintf("%s-%016x", s.NodeID, d.Sum64())
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		ki, kj := entries[i].Key(), entries[j].Key()
		if ki != kj {
			return ki.Less(kj)
		}
		return entries[i].RawHash < entries[j].RawHash
	})
}

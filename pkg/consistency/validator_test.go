// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package consistency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loganrossus/egresswatch/pkg/rules"
)

var at = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func snat(owner, src, ext string) rules.Entry {
	return rules.Entry{OwnerID: owner, Match: rules.MatchKey{Kind: rules.KindSNAT, Source: src}, Action: "snat " + ext}
}

func snaps(tables map[string][]rules.Entry) map[string]rules.Snapshot {
	out := make(map[string]rules.Snapshot, len(tables))
	for n, entries := range tables {
		out[n] = rules.NewSnapshot(n, at, "test", entries)
	}
	return out
}

func TestValidate_AllConsistent(t *testing.T) {
	r1 := snat("eip1", "10.0.0.5", "172.18.0.10")
	r2 := snat("eip2", "10.0.0.6", "172.18.0.11")
	s := Validate(snaps(map[string][]rules.Entry{
		"a": {r1, r2},
		"b": {r2, r1},
		"c": {r1, r2},
	}), nil)

	assert.Equal(t, 1.0, s.Score)
	assert.True(t, s.Consistent())
	assert.Equal(t, map[string]int{"a": 2, "b": 2, "c": 2}, s.PerNodeCounts)
	assert.Equal(t, 2, s.UnionSize)
	assert.Equal(t, at, s.ObservedAt)
}

func TestValidate_EmptyUniverse(t *testing.T) {
	s := Validate(snaps(map[string][]rules.Entry{"a": nil, "b": nil}), nil)
	assert.Equal(t, 1.0, s.Score)
	assert.True(t, s.Consistent())

	s = Validate(nil, nil)
	assert.Equal(t, 1.0, s.Score)
}

func TestValidate_MissingOnOneOfThree(t *testing.T) {
	r := snat("eip1", "10.0.0.5/32", "172.18.0.10")
	s := Validate(snaps(map[string][]rules.Entry{
		"A": {r},
		"B": {r},
		"C": nil,
	}), nil)

	require.Len(t, s.MissingRules, 1)
	miss := s.MissingRules[0]
	assert.Equal(t, "C", miss.NodeID)
	assert.Equal(t, "eip1", miss.OwnerID)
	assert.Equal(t, "10.0.0.5/32", miss.Match.Source)
	assert.Empty(t, s.ExtraRules)
	assert.Empty(t, s.DuplicateRules)
	assert.Equal(t, 0.0, s.Score)
}

func TestValidate_Duplicates(t *testing.T) {
	s := Validate(snaps(map[string][]rules.Entry{
		"a": {snat("eip1", "10.0.0.5", "172.18.0.10"), snat("eip1", "10.0.0.5", "172.18.0.99")},
		"b": {snat("eip1", "10.0.0.5", "172.18.0.10")},
	}), nil)

	require.Len(t, s.DuplicateRules, 1)
	assert.Equal(t, "a", s.DuplicateRules[0].NodeID)
	assert.Empty(t, s.MissingRules)
	assert.Equal(t, 0.0, s.Score)
	assert.Less(t, s.Score, 1.0)
}

func TestValidate_ScoreMonotonic(t *testing.T) {
	rs := []rules.Entry{
		snat("eip1", "10.0.0.1", "1.1.1.1"),
		snat("eip1", "10.0.0.2", "1.1.1.1"),
		snat("eip1", "10.0.0.3", "1.1.1.1"),
		snat("eip1", "10.0.0.4", "1.1.1.1"),
	}
	prev := 1.1
	// Drop one more rule from node c at each step; the universe stays fixed.
	for drop := 0; drop <= len(rs); drop++ {
		s := Validate(snaps(map[string][]rules.Entry{
			"a": rs,
			"b": rs,
			"c": rs[drop:],
		}), nil)
		assert.Len(t, s.MissingRules, drop)
		assert.LessOrEqual(t, s.Score, prev)
		assert.GreaterOrEqual(t, s.Score, 0.0)
		prev = s.Score
	}
}

func TestValidate_Baseline(t *testing.T) {
	expected := rules.Expected{
		"eip1": {{Match: rules.MatchKey{Kind: rules.KindSNAT, Source: "10.0.0.5"}, Action: "SNAT 172.18.0.10"}},
		"eip2": {{Match: rules.MatchKey{Kind: rules.KindSNAT, Source: "10.0.0.6"}, Action: "snat 172.18.0.11", Nodes: []string{"a"}}},
	}
	s := Validate(snaps(map[string][]rules.Entry{
		"a": {snat("eip1", "10.0.0.5", "172.18.0.10"), snat("stale", "10.0.0.9", "172.18.0.50")},
		"b": {snat("eip1", "10.0.0.5", "172.18.0.77")},
	}), expected)

	assert.True(t, s.Baseline)
	assert.Equal(t, 3, s.UnionSize)

	missing := map[string]string{}
	for _, m := range s.MissingRules {
		missing[m.NodeID+"/"+m.OwnerID] = m.Action
	}
	assert.Equal(t, map[string]string{
		"a/eip2": "snat 172.18.0.11",
		"b/eip1": "snat 172.18.0.10", // wrong action counts as missing
	}, missing)

	require.Len(t, s.ExtraRules, 1)
	assert.Equal(t, "stale", s.ExtraRules[0].OwnerID)
	assert.InDelta(t, 0.0, s.Score, 1e-9)
}

func TestValidate_BaselineAllPresent(t *testing.T) {
	expected := rules.Expected{
		"eip1": {{Match: rules.MatchKey{Kind: rules.KindSNAT, Source: "10.0.0.5/32"}}},
	}
	s := Validate(snaps(map[string][]rules.Entry{
		"a": {snat("eip1", "10.0.0.5", "172.18.0.10")},
	}), expected)
	assert.Equal(t, 1.0, s.Score)
}

func TestValidate_Deterministic(t *testing.T) {
	in := snaps(map[string][]rules.Entry{
		"a": {snat("eip1", "10.0.0.5", "1.1.1.1"), snat("eip2", "10.0.0.6", "1.1.1.2")},
		"b": {snat("eip2", "10.0.0.6", "1.1.1.2")},
		"c": {snat("eip1", "10.0.0.5", "1.1.1.1")},
	})
	first := Validate(in, nil)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Validate(in, nil))
	}
}

func TestRecommend(t *testing.T) {
	ok := Recommend(Sample{PerNodeCounts: map[string]int{"a": 1}, UnionSize: 1})
	assert.Equal(t, []string{"Rule state is consistent - continue periodic validation"}, ok)

	empty := Recommend(Sample{PerNodeCounts: map[string]int{"a": 0}})
	assert.Contains(t, empty[0], "No SNAT or LRP rules")

	recs := Recommend(Sample{
		MissingRules:   []rules.Ref{{NodeID: "c"}},
		DuplicateRules: []rules.Ref{{NodeID: "a"}},
		UnionSize:      2,
	})
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0], "[c]")
	assert.Contains(t, recs[1], "conflicting duplicate")
}

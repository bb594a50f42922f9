// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package consistency

import (
	"fmt"
	"sort"

	"github.com/loganrossus/egresswatch/pkg/rules"
)

// Recommend returns operator guidance for the anomalies in s.
func Recommend(s Sample) []string {
	var out []string

	if len(s.PerNodeCounts) > 0 && s.UnionSize == 0 {
		out = append(out, "No SNAT or LRP rules found on any node - check that EgressIP objects are configured and assigned")
	}

	if n := len(s.MissingRules); n > 0 {
		nodes := distinctNodes(s.MissingRules)
		if s.Baseline {
			out = append(out, fmt.Sprintf("%d expected rules are missing on %s - check OVN rule creation for the affected EgressIPs", n, nodeList(nodes)))
		} else {
			out = append(out, fmt.Sprintf("%d rules present on peers are missing on %s - check ovnkube-controller sync on those nodes", n, nodeList(nodes)))
		}
	}
	if n := len(s.ExtraRules); n > 0 {
		out = append(out, fmt.Sprintf("Found %d unexpected rules - check for stale rules left behind by deleted or reassigned EgressIPs", n))
	}
	if n := len(s.DuplicateRules); n > 0 {
		out = append(out, fmt.Sprintf("Found %d conflicting duplicate rules - the same match key maps to different actions on %s", n, nodeList(distinctNodes(s.DuplicateRules))))
	}
	if len(out) == 0 {
		out = append(out, "Rule state is consistent - continue periodic validation")
	}
	return out
}

func distinctNodes(refs []rules.Ref) []string {
	seen := map[string]struct{}{}
	for _, r := range refs {
		seen[r.NodeID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func nodeList(nodes []string) string {
	const shown = 5
	if len(nodes) <= shown {
		return fmt.Sprintf("%v", nodes)
	}
	return fmt.Sprintf("%v and %d more", nodes[:shown], len(nodes)-shown)
}

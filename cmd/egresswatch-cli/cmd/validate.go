// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/output"
	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/rules"
)

// errInconsistent is returned with --fail-on-inconsistent.
var errInconsistent = errors.New("rules are inconsistent across nodes")

func newValidateCmd(o *options) *cobra.Command {
	var failOnInconsistent bool

	cmd := &cobra.Command{
		Use:   "validate [node...]",
		Short: "Check rule consistency across nodes",
		Long: `Collect SNAT and LRP rules from the given nodes (default: all configured)
and report missing, extra and duplicate rules.

Examples:
  egresswatch-cli validate
  egresswatch-cli validate worker-1 worker-2 --fail-on-inconsistent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res analysis.ConsistencyResult
			body := map[string][]string{"nodes": args}
			if err := newAPIClient(o).Post(cmd.Context(), "/api/v1/consistency", body, &res); err != nil {
				return fmt.Errorf("consistency check failed: %w", err)
			}

			if o.formatter.JSON() {
				if err := o.formatter.Print(res); err != nil {
					return err
				}
			} else {
				printConsistency(o.formatter, res)
			}

			if failOnInconsistent && !res.Sample.Consistent() {
				return errInconsistent
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnInconsistent, "fail-on-inconsistent", false, "Exit non-zero when any anomaly is found")
	return cmd
}

func printConsistency(f *output.Formatter, res analysis.ConsistencyResult) {
	s := res.Sample
	mode := "peer agreement"
	if s.Baseline {
		mode = "EgressIP baseline"
	}

	verdict := "Rules are consistent."
	if !s.Consistent() {
		verdict = fmt.Sprintf("Found %d anomalies.", s.Anomalies())
	}
	f.PrintMessage(verdict)
	f.PrintKeyValue([]output.KVPair{
		{Key: "Score", Value: formatScore(s.Score)},
		{Key: "Compared against", Value: mode},
		{Key: "Distinct rules", Value: strconv.Itoa(s.UnionSize)},
		{Key: "Missing", Value: strconv.Itoa(len(s.MissingRules))},
		{Key: "Extra", Value: strconv.Itoa(len(s.ExtraRules))},
		{Key: "Duplicate", Value: strconv.Itoa(len(s.DuplicateRules))},
		{Key: "Attempts", Value: strconv.Itoa(res.Attempts)},
		{Key: "Failed nodes", Value: listOrNone(res.FailedNodes)},
	})

	nodes := make([]string, 0, len(s.PerNodeCounts))
	for node := range s.PerNodeCounts {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	counts := make([][]string, 0, len(nodes))
	for _, node := range nodes {
		counts = append(counts, []string{node, strconv.Itoa(s.PerNodeCounts[node])})
	}
	f.PrintMessage("")
	f.PrintTable([]string{"NODE", "RULES"}, counts)

	if !s.Consistent() {
		var rows [][]string
		rows = appendRefs(rows, "missing", s.MissingRules)
		rows = appendRefs(rows, "extra", s.ExtraRules)
		rows = appendRefs(rows, "duplicate", s.DuplicateRules)
		f.PrintMessage("")
		f.PrintTable([]string{"ANOMALY", "NODE", "OWNER", "MATCH", "ACTION"}, rows)
	}

	if len(s.Recommendations) > 0 {
		f.PrintMessage("\nRecommendations:")
		for _, r := range s.Recommendations {
			f.PrintMessage("  - " + r)
		}
	}
}

func appendRefs(rows [][]string, anomaly string, refs []rules.Ref) [][]string {
	for _, r := range refs {
		rows = append(rows, []string{anomaly, r.NodeID, coalesce(r.OwnerID, "-"), r.Match.String(), coalesce(r.Action, "-")})
	}
	return rows
}

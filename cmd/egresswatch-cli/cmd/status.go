// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/output"
	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/stability"
)

func newStatusCmd(o *options) *cobra.Command {
	var nodes, metrics []string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest analysis results",
		Long: `Display the latest consistency score, per-node stability, the most
confident bottleneck findings and the history summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status analysis.Status
			if err := newAPIClient(o).Get(cmd.Context(), "/api/v1/status", scopeQuery(nodes, metrics), &status); err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if o.formatter.JSON() {
				return o.formatter.Print(status)
			}

			consistencyScore := "no data"
			if status.Consistency != nil {
				consistencyScore = fmt.Sprintf("%s (%d anomalies)",
					formatScore(status.Consistency.Score), status.Consistency.Anomalies())
			}

			o.formatter.PrintMessage(fmt.Sprintf("EgressWatch status for %s", status.Scope.Name()))
			o.formatter.PrintKeyValue([]output.KVPair{
				{Key: "Consistency", Value: consistencyScore},
				{Key: "Last collection", Value: formatTime(status.LastCollection)},
				{Key: "Failed nodes", Value: listOrNone(status.FailedNodes)},
				{Key: "Active sessions", Value: strconv.Itoa(status.ActiveSessions)},
				{Key: "Pending snapshots", Value: strconv.Itoa(status.PendingSnapshots)},
				{Key: "Dropped snapshots", Value: strconv.Itoa(status.DroppedSnapshots)},
			})

			o.formatter.PrintMessage("\nStability:")
			printStability(o.formatter, status.Stability)

			o.formatter.PrintMessage("\nFindings:")
			printFindings(o.formatter, status.Findings)

			o.formatter.PrintMessage(fmt.Sprintf("\nLast %dh:", status.Summary.Hours))
			o.formatter.PrintKeyValue(summaryPairs(status.Summary))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "Restrict to these nodes (default: all configured)")
	cmd.Flags().StringSliceVar(&metrics, "metrics", nil, "Restrict findings to these metrics")
	return cmd
}

func newSummaryCmd(o *options) *cobra.Command {
	var (
		nodes []string
		hours int
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize recorded history",
		Long:  `Aggregate consistency, stability and findings over the last hours.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := scopeQuery(nodes, nil)
			if hours > 0 {
				query.Set("hours", strconv.Itoa(hours))
			}

			var summary analysis.Summary
			if err := newAPIClient(o).Get(cmd.Context(), "/api/v1/summary", query, &summary); err != nil {
				return fmt.Errorf("failed to get summary: %w", err)
			}
			if o.formatter.JSON() {
				return o.formatter.Print(summary)
			}

			o.formatter.PrintMessage(fmt.Sprintf("Summary from %s to %s",
				formatTime(summary.From), formatTime(summary.To)))
			o.formatter.PrintKeyValue(summaryPairs(summary))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "Restrict to these nodes")
	cmd.Flags().IntVar(&hours, "hours", 0, "Hours of history (default: server setting)")
	return cmd
}

func summaryPairs(s analysis.Summary) []output.KVPair {
	causes := make([]string, 0, len(s.FindingsByCause))
	for cause, n := range s.FindingsByCause {
		causes = append(causes, fmt.Sprintf("%s=%d", cause, n))
	}
	slices.Sort(causes)

	return []output.KVPair{
		{Key: "Consistency checks", Value: strconv.Itoa(s.ConsistencyChecks)},
		{Key: "Consistency avg/min", Value: fmt.Sprintf("%s / %s", formatScore(s.AvgConsistency), formatScore(s.MinConsistency))},
		{Key: "Stability samples", Value: strconv.Itoa(s.StabilitySamples)},
		{Key: "Stability avg", Value: formatScore(s.AvgStability)},
		{Key: "Findings", Value: strconv.Itoa(s.Findings)},
		{Key: "By cause", Value: listOrNone(causes)},
	}
}

func printStability(f *output.Formatter, samples []stability.Sample) {
	rows := make([][]string, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, []string{
			s.NodeID,
			string(stability.Assess(s).Level),
			formatScore(s.StabilityScore),
			strconv.Itoa(len(s.ChurnEvents)),
			strconv.Itoa(s.SnapshotCount),
			formatTime(s.WindowEnd),
		})
	}
	f.PrintTable([]string{"NODE", "STABILITY", "SCORE", "CHURN EVENTS", "SNAPSHOTS", "WINDOW END"}, rows)
}

func printFindings(f *output.Formatter, findings []correlation.Finding) {
	rows := make([][]string, 0, len(findings))
	for _, fd := range findings {
		rows = append(rows, []string{
			string(fd.Cause),
			fmt.Sprintf("%.2f", fd.Confidence),
			fd.MetricName,
			coalesce(fd.NodeID, "cluster"),
			formatTime(fd.BucketStart),
			fmt.Sprintf("%+.2f", fd.Delta),
			fd.Recommendation,
		})
	}
	f.PrintTable([]string{"CAUSE", "CONFIDENCE", "METRIC", "NODE", "BUCKET", "DELTA", "RECOMMENDATION"}, rows)
}

// scopeQuery encodes a node and metric scope as query parameters.
func scopeQuery(nodes, metrics []string) url.Values {
	q := url.Values{}
	if len(nodes) > 0 {
		q.Set("nodes", strings.Join(nodes, ","))
	}
	if len(metrics) > 0 {
		q.Set("metrics", strings.Join(metrics, ","))
	}
	return q
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func listOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

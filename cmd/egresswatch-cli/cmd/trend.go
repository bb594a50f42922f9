// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/pkg/analysis"
)

func newTrendCmd(o *options) *cobra.Command {
	var (
		nodes, metrics []string
		days           int
	)

	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Show how recorded series moved over the last days",
		Long: `Compare the first and second half of the daily averages of the
consistency score, the stability score, the SNAT and LRP rule counts and
every performance metric. A change beyond 10% is reported as increasing or
decreasing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := scopeQuery(nodes, metrics)
			if days > 0 {
				query.Set("days", strconv.Itoa(days))
			}

			var report analysis.TrendReport
			if err := newAPIClient(o).Get(cmd.Context(), "/api/v1/trend", query, &report); err != nil {
				return fmt.Errorf("failed to get trend: %w", err)
			}
			if o.formatter.JSON() {
				return o.formatter.Print(report)
			}

			o.formatter.PrintMessage(fmt.Sprintf("Trend over %d days from %s to %s",
				report.Days, formatTime(report.From), formatTime(report.To)))
			o.formatter.PrintTable([]string{"SERIES", "TREND", "FIRST HALF", "SECOND HALF", "CHANGE", "DAYS"}, trendRows(report))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "Restrict to these nodes")
	cmd.Flags().StringSliceVar(&metrics, "metrics", nil, "Restrict to these performance metrics")
	cmd.Flags().IntVar(&days, "days", 0, "Days of history (default: 7)")
	return cmd
}

func trendRows(r analysis.TrendReport) [][]string {
	row := func(name string, t analysis.SeriesTrend) []string {
		change := "-"
		if t.Direction != analysis.TrendInsufficientData {
			change = fmt.Sprintf("%+.1f%%", t.ChangePercent)
		}
		return []string{
			name,
			string(t.Direction),
			formatScore(t.FirstHalfAvg),
			formatScore(t.SecondHalfAvg),
			change,
			strconv.Itoa(len(t.Points)),
		}
	}

	rows := [][]string{
		row("consistency", r.Consistency),
		row("stability", r.Stability),
		row("snat_rules", r.SNATRules),
		row("lrp_rules", r.LRPRules),
	}
	names := make([]string, 0, len(r.Performance))
	for name := range r.Performance {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		rows = append(rows, row(name, r.Performance[name]))
	}
	return rows
}

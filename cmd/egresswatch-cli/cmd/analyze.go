// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/output"
	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/api"
)

func newAnalyzeCmd(o *options) *cobra.Command {
	var (
		nodes, metrics []string
		since          time.Duration
		start, end     string
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Correlate rule behavior with performance regressions",
		Long: `Correlate stored rule history with performance samples and list the
bottleneck findings, most confident first.

Examples:
  egresswatch-cli analyze --since 2h
  egresswatch-cli analyze --metrics p95_latency --start 2025-06-01T10:00:00Z --end 2025-06-01T12:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := performanceRequest(nodes, metrics, since, start, end, time.Now())
			if err != nil {
				return err
			}

			var res analysis.PerformanceResult
			if err := newAPIClient(o).Post(cmd.Context(), "/api/v1/performance", req, &res); err != nil {
				return fmt.Errorf("performance analysis failed: %w", err)
			}
			if o.formatter.JSON() {
				return o.formatter.Print(res)
			}

			o.formatter.PrintKeyValue([]output.KVPair{
				{Key: "Range", Value: fmt.Sprintf("%s to %s", formatTime(res.TimeRange.Start), formatTime(res.TimeRange.End))},
				{Key: "Samples analyzed", Value: strconv.Itoa(res.SamplesAnalyzed)},
				{Key: "Findings", Value: strconv.Itoa(len(res.Findings))},
				{Key: "Failed nodes", Value: listOrNone(res.FailedNodes)},
			})
			o.formatter.PrintMessage("")
			printFindings(o.formatter, res.Findings)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "Restrict to these nodes")
	cmd.Flags().StringSliceVar(&metrics, "metrics", nil, "Restrict to these metrics")
	cmd.Flags().DurationVar(&since, "since", time.Hour, "Analyze this far back from --end")
	cmd.Flags().StringVar(&start, "start", "", "Range start, RFC 3339 (overrides --since)")
	cmd.Flags().StringVar(&end, "end", "", "Range end, RFC 3339 (default: now)")
	return cmd
}

// performanceRequest resolves the analysis range from the flags.
func performanceRequest(nodes, metrics []string, since time.Duration, start, end string, now time.Time) (api.PerformanceRequest, error) {
	req := api.PerformanceRequest{Nodes: nodes, Metrics: metrics, End: now.UTC()}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return req, fmt.Errorf("invalid --end: %w", err)
		}
		req.End = t
	}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return req, fmt.Errorf("invalid --start: %w", err)
		}
		req.Start = t
	} else {
		if since <= 0 {
			return req, fmt.Errorf("--since must be positive")
		}
		req.Start = req.End.Add(-since)
	}
	if req.End.Before(req.Start) {
		return req, fmt.Errorf("--end must not precede --start")
	}
	return req, nil
}

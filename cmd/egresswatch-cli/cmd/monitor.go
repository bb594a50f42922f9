// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/output"
	"github.com/loganrossus/egresswatch/pkg/analysis"
)

func newMonitorCmd(o *options) *cobra.Command {
	var (
		window, interval, duration time.Duration
		ticks                      int
	)

	cmd := &cobra.Command{
		Use:   "monitor [node...]",
		Short: "Watch rule churn and stability live",
		Long: `Start a monitoring session and print per-node stability after every poll.
The session ends after --ticks polls, after --duration, or on Ctrl-C.
With --json every update is printed as one JSON line.

Examples:
  egresswatch-cli monitor --interval 10s --ticks 30
  egresswatch-cli monitor worker-1 --window 5m --duration 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if len(args) > 0 {
				query.Set("nodes", strings.Join(args, ","))
			}
			setDuration(query, "window", window)
			setDuration(query, "interval", interval)
			setDuration(query, "duration", duration)
			if ticks > 0 {
				query.Set("ticks", strconv.Itoa(ticks))
			}

			out := cmd.OutOrStdout()
			err := newAPIClient(o).Stream(cmd.Context(), "/api/v1/monitor", query, func(line []byte) error {
				if o.formatter.JSON() {
					_, err := fmt.Fprintf(out, "%s\n", line)
					return err
				}
				var u analysis.StabilityUpdate
				if err := json.Unmarshal(line, &u); err != nil {
					return fmt.Errorf("invalid update: %w", err)
				}
				printUpdate(o.formatter, u)
				return nil
			})
			if err != nil {
				return fmt.Errorf("monitoring failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&window, "window", 0, "Sliding window (default: server setting)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (default: server setting)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "Stop after this many polls")
	return cmd
}

func setDuration(q url.Values, name string, d time.Duration) {
	if d > 0 {
		q.Set(name, d.String())
	}
}

func printUpdate(f *output.Formatter, u analysis.StabilityUpdate) {
	f.PrintMessage(fmt.Sprintf("Tick %d at %s", u.Tick, formatTime(u.ObservedAt)))

	rows := make([][]string, 0, len(u.Samples))
	for _, s := range u.Samples {
		a := u.Assessments[s.NodeID]
		rows = append(rows, []string{
			s.NodeID,
			string(a.Level),
			formatScore(s.StabilityScore),
			strconv.Itoa(len(s.ChurnEvents)),
			a.Summary,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	f.PrintTable([]string{"NODE", "STABILITY", "SCORE", "CHURN EVENTS", "ASSESSMENT"}, rows)

	failed := slices.Clone(u.FailedNodes)
	slices.Sort(failed)
	for _, node := range failed {
		f.PrintMessage(fmt.Sprintf("  %s: collection failed: %s", node, coalesce(u.Errors[node], "unknown error")))
	}
	f.PrintMessage("")
}

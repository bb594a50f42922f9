// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

// recordsResponse mirrors the API records listing with typed records.
type recordsResponse struct {
	Kind    string        `json:"kind"`
	Count   int           `json:"count"`
	Records []tsdb.Record `json:"records"`
}

func newRecordsCmd(o *options) *cobra.Command {
	var (
		node, start, end string
		limit            int
	)

	kinds := make([]string, 0, len(tsdb.Kinds))
	for _, k := range tsdb.Kinds {
		kinds = append(kinds, string(k))
	}

	cmd := &cobra.Command{
		Use:       "records KIND",
		Short:     "List stored time-series records",
		Long:      `List raw records of one kind. Use --json to see their payloads.`,
		ValidArgs: kinds,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for name, v := range map[string]string{"node": node, "start": start, "end": end} {
				if v != "" {
					query.Set(name, v)
				}
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}

			var res recordsResponse
			if err := newAPIClient(o).Get(cmd.Context(), "/api/v1/records/"+url.PathEscape(args[0]), query, &res); err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}
			if o.formatter.JSON() {
				return o.formatter.Print(res)
			}

			rows := make([][]string, 0, len(res.Records))
			for _, rec := range res.Records {
				rows = append(rows, []string{
					formatTime(rec.ObservedAt),
					coalesce(rec.NodeID, "cluster"),
					rec.EntityID,
					strconv.Itoa(len(rec.Payload)),
				})
			}
			o.formatter.PrintTable([]string{"OBSERVED AT", "NODE", "ENTITY", "PAYLOAD BYTES"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "Only records of this node")
	cmd.Flags().StringVar(&start, "start", "", "Earliest observation, RFC 3339")
	cmd.Flags().StringVar(&end, "end", "", "Latest observation, RFC 3339")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records (default: server setting)")
	return cmd
}

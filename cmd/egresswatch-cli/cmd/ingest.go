// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/output"
	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/api"
)

// DefaultIngestBatch is the number of samples sent per request.
const DefaultIngestBatch = 1000

func newIngestCmd(o *options) *cobra.Command {
	var (
		format string
		batch  int
	)

	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Upload performance samples",
		Long: `Upload performance samples, e.g. from a load test, for correlation.
FILE is JSON or CSV; "-" reads standard input.

JSON is an array of samples or an object with a "samples" array:
  [{"metric_name": "p95_latency", "node_id": "worker-1",
    "timestamp": "2025-06-01T10:00:00Z", "value": 120.5}]

CSV needs a header row with metric_name, timestamp and value columns and
optional node_id and id columns.

Re-uploading the same samples is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch < 1 {
				return fmt.Errorf("--batch must be at least 1")
			}
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = formatFromPath(args[0])
			}
			samples, err := parseSamples(data, format)
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				return fmt.Errorf("no samples in %s", args[0])
			}

			client := newAPIClient(o)
			accepted := 0
			for from := 0; from < len(samples); from += batch {
				to := min(from+batch, len(samples))
				var res analysis.IngestResult
				req := api.IngestRequest{Samples: samples[from:to]}
				if err := client.Post(cmd.Context(), "/api/v1/performance/samples", req, &res); err != nil {
					return fmt.Errorf("ingest failed after %d samples: %w", accepted, err)
				}
				accepted += res.Accepted
			}

			if o.formatter.JSON() {
				return o.formatter.Print(analysis.IngestResult{Accepted: accepted})
			}
			o.formatter.PrintKeyValue([]output.KVPair{
				{Key: "Read", Value: strconv.Itoa(len(samples))},
				{Key: "Accepted", Value: strconv.Itoa(accepted)},
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Input format: json or csv (default: from file extension)")
	cmd.Flags().IntVar(&batch, "batch", DefaultIngestBatch, "Samples per request")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return "csv"
	}
	return "json"
}

func parseSamples(data []byte, format string) ([]api.IngestSample, error) {
	switch format {
	case "json":
		return parseJSONSamples(data)
	case "csv":
		return parseCSVSamples(data)
	default:
		return nil, fmt.Errorf("unsupported format %q (supported: json, csv)", format)
	}
}

func parseJSONSamples(data []byte) ([]api.IngestSample, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var samples []api.IngestSample
		if err := json.Unmarshal(trimmed, &samples); err != nil {
			return nil, fmt.Errorf("invalid JSON samples: %w", err)
		}
		return samples, nil
	}
	var req api.IngestRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON samples: %w", err)
	}
	return req.Samples, nil
}

func parseCSVSamples(data []byte) ([]api.IngestSample, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"metric_name", "timestamp", "value"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("CSV header is missing column %q", required)
		}
	}
	field := func(rec []string, name string) string {
		if i, ok := cols[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var samples []api.IngestSample
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: %w", line, err)
		}
		ts, err := time.Parse(time.RFC3339, field(rec, "timestamp"))
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: invalid timestamp: %w", line, err)
		}
		value, err := strconv.ParseFloat(field(rec, "value"), 64)
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: invalid value: %w", line, err)
		}
		samples = append(samples, api.IngestSample{
			ID:         field(rec, "id"),
			MetricName: field(rec, "metric_name"),
			NodeID:     field(rec, "node_id"),
			Timestamp:  ts,
			Value:      &value,
		})
	}
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package output provides formatters for CLI output.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Formatter writes command output. In JSON mode commands print whole API
// responses with Print; otherwise they render them with the table helpers.
type Formatter struct {
	w    io.Writer
	json bool
}

// KVPair represents a key-value pair for output.
type KVPair struct {
	Key   string
	Value string
}

// GetFormatter returns a formatter writing to w.
func GetFormatter(w io.Writer, jsonOutput bool) *Formatter {
	return &Formatter{w: w, json: jsonOutput}
}

// JSON reports whether whole responses should be printed as JSON.
func (f *Formatter) JSON() bool { return f.json }

// Print outputs data as indented JSON.
func (f *Formatter) Print(data any) error {
	encoder := json.NewEncoder(f.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// PrintTable outputs tabular data with headers.
func (f *Formatter) PrintTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(f.w, "No data available.")
		return
	}

	w := tabwriter.NewWriter(f.w, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
}

// PrintKeyValue outputs key-value pairs aligned on the key column.
func (f *Formatter) PrintKeyValue(pairs []KVPair) {
	width := 0
	for _, pair := range pairs {
		width = max(width, len(pair.Key))
	}
	for _, pair := range pairs {
		fmt.Fprintf(f.w, "  %-*s  %s\n", width+1, pair.Key+":", pair.Value)
	}
}

// PrintMessage outputs a line of text.
func (f *Formatter) PrintMessage(msg string) {
	fmt.Fprintln(f.w, msg)
}

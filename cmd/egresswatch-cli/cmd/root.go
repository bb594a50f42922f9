// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cmd implements CLI commands for egresswatch-cli.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/output"
	"github.com/loganrossus/egresswatch/pkg/version"
)

// DefaultAPIEndpoint is used when neither --api nor EGRESSWATCH_API is set.
const DefaultAPIEndpoint = "http://127.0.0.1:8080"

// options holds the global flags shared by every command.
type options struct {
	apiEndpoint string
	timeout     time.Duration
	jsonOutput  bool

	formatter *output.Formatter
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	o := &options{}

	rootCmd := &cobra.Command{
		Use:   "egresswatch-cli",
		Short: "CLI for EgressWatch egress rule analysis",
		Long: `egresswatch-cli talks to the EgressWatch API to analyze SNAT and LRP rules.

It provides commands to:
  - Check rule consistency across nodes
  - Monitor rule churn and stability
  - Correlate rule behavior with performance regressions
  - Ingest performance samples from load tests
  - Inspect stored history and validate configuration files

Use --api to specify the API endpoint (default: ` + DefaultAPIEndpoint + `).`,
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			o.formatter = output.GetFormatter(cmd.OutOrStdout(), o.jsonOutput)
		},
	}

	rootCmd.PersistentFlags().StringVar(&o.apiEndpoint, "api", getEnvOrDefault("EGRESSWATCH_API", DefaultAPIEndpoint), "EgressWatch API endpoint")
	rootCmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "API request timeout")
	rootCmd.PersistentFlags().BoolVar(&o.jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(
		newStatusCmd(o),
		newSummaryCmd(o),
		newTrendCmd(o),
		newValidateCmd(o),
		newAnalyzeCmd(o),
		newMonitorCmd(o),
		newIngestCmd(o),
		newRecordsCmd(o),
		newConfigCmd(o),
		newCompletionCmd(),
	)

	rootCmd.SetVersionTemplate(fmt.Sprintf("egresswatch-cli version %s\n", version.String()))
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/output"
	"github.com/loganrossus/egresswatch/pkg/config"
)

// ConfigValidationResult represents the result of config validation.
type ConfigValidationResult struct {
	Valid     bool     `json:"valid"`
	NodeCount int      `json:"node_count,omitempty"`
	Store     string   `json:"store,omitempty"`
	Features  []string `json:"features,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

var errConfigInvalid = errors.New("configuration invalid")

func newConfigCmd(o *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  `Commands for validating and working with configuration files.`,
	}

	var configFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate an EgressWatch configuration file for syntax and semantic errors.

Examples:
  egresswatch-cli config validate --config /etc/egresswatch/config.yaml
  egresswatch-cli config validate -c ./config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := validateConfigFile(configFile)

			if o.formatter.JSON() {
				if err := o.formatter.Print(result); err != nil {
					return err
				}
			} else if result.Valid {
				o.formatter.PrintMessage("Configuration valid.")
				o.formatter.PrintKeyValue([]output.KVPair{
					{Key: "Nodes", Value: strconv.Itoa(result.NodeCount)},
					{Key: "Store", Value: result.Store},
					{Key: "Features", Value: listOrNone(result.Features)},
				})
			} else {
				o.formatter.PrintMessage("Configuration invalid:")
				for _, e := range result.Errors {
					o.formatter.PrintMessage("  - " + e)
				}
			}

			if !result.Valid {
				return errConfigInvalid
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (required)")
	_ = validateCmd.MarkFlagRequired("config")

	configCmd.AddCommand(validateCmd)
	return configCmd
}

func validateConfigFile(path string) ConfigValidationResult {
	cfg, err := config.Load(path)
	if err != nil {
		return ConfigValidationResult{Errors: []string{err.Error()}}
	}
	if err := config.Validate(cfg); err != nil {
		result := ConfigValidationResult{}
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				result.Errors = append(result.Errors, e.Error())
			}
		} else {
			result.Errors = []string{err.Error()}
		}
		return result
	}

	var features []string
	for _, f := range []struct {
		name    string
		enabled bool
	}{
		{"api", cfg.API.Enabled},
		{"mcp", cfg.MCP.Enabled},
		{"metrics", cfg.Metrics.Enabled},
		{"monitor", cfg.Monitor.Enabled},
		{"metrics_source", cfg.MetricsSource.Enabled},
		{"export", cfg.Export.Enabled},
		{"baseline", cfg.Baseline.Path != ""},
	} {
		if f.enabled {
			features = append(features, f.name)
		}
	}

	return ConfigValidationResult{
		Valid:     true,
		NodeCount: len(cfg.Nodes),
		Store:     fmt.Sprintf("%s (%s)", cfg.Store.Type, cfg.Store.Path),
		Features:  features,
	}
}

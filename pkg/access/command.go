// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package access fetches rule tables from nodes by running ovn-nbctl
// through a configurable command template.
package access

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/rules"
)

// NodePlaceholder is replaced with the node ID in every command argument.
const NodePlaceholder = "{node}"

// DefaultRouter is the OVN router holding EgressIP rules.
const DefaultRouter = "ovn_cluster_router"

// DefaultNATCommand lists SNAT rows through an OpenShift debug pod.
var DefaultNATCommand = []string{
	"oc", "debug", "node/" + NodePlaceholder, "--",
	"chroot", "/host",
	"ovn-nbctl", "--no-leader-only", "lr-nat-list", DefaultRouter,
}

// DefaultPolicyCommand lists logical router policies through an
// OpenShift debug pod.
var DefaultPolicyCommand = []string{
	"oc", "debug", "node/" + NodePlaceholder, "--",
	"chroot", "/host",
	"ovn-nbctl", "--no-leader-only", "lr-policy-list", DefaultRouter,
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Config configures a CommandAccessor. An empty command skips that rule
// family.
type Config struct {
	NATCommand    []string
	PolicyCommand []string
	Logger        *slog.Logger
	// Runner overrides process execution.
	Runner Runner
}

// CommandAccessor implements collector.Accessor by running commands per
// node and parsing their output. The per-node timeout is carried by ctx.
type CommandAccessor struct {
	nat    []string
	policy []string
	run    Runner
	logger *slog.Logger
}

var _ collector.Accessor = (*CommandAccessor)(nil)

// NewCommandAccessor creates an accessor.
func NewCommandAccessor(cfg Config) *CommandAccessor {
	if cfg.Runner == nil {
		cfg.Runner = execRunner
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CommandAccessor{
		nat:    cfg.NATCommand,
		policy: cfg.PolicyCommand,
		run:    cfg.Runner,
		logger: cfg.Logger.With("component", "accessor"),
	}
}

// FetchRules runs the NAT and policy commands for nodeID. Lines that do
// not parse are logged and skipped.
func (a *CommandAccessor) FetchRules(ctx context.Context, nodeID string) ([]rules.Entry, error) {
	var out []rules.Entry
	for _, step := range []struct {
		name  string
		cmd   []string
		parse func(string, string) rules.ParseResult
	}{
		{"lr-nat-list", a.nat, rules.ParseNATList},
		{"lr-policy-list", a.policy, rules.ParseRoutePolicies},
	} {
		if len(step.cmd) == 0 {
			continue
		}
		argv := expand(step.cmd, nodeID)
		stdout, err := a.run(ctx, argv[0], argv[1:]...)
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", step.name, nodeID, err)
		}
		res := step.parse(nodeID, string(stdout))
		if len(res.Unparsed) > 0 {
			a.logger.Debug("skipped unparsable lines", "node", nodeID, "command", step.name, "lines", len(res.Unparsed))
		}
		out = append(out, res.Entries...)
	}
	return out, nil
}

func expand(cmd []string, nodeID string) []string {
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		out[i] = strings.ReplaceAll(arg, NodePlaceholder, nodeID)
	}
	return out
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

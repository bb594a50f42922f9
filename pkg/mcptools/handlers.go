// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/correlation"
)

// defaultLookback is the analysis range when only an end (or nothing) is
// given.
const defaultLookback = time.Hour

// MonitorReport is the result of the monitor tool.
type MonitorReport struct {
	SessionID string                    `json:"session_id"`
	Ticks     int                       `json:"ticks"`
	Final     *analysis.StabilityUpdate `json:"final,omitempty"`
	// Failed counts, per node, the ticks on which collection failed.
	Failed map[string]int `json:"failed_ticks,omitempty"`
}

func (s *Server) validateRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	res, err := s.svc.RunConsistencyCheck(ctx, listArg(args, "nodes"))
	if err != nil {
		if len(res.FailedNodes) > 0 {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", err, strings.Join(res.FailedNodes, ", "))), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) monitorRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	window, err := durationArg(args, "window")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	interval, err := durationArg(args, "interval")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ticks := DefaultMonitorTicks
	if v, ok := args["ticks"].(float64); ok {
		ticks = int(v)
	}
	if ticks < 1 || ticks > MaxMonitorTicks {
		return mcp.NewToolResultError(fmt.Sprintf("ticks must be between 1 and %d", MaxMonitorTicks)), nil
	}

	sess, err := s.svc.RunStabilityMonitor(ctx, listArg(args, "nodes"), window, interval,
		analysis.StopCondition{MaxTicks: ticks, Duration: MaxMonitorDuration})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer sess.Stop()

	report := MonitorReport{SessionID: sess.ID}
	for u := range sess.Updates() {
		report.Ticks++
		for _, n := range u.FailedNodes {
			if report.Failed == nil {
				report.Failed = map[string]int{}
			}
			report.Failed[n]++
		}
		last := u
		report.Final = &last
	}
	if err := sess.Wait(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("monitoring interrupted: %s", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) analyzePerformance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	start, err := timeArg(args, "start")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	end, err := timeArg(args, "end")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-defaultLookback)
	}
	if end.Before(start) {
		return mcp.NewToolResultError("end must not precede start"), nil
	}

	scope := analysis.Scope{Nodes: listArg(args, "nodes"), Metrics: listArg(args, "metrics")}
	res, err := s.svc.RunPerformanceAnalysis(ctx, scope, correlation.TimeRange{Start: start, End: end})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) getStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	scope := analysis.Scope{Nodes: listArg(args, "nodes"), Metrics: listArg(args, "metrics")}
	status, err := s.svc.GetStatus(ctx, scope)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %s", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// listArg accepts a comma-separated string or a JSON array of strings.
func listArg(args map[string]any, name string) []string {
	var raw []string
	switch v := args[name].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	}
	var out []string
	for _, r := range raw {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func durationArg(args map[string]any, name string) (time.Duration, error) {
	v, _ := args[name].(string)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return d, nil
}

func timeArg(args map[string]any, name string) (time.Time, error) {
	v, _ := args[name].(string)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC 3339", name, v)
	}
	return t, nil
}

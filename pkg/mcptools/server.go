// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mcptools exposes the analysis operations as Model Context
// Protocol tools so assistants can validate rules, watch churn and explain
// performance regressions.
package mcptools

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/version"
)

// Defaults for the monitor tool, which must return rather than stream.
const (
	DefaultMonitorTicks = 3
	MaxMonitorTicks     = 20
	MaxMonitorDuration  = 5 * time.Minute
)

// Service is the set of analysis operations offered as tools.
type Service interface {
	RunConsistencyCheck(ctx context.Context, nodeIDs []string) (analysis.ConsistencyResult, error)
	RunStabilityMonitor(ctx context.Context, nodeIDs []string, window, pollInterval time.Duration, stop analysis.StopCondition) (*analysis.Session, error)
	RunPerformanceAnalysis(ctx context.Context, scope analysis.Scope, tr correlation.TimeRange) (analysis.PerformanceResult, error)
	GetStatus(ctx context.Context, scope analysis.Scope) (analysis.Status, error)
}

// Server is an MCP server over the analysis operations.
type Server struct {
	svc    Service
	mcp    *server.MCPServer
	router chi.Router
	logger *slog.Logger
	now    func() time.Time
}

// New creates the MCP server and registers every tool.
func New(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		logger: logger.With("component", "mcp"),
		now:    time.Now,
	}

	s.mcp = server.NewMCPServer(
		"egresswatch",
		version.GetVersion(),
		server.WithInstructions("Egress rule analysis: validate SNAT and LRP consistency across nodes, "+
			"monitor rule churn, and correlate rule behavior with performance regressions."),
	)
	tools := s.tools()
	s.mcp.AddTools(tools...)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Mount("/mcp", server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath("/")))
	s.router = router

	s.logger.Info("registered MCP tools", "tools", len(tools))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// MCPServer returns the underlying protocol server, for stdio transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) tools() []server.ServerTool {
	nodesOpt := mcp.WithString("nodes",
		mcp.Description("Comma-separated node names. Empty means every configured node."))

	return []server.ServerTool{
		{
			Tool: mcp.NewTool("validate_rules",
				mcp.WithDescription("Collect SNAT and LRP rules from nodes and score how consistent they are, "+
					"listing missing, extra and duplicate rules with remediation hints."),
				mcp.WithReadOnlyHintAnnotation(false),
				mcp.WithIdempotentHintAnnotation(true),
				mcp.WithDestructiveHintAnnotation(false),
				nodesOpt,
			),
			Handler: s.validateRules,
		},
		{
			Tool: mcp.NewTool("monitor_rules",
				mcp.WithDescription("Poll nodes for a bounded number of ticks and report rule churn and "+
					"stability per node for the final tick."),
				mcp.WithDestructiveHintAnnotation(false),
				nodesOpt,
				mcp.WithString("window", mcp.Description("Sliding window as a Go duration, e.g. 10m.")),
				mcp.WithString("interval", mcp.Description("Poll interval as a Go duration, e.g. 30s.")),
				mcp.WithNumber("ticks", mcp.Description("Number of polls to run (1-20, default 3).")),
			),
			Handler: s.monitorRules,
		},
		{
			Tool: mcp.NewTool("analyze_performance",
				mcp.WithDescription("Correlate stored rule history with performance samples and return "+
					"ranked bottleneck findings with likely causes."),
				mcp.WithDestructiveHintAnnotation(false),
				nodesOpt,
				mcp.WithString("metrics", mcp.Description("Comma-separated metric names. Empty means all.")),
				mcp.WithString("start", mcp.Description("Range start, RFC 3339. Defaults to one hour before end.")),
				mcp.WithString("end", mcp.Description("Range end, RFC 3339. Defaults to now.")),
			),
			Handler: s.analyzePerformance,
		},
		{
			Tool: mcp.NewTool("get_status",
				mcp.WithDescription("Summarize the latest consistency, stability and findings with 24h aggregates."),
				mcp.WithReadOnlyHintAnnotation(true),
				nodesOpt,
				mcp.WithString("metrics", mcp.Description("Comma-separated metric names. Empty means all.")),
			),
			Handler: s.getStatus,
		},
	}
}

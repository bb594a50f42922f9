// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api exposes the analysis operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Address           string
	AllowedNetworks   []string
	TrustProxyHeaders bool
	Logger            *slog.Logger
	// MaxMonitorDuration caps streaming monitor requests. Zero leaves
	// them bounded only by the client connection.
	MaxMonitorDuration time.Duration
}

// Service is the set of analysis operations the API serves.
type Service interface {
	RunConsistencyCheck(ctx context.Context, nodeIDs []string) (analysis.ConsistencyResult, error)
	RunStabilityMonitor(ctx context.Context, nodeIDs []string, window, pollInterval time.Duration, stop analysis.StopCondition) (*analysis.Session, error)
	RunPerformanceAnalysis(ctx context.Context, scope analysis.Scope, tr correlation.TimeRange) (analysis.PerformanceResult, error)
	IngestPerformance(ctx context.Context, samples []correlation.PerformanceSample) (analysis.IngestResult, error)
	GetStatus(ctx context.Context, scope analysis.Scope) (analysis.Status, error)
	Summarize(ctx context.Context, scope analysis.Scope, hours int) (analysis.Summary, error)
	Trend(ctx context.Context, scope analysis.Scope, days int) (analysis.TrendReport, error)
}

// RecordReader reads raw time-series records.
type RecordReader interface {
	Collect(ctx context.Context, q tsdb.Query) ([]tsdb.Record, error)
}

// Server provides the HTTP API for EgressWatch.
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	logger     *slog.Logger
	acl        *ACLMiddleware
	service    Service
	records    RecordReader
	ready      func(ctx context.Context) error
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithRecords enables the raw records endpoint.
func WithRecords(r RecordReader) Option {
	return func(s *Server) { s.records = r }
}

// WithReadiness sets the readiness probe. Without one the server reports
// ready as soon as it serves.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, svc Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("api: service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	acl, err := NewACLMiddleware(cfg.AllowedNetworks, cfg.TrustProxyHeaders, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed network: %w", err)
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		acl:     acl,
		service: svc,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/live", s.handleLive)
		r.Get("/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(s.acl.Wrap)

			r.Get("/version", s.handleVersion)
			r.Get("/status", s.handleStatus)
			r.Get("/summary", s.handleSummary)
			r.Get("/trend", s.handleTrend)
			r.Post("/consistency", s.handleConsistency)
			r.Post("/performance", s.handlePerformance)
			r.Post("/performance/samples", s.handleIngest)
			r.Get("/monitor", s.handleMonitor)
			if s.records != nil {
				r.Get("/records/{kind}", s.handleRecords)
			}
		})
	})
	return r
}

// Start starts the API server and blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server",
		"address", s.config.Address,
		"records_endpoint", s.records != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping API server")
	return s.httpServer.Shutdown(ctx)
}

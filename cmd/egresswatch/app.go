// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loganrossus/egresswatch/pkg/access"
	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/api"
	"github.com/loganrossus/egresswatch/pkg/baseline"
	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/config"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/export"
	"github.com/loganrossus/egresswatch/pkg/logging"
	"github.com/loganrossus/egresswatch/pkg/mcptools"
	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/perfsource"
	"github.com/loganrossus/egresswatch/pkg/store"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
	"github.com/loganrossus/egresswatch/pkg/version"
)

// Application manages the lifecycle of all EgressWatch components.
type Application struct {
	config   *config.Config
	configMu sync.RWMutex
	logger   *logging.Logger

	kv           store.Store
	db           *tsdb.DB
	compactor    *tsdb.Compactor
	orchestrator *analysis.Orchestrator
	exporter     *export.InfluxExporter

	metricsServer *metrics.Server
	apiServer     *api.Server
	mcpServer     *http.Server

	// running is closed when Start returns.
	running chan struct{}
}

// NewApplication creates a new Application instance with pre-loaded configuration.
func NewApplication(cfg *config.Config, logger *logging.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
	}
}

// Initialize sets up all components using the loaded configuration.
func (a *Application) Initialize() error {
	a.logger.Info("initializing application", "nodes", a.config.Nodes)

	metrics.SetAppInfo(version.Version)

	if err := a.initializeStore(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := a.initializeOrchestrator(); err != nil {
		return fmt.Errorf("failed to initialize analysis: %w", err)
	}

	if err := a.initializeMetricsServer(); err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}

	if err := a.initializeAPIServer(); err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	a.initializeMCPServer()
	return nil
}

// initializeStore opens the backend and the time-series layer over it.
func (a *Application) initializeStore() error {
	sc := a.config.Store
	kv, err := store.New(store.Config{
		Type:   store.StoreType(sc.Type),
		Path:   sc.Path,
		Logger: a.logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	a.kv = kv
	a.db = tsdb.New(kv)
	a.compactor = tsdb.NewCompactor(a.db, tsdb.CompactorConfig{
		Retention: sc.Retention,
		Interval:  sc.CompactionInterval,
		BatchSize: sc.CompactionBatch,
		Logger:    a.logger.Logger,
	})

	a.logger.Info("store opened", "type", sc.Type, "path", sc.Path, "retention", sc.Retention)
	return nil
}

// initializeOrchestrator wires the collector and the optional baseline,
// metrics source and exporter into the orchestrator.
func (a *Application) initializeOrchestrator() error {
	cfg := a.config

	accessor := access.NewCommandAccessor(access.Config{
		NATCommand:    strings.Fields(cfg.Accessor.NATCommand),
		PolicyCommand: strings.Fields(cfg.Accessor.PolicyCommand),
		Logger:        a.logger.Logger,
	})

	collectorOpts := []collector.Option{collector.WithLogger(a.logger.Logger)}
	analysisOpts := []analysis.Option{analysis.WithLogger(a.logger.Logger)}

	if cfg.Baseline.Path != "" {
		provider, err := baseline.NewFileProvider(cfg.Baseline.Path, a.logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to load baseline: %w", err)
		}
		collectorOpts = append(collectorOpts, collector.WithAttributor(provider))
		analysisOpts = append(analysisOpts, analysis.WithBaseline(provider))
		a.logger.Info("baseline loaded", "path", cfg.Baseline.Path)
	}

	if cfg.MetricsSource.Enabled {
		queries := make([]perfsource.Query, 0, len(cfg.MetricsSource.Queries))
		for _, q := range cfg.MetricsSource.Queries {
			queries = append(queries, perfsource.Query{Metric: q.Metric, Expr: q.Expr, NodeLabel: q.NodeLabel})
		}
		source, err := perfsource.New(perfsource.Config{
			URL:     cfg.MetricsSource.URL,
			Queries: queries,
			Step:    cfg.MetricsSource.Step,
			Logger:  a.logger.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics source: %w", err)
		}
		analysisOpts = append(analysisOpts, analysis.WithMetricsSource(source))
		a.logger.Info("metrics source configured", "url", cfg.MetricsSource.URL, "queries", len(queries))
	}

	if cfg.Export.Enabled {
		exporter, err := export.NewInflux(export.Config{
			URL:    cfg.Export.URL,
			Token:  cfg.Export.Token,
			Org:    cfg.Export.Org,
			Bucket: cfg.Export.Bucket,
			Logger: a.logger.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create exporter: %w", err)
		}
		a.exporter = exporter
		analysisOpts = append(analysisOpts, analysis.WithExporter(exporter))
		a.logger.Info("export configured", "url", cfg.Export.URL, "bucket", cfg.Export.Bucket)
	}

	c := collector.New(accessor, collector.Config{
		Concurrency: cfg.Collector.Concurrency,
		NodeTimeout: cfg.Collector.NodeTimeout,
		RateLimit:   cfg.Collector.RateLimit,
		Burst:       cfg.Collector.Burst,
		Source:      "egresswatch",
	}, collectorOpts...)

	a.orchestrator = analysis.New(c, a.db, analysis.Config{
		Nodes:          cfg.Nodes,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Window:         cfg.Monitor.Window,
		PollInterval:   cfg.Monitor.PollInterval,
		SourceTimeout:  cfg.MetricsSource.Timeout,
		BufferSize:     cfg.Collector.BufferSize,
		Correlation:    correlationConfig(cfg.Correlation),
	}, analysisOpts...)
	return nil
}

// correlationConfig overlays the configured tunables on the engine
// defaults. Zero values keep the default.
func correlationConfig(c config.CorrelationConfig) correlation.Config {
	out := correlation.DefaultConfig()
	if c.BucketWidth > 0 {
		out.BucketWidth = c.BucketWidth
	}
	if c.DefaultBucket > 0 {
		out.DefaultBucket = c.DefaultBucket
	}
	for metric, limit := range c.Thresholds {
		out.Thresholds[metric] = limit
	}
	for _, metric := range c.LowerIsWorse {
		out.LowerIsWorse[metric] = true
	}
	if c.RelativeDelta > 0 {
		out.RelativeDelta = c.RelativeDelta
	}
	if c.BaselineBuckets > 0 {
		out.BaselineBuckets = c.BaselineBuckets
	}
	if c.ConsistencyFloor > 0 {
		out.ConsistencyFloor = c.ConsistencyFloor
	}
	if c.ConsistencyDrop > 0 {
		out.ConsistencyDrop = c.ConsistencyDrop
	}
	if c.StabilityFloor > 0 {
		out.StabilityFloor = c.StabilityFloor
	}
	if c.StabilityDrop > 0 {
		out.StabilityDrop = c.StabilityDrop
	}
	if len(c.ResourceMetrics) > 0 {
		out.ResourceMetrics = c.ResourceMetrics
	}
	if w := c.Weights; w.SameBucket > 0 {
		out.Weights.SameBucket = w.SameBucket
	}
	if w := c.Weights; w.LagBucket > 0 {
		out.Weights.LagBucket = w.LagBucket
	}
	if w := c.Weights; w.Resource > 0 {
		out.Weights.Resource = w.Resource
	}
	if w := c.Weights; w.Unknown > 0 {
		out.Weights.Unknown = w.Unknown
	}
	return out
}

// ready reports whether the store answers queries.
func (a *Application) ready(ctx context.Context) error {
	_, _, err := a.db.Latest(ctx, tsdb.Query{Kind: tsdb.KindRuleSnapshot})
	return err
}

// initializeMetricsServer creates and configures the metrics server.
func (a *Application) initializeMetricsServer() error {
	if !a.config.Metrics.Enabled {
		a.logger.Info("metrics server disabled")
		return nil
	}

	a.metricsServer = metrics.NewServer(metrics.ServerConfig{
		Address: a.config.Metrics.Address,
		Logger:  a.logger.Logger,
		Check:   a.ready,
	})

	a.logger.Info("metrics server initialized", "address", a.config.Metrics.Address)
	return nil
}

// initializeAPIServer creates and configures the API server.
func (a *Application) initializeAPIServer() error {
	if !a.config.API.Enabled {
		a.logger.Info("API server disabled")
		return nil
	}

	server, err := api.NewServer(api.ServerConfig{
		Address:            a.config.API.Address,
		AllowedNetworks:    a.config.API.AllowedNetworks,
		TrustProxyHeaders:  a.config.API.TrustProxyHeaders,
		Logger:             a.logger.Logger,
		MaxMonitorDuration: a.config.API.MaxMonitorDuration,
	}, a.orchestrator, api.WithRecords(a.db), api.WithReadiness(a.ready))
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	a.apiServer = server

	a.logger.Info("API server initialized",
		"address", a.config.API.Address,
		"allowed_networks", a.config.API.AllowedNetworks,
	)
	return nil
}

// initializeMCPServer exposes the analysis operations as MCP tools.
func (a *Application) initializeMCPServer() {
	if !a.config.MCP.Enabled {
		a.logger.Info("MCP server disabled")
		return
	}
	a.mcpServer = &http.Server{
		Addr:              a.config.MCP.Address,
		Handler:           mcptools.New(a.orchestrator, a.logger.Logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	a.logger.Info("MCP server initialized", "address", a.config.MCP.Address)
}

// Start runs every component until ctx is canceled or one of them fails.
func (a *Application) Start(ctx context.Context) error {
	a.running = make(chan struct{})
	defer close(a.running)

	a.logger.Info("starting application")
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(a.orchestrator.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.compactor.Start(ctx)) })

	if a.metricsServer != nil {
		g.Go(func() error { return a.metricsServer.Start(ctx) })
	}
	if a.apiServer != nil {
		g.Go(func() error { return a.apiServer.Start(ctx) })
	}
	if a.mcpServer != nil {
		g.Go(func() error { return a.serveMCP(ctx) })
	}
	if a.config.Monitor.Enabled {
		g.Go(func() error { return a.runMonitor(ctx) })
	}

	return g.Wait()
}

func (a *Application) serveMCP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting MCP server", "address", a.mcpServer.Addr)
		errCh <- a.mcpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.mcpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
}

// runMonitor keeps a stability session over every configured node. Each
// tick persists its samples; here the stream is only logged.
func (a *Application) runMonitor(ctx context.Context) error {
	sess, err := a.orchestrator.RunStabilityMonitor(ctx, nil, 0, 0, analysis.StopCondition{})
	if err != nil {
		return fmt.Errorf("failed to start background monitor: %w", err)
	}
	logger := a.logger.With("session_id", sess.ID)
	logger.Info("background monitoring started",
		"nodes", sess.Nodes,
		"window", sess.Window,
		"poll_interval", sess.PollInterval,
	)

	for u := range sess.Updates() {
		if len(u.FailedNodes) > 0 {
			logger.Warn("monitor tick missed nodes", "tick", u.Tick, "failed_nodes", u.FailedNodes)
			continue
		}
		logger.Debug("monitor tick", "tick", u.Tick, "nodes", len(u.Assessments))
	}
	return ignoreCanceled(sess.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown waits for Start to return and releases the store and exporter.
func (a *Application) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down application")

	var shutdownErr error

	if a.running != nil {
		select {
		case <-a.running:
		case <-ctx.Done():
			a.logger.Warn("shutdown deadline exceeded")
			return ctx.Err()
		}
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			a.logger.Error("error stopping API server", "error", err)
			shutdownErr = err
		}
	}

	if a.exporter != nil {
		a.exporter.Close()
	}

	if a.kv != nil {
		a.logger.Debug("closing store")
		if err := a.kv.Close(); err != nil {
			a.logger.Error("error closing store", "error", err)
			shutdownErr = err
		}
	}

	a.logger.Info("application shutdown complete")
	return shutdownErr
}

// Reload applies a new configuration without restarting. Only the log
// level takes effect live; the baseline file is re-read on change by its
// provider. Other changed sections are reported as needing a restart.
func (a *Application) Reload(newCfg *config.Config) error {
	a.configMu.Lock()
	defer a.configMu.Unlock()

	oldCfg := a.config

	a.logger.Info("reloading configuration",
		"old_level", oldCfg.Logging.Level,
		"new_level", newCfg.Logging.Level,
	)

	if err := a.logger.SetLevel(newCfg.Logging.Level); err != nil {
		metrics.RecordReload(false)
		return fmt.Errorf("failed to apply log level: %w", err)
	}

	if changed := restartRequired(oldCfg, newCfg); len(changed) > 0 {
		a.logger.Warn("configuration changes require restart", "sections", changed)
	}

	a.config = newCfg
	metrics.RecordReload(true)

	a.logger.Info("configuration reload complete")
	return nil
}

// restartRequired lists the top-level sections that differ between old
// and new and cannot be applied live.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	sections := []struct {
		name          string
		before, after any
	}{
		{"nodes", oldCfg.Nodes, newCfg.Nodes},
		{"logging.format", oldCfg.Logging.Format, newCfg.Logging.Format},
		{"metrics", oldCfg.Metrics, newCfg.Metrics},
		{"api", oldCfg.API, newCfg.API},
		{"mcp", oldCfg.MCP, newCfg.MCP},
		{"store", oldCfg.Store, newCfg.Store},
		{"collector", oldCfg.Collector, newCfg.Collector},
		{"monitor", oldCfg.Monitor, newCfg.Monitor},
		{"correlation", oldCfg.Correlation, newCfg.Correlation},
		{"retry", oldCfg.Retry, newCfg.Retry},
		{"metrics_source", oldCfg.MetricsSource, newCfg.MetricsSource},
		{"accessor", oldCfg.Accessor, newCfg.Accessor},
		{"baseline", oldCfg.Baseline, newCfg.Baseline},
		{"export", oldCfg.Export, newCfg.Export},
	}
	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.before, s.after) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

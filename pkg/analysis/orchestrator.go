// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package analysis composes collection, storage and the analytical
// packages into the operations exposed to callers: consistency checks,
// stability monitoring sessions, performance analysis and status.
package analysis

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

// Default orchestrator settings.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultWindow         = 10 * time.Minute
	DefaultPollInterval   = 30 * time.Second
	DefaultSummaryHours   = 24
	DefaultSourceTimeout  = 30 * time.Second
	DefaultExportTimeout  = 10 * time.Second
)

// Scope narrows an analysis to a set of nodes and metrics. Empty fields
// mean everything.
type Scope struct {
	Nodes   []string `json:"nodes,omitempty"`
	Metrics []string `json:"metrics,omitempty"`
}

// Name is a stable label for the scope.
func (s Scope) Name() string {
	if len(s.Nodes) == 0 {
		return "cluster"
	}
	nodes := append([]string(nil), s.Nodes...)
	sort.Strings(nodes)
	return strings.Join(nodes, ",")
}

// includesNode reports whether nodeID is in scope. Cluster-wide rows
// (empty nodeID) are always in scope.
func (s Scope) includesNode(nodeID string) bool {
	if nodeID == "" || len(s.Nodes) == 0 {
		return true
	}
	for _, n := range s.Nodes {
		if n == nodeID {
			return true
		}
	}
	return false
}

func (s Scope) includesMetric(name string) bool {
	if len(s.Metrics) == 0 {
		return true
	}
	for _, m := range s.Metrics {
		if m == name {
			return true
		}
	}
	return false
}

// MetricsSource supplies performance samples, e.g. from Prometheus.
type MetricsSource interface {
	FetchMetrics(ctx context.Context, scope Scope, tr correlation.TimeRange) ([]correlation.PerformanceSample, error)
}

// BaselineProvider supplies the rule shape expected from EgressIP
// definitions. A nil Expected selects peer comparison.
type BaselineProvider interface {
	Expected(ctx context.Context) (rules.Expected, error)
}

// Exporter ships derived records to an external system.
type Exporter interface {
	Export(ctx context.Context, records ...tsdb.Record) error
}

// Config holds orchestrator settings.
type Config struct {
	// Nodes are used when an operation is called without node IDs.
	Nodes []string

	// MaxAttempts caps collection and metrics source attempts, the first
	// one included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Window       time.Duration
	PollInterval time.Duration

	SummaryHours  int
	SourceTimeout time.Duration
	BufferSize    int

	Correlation correlation.Config
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SummaryHours <= 0 {
		c.SummaryHours = DefaultSummaryHours
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = DefaultSourceTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = collector.DefaultBufferSize
	}
	return c
}

// Orchestrator runs the coarse operations. It owns composition and retry
// only; every algorithm lives in the packages it calls.
type Orchestrator struct {
	collector *collector.Collector
	db        *tsdb.DB
	writer    *collector.Writer
	source    MetricsSource
	baseline  BaselineProvider
	exporter  Exporter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.Mutex
	lastCollection time.Time
	lastFailed     []string
	sessions       map[string]*Session
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsSource sets the performance metrics source.
func WithMetricsSource(s MetricsSource) Option {
	return func(o *Orchestrator) { o.source = s }
}

// WithBaseline sets the expected-rule provider.
func WithBaseline(b BaselineProvider) Option {
	return func(o *Orchestrator) { o.baseline = b }
}

// WithExporter sets the exporter for derived records.
func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. Snapshots are handed to db through a
// bounded writer that Run drives.
func New(c *collector.Collector, db *tsdb.DB, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		collector: c,
		db:        db,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	o.writer = collector.NewWriter(snapshotSink{db: db}, o.cfg.BufferSize, o.logger)
	return o
}

// Run persists collected snapshots until ctx is canceled, then flushes
// what is still buffered.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.writer.Run(ctx)
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := o.writer.Flush(flushCtx); ferr != nil {
		o.logger.Warn("failed to flush snapshots on shutdown", "error", ferr)
	}
	return err
}

// Flush persists every buffered snapshot synchronously.
func (o *Orchestrator) Flush(ctx context.Context) error {
	return o.writer.Flush(ctx)
}

func (o *Orchestrator) nodes(nodeIDs []string) []string {
	if len(nodeIDs) > 0 {
		return nodeIDs
	}
	return o.cfg.Nodes
}

func (o *Orchestrator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	return b
}

func (o *Orchestrator) retryOptions(op string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RecordRetry(op)
			o.logger.Warn("retrying after failure", "operation", op, "error", err, "next_attempt_in", next)
		}),
	}
}

func (o *Orchestrator) noteCollection(at time.Time, failed []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastCollection = at
	o.lastFailed = failed
}

// export ships records when an exporter is configured. Failures are
// logged and never fail the calling operation.
func (o *Orchestrator) export(ctx context.Context, recs ...tsdb.Record) {
	if o.exporter == nil || len(recs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultExportTimeout)
	defer cancel()
	if err := o.exporter.Export(ctx, recs...); err != nil {
		o.logger.Warn("export failed", "records", len(recs), "error", err)
	}
}

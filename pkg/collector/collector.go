// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package collector fetches rule snapshots from cluster nodes concurrently
// through an injected Accessor.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/rules"
)

// Default collector settings.
const (
	DefaultConcurrency = 8
	DefaultNodeTimeout = 30 * time.Second
)

// Accessor fetches the current rule table of one node. Implementations
// should honor ctx; the collector abandons a fetch when ctx expires either
// way.
type Accessor interface {
	FetchRules(ctx context.Context, nodeID string) ([]rules.Entry, error)
}

// AccessorFunc adapts a function to the Accessor interface.
type AccessorFunc func(ctx context.Context, nodeID string) ([]rules.Entry, error)

// FetchRules calls f.
func (f AccessorFunc) FetchRules(ctx context.Context, nodeID string) ([]rules.Entry, error) {
	return f(ctx, nodeID)
}

// Attributor assigns owners to rules that the node reported without one.
// It receives normalized entries.
type Attributor interface {
	Attribute(e rules.Entry) rules.Entry
}

// Config configures a Collector.
type Config struct {
	// Concurrency bounds the number of in-flight node fetches.
	Concurrency int
	// NodeTimeout bounds a single node fetch. A node exceeding it is
	// reported as timed out and not retried.
	NodeTimeout time.Duration
	// RateLimit caps fetch starts per second across all nodes. Zero
	// disables pacing.
	RateLimit float64
	Burst     int
	// Source labels snapshots; a per-pass UUID is appended.
	Source string
}

// Result is the outcome of fetching one node.
type Result struct {
	NodeID   string
	Snapshot rules.Snapshot
	Err      error
}

// Collector fetches snapshots from many nodes with bounded concurrency.
type Collector struct {
	accessor   Accessor
	attributor Attributor
	config     Config
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAttributor sets the owner attribution hook.
func WithAttributor(a Attributor) Option {
	return func(c *Collector) { c.attributor = a }
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a Collector.
func New(accessor Accessor, cfg Config, opts ...Option) *Collector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.Source == "" {
		cfg.Source = "collector"
	}
	c := &Collector{
		accessor: accessor,
		config:   cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "collector")
	return c
}

// Stream fetches every node and delivers each result as soon as that node
// completes, so a slow node never delays its peers. The channel is closed
// once all nodes have reported. Duplicate node IDs are fetched once.
func (c *Collector) Stream(ctx context.Context, nodeIDs []string) <-chan Result {
	nodes := dedup(nodeIDs)
	out := make(chan Result, len(nodes))
	source := c.config.Source + "/" + uuid.NewString()

	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(c.config.Concurrency)
		for _, node := range nodes {
			g.Go(func() error {
				out <- c.fetch(ctx, node, source)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// Collect fetches every node and returns the snapshots of those that
// answered. When any node failed the error is a *PartialCollectionError
// and the map still holds the successful snapshots.
func (c *Collector) Collect(ctx context.Context, nodeIDs []string) (map[string]rules.Snapshot, error) {
	start := time.Now()
	snapshots := make(map[string]rules.Snapshot, len(nodeIDs))
	failures := make(map[string]error)
	var unreachable, timedOut int

	for res := range c.Stream(ctx, nodeIDs) {
		if res.Err != nil {
			failures[res.NodeID] = res.Err
			if errors.Is(res.Err, ErrTimeout) {
				timedOut++
			} else {
				unreachable++
			}
			continue
		}
		snapshots[res.NodeID] = res.Snapshot
		metrics.SetSnapshotRules(res.NodeID, kindCounts(res.Snapshot))
	}

	metrics.RecordCollection(time.Since(start).Seconds(), len(snapshots), unreachable, timedOut)
	if len(failures) == 0 {
		c.logger.Debug("collection complete", "nodes", len(snapshots))
		return snapshots, nil
	}

	perr := &PartialCollectionError{Failures: failures, Attempted: len(snapshots) + len(failures)}
	c.logger.Warn("partial collection",
		"succeeded", len(snapshots),
		"failed", len(failures),
		"failed_nodes", perr.Nodes(),
	)
	return snapshots, perr
}

func (c *Collector) fetch(ctx context.Context, nodeID, source string) Result {
	res := Result{NodeID: nodeID}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			res.Err = &NodeError{NodeID: nodeID, Err: ErrNodeUnreachable, Cause: err}
			return res
		}
	}

	nctx, cancel := context.WithTimeout(ctx, c.config.NodeTimeout)
	defer cancel()

	type reply struct {
		entries []rules.Entry
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		entries, err := c.accessor.FetchRules(nctx, nodeID)
		done <- reply{entries, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-nctx.Done():
		r.err = nctx.Err()
	}

	if r.err != nil {
		res.Err = c.classify(ctx, nctx, nodeID, r.err)
		c.logger.Debug("node fetch failed", "node", nodeID, "error", res.Err)
		return res
	}

	observedAt := c.now()
	entries := r.entries
	if c.attributor != nil {
		entries = make([]rules.Entry, len(r.entries))
		for i, e := range r.entries {
			e.NodeID = nodeID
			if e = e.Normalize(); e.OwnerID == "" {
				e = c.attributor.Attribute(e)
			}
			entries[i] = e
		}
	}
	res.Snapshot = rules.NewSnapshot(nodeID, observedAt, source, entries)
	return res
}

func (c *Collector) classify(parent, nctx context.Context, nodeID string, err error) error {
	var nerr *NodeError
	if errors.As(err, &nerr) {
		return nerr
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return &NodeError{NodeID: nodeID, Err: ErrTimeout, Cause: err}
	case errors.Is(nctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return &NodeError{NodeID: nodeID, Err: ErrTimeout,
			Cause: fmt.Errorf("no answer within %s", c.config.NodeTimeout)}
	default:
		return &NodeError{NodeID: nodeID, Err: ErrNodeUnreachable, Cause: err}
	}
}

func kindCounts(s rules.Snapshot) map[string]int {
	counts := map[string]int{string(rules.KindSNAT): 0, string(rules.KindLRP): 0}
	for k, n := range s.CountByKind() {
		counts[string(k)] = n
	}
	return counts
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

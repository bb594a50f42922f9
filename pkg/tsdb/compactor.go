// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tsdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loganrossus/egresswatch/pkg/metrics"
)

// Default compaction settings.
const (
	DefaultRetention          = 7 * 24 * time.Hour
	DefaultCompactionInterval = 10 * time.Minute
	DefaultCompactionBatch    = 128
)

// CompactorConfig configures retention enforcement.
type CompactorConfig struct {
	// Retention is the horizon; records observed before now-Retention are
	// deleted.
	Retention time.Duration
	Interval  time.Duration
	// BatchSize bounds the records deleted per backend transaction.
	BatchSize int
	Logger    *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Compactor deletes expired records in the background. Each batch is its
// own short transaction, so appends and queries interleave freely with a
// running compaction.
type Compactor struct {
	db     *DB
	config CompactorConfig
	logger *slog.Logger
}

// NewCompactor creates a compactor for db.
func NewCompactor(db *DB, cfg CompactorConfig) *Compactor {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCompactionInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultCompactionBatch
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		db:     db,
		config: cfg,
		logger: logger.With("component", "compactor"),
	}
}

// Start runs compaction every interval until ctx is canceled.
func (c *Compactor) Start(ctx context.Context) error {
	c.logger.Info("starting retention compaction",
		"retention", c.config.Retention,
		"interval", c.config.Interval,
	)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping retention compaction")
			return ctx.Err()
		case <-ticker.C:
			deleted, err := c.CompactOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				metrics.RecordCompactionError()
				c.logger.Warn("compaction failed", "error", err)
				continue
			}
			if deleted > 0 {
				c.logger.Debug("compaction removed expired records", "deleted", deleted)
			}
		}
	}
}

// CompactOnce deletes every record older than the retention horizon and
// returns how many were removed.
func (c *Compactor) CompactOnce(ctx context.Context) (int, error) {
	cutoff := c.config.Now().Add(-c.config.Retention)
	total := 0
	for _, kind := range Kinds {
		for {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			n, err := c.db.deleteBatch(ctx, kind, cutoff, c.config.BatchSize)
			if err != nil {
				return total, fmt.Errorf("compact %s: %w", kind, err)
			}
			metrics.RecordCompaction(string(kind), n)
			total += n
			if n < c.config.BatchSize {
				break
			}
		}
	}
	return total, nil
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/rules"
)

// FileProvider serves expectations from a baseline file, re-reading it
// when its modification time changes.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	defs    *Definitions
	attr    *Attributor
}

var _ analysis.BaselineProvider = (*FileProvider)(nil)

// NewFileProvider loads path once and returns a provider for it.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &FileProvider{path: path, logger: logger.With("component", "baseline")}
	if _, err := p.current(); err != nil {
		return nil, err
	}
	return p, nil
}

// Expected implements analysis.BaselineProvider. When the file cannot be
// re-read the previously loaded definitions are used.
func (p *FileProvider) Expected(ctx context.Context) (rules.Expected, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defs, err := p.current()
	if defs == nil {
		return nil, err
	}
	if err != nil {
		p.logger.Warn("baseline reload failed, keeping previous definitions", "error", err)
	}
	return defs.Expected(), nil
}

// Attribute implements collector.Attributor with the most recently loaded
// definitions.
func (p *FileProvider) Attribute(e rules.Entry) rules.Entry {
	p.mu.Lock()
	attr := p.attr
	p.mu.Unlock()
	if attr == nil {
		return e
	}
	return attr.Attribute(e)
}

// current returns the definitions, reloading them when the file changed.
// A failed reload keeps the previous definitions and returns the error.
func (p *FileProvider) current() (*Definitions, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil {
		if p.defs != nil {
			return p.defs, fmt.Errorf("stat baseline: %w", err)
		}
		return nil, fmt.Errorf("stat baseline: %w", err)
	}
	if p.defs != nil && info.ModTime().Equal(p.modTime) {
		return p.defs, nil
	}

	defs, err := Load(p.path)
	if err == nil {
		var attr *Attributor
		if attr, err = NewAttributor(defs); err == nil {
			p.defs, p.attr, p.modTime = defs, attr, info.ModTime()
			p.logger.Info("baseline loaded", "path", p.path, "egress_ips", len(defs.EgressIPs))
			return defs, nil
		}
	}
	if p.defs != nil {
		return p.defs, err
	}
	return nil, err
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"log/slog"
)

// StoreType identifies the type of store backend.
type StoreType string

const (
	// StoreBBolt uses embedded bbolt for local persistence.
	StoreBBolt StoreType = "bbolt"
	// StoreBadger uses BadgerDB, optionally in memory.
	StoreBadger StoreType = "badger"
)

// Config holds configuration for creating a store.
type Config struct {
	// Type specifies the store backend type.
	Type StoreType

	// Path is the bbolt database file or the badger directory.
	Path string

	// InMemory keeps badger data in memory only. Ignored for bbolt.
	InMemory bool

	Logger *slog.Logger
}

// New creates a new store based on the provided configuration.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreBBolt, "": // Empty defaults to bbolt
		return NewBboltStore(cfg.Path)
	case StoreBadger:
		return NewBadgerStore(BadgerOptions{
			Path:     cfg.Path,
			InMemory: cfg.InMemory,
			Logger:   cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

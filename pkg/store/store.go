// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the ordered key-value backends that persist
// EgressWatch time-series records.
package store

import (
	"context"
)

// KVPair represents a key-value pair.
type KVPair struct {
	Key   string
	Value []byte
}

// Tx is a read-write view of the store inside Update. Values returned by
// Get are only valid until the transaction ends.
type Tx interface {
	// Get returns ErrKeyNotFound if the key does not exist.
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Store defines the interface for key-value storage operations. Keys are
// ordered bytewise.
type Store interface {
	// Get retrieves the value for the given key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set sets the value for the given key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the given key.
	// It is not an error if the key does not exist.
	Delete(ctx context.Context, key string) error

	// List returns all key-value pairs where the key starts with the given prefix.
	List(ctx context.Context, prefix string) ([]KVPair, error)

	// Range returns pairs with start <= key < end in key order. An empty end
	// is unbounded; a limit <= 0 returns every match.
	Range(ctx context.Context, start, end string, limit int) ([]KVPair, error)

	// Update runs fn in a single atomic read-write transaction. Writes made
	// by fn are discarded if it returns an error.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close closes the store and releases resources.
	Close() error
}

// Common errors
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrKeyNotFound = Error("key not found")
	ErrClosed      = Error("store closed")
)

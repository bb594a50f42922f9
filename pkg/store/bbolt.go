// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// bucketName holds every record key. The tsdb layer encodes ordering in
// the keys themselves.
var bucketName = []byte("records")

// openTimeout bounds waiting for the file lock held by another process.
const openTimeout = time.Second

// BboltStore implements Store using BoltDB.
type BboltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// NewBboltStore opens or creates the database file at path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BboltStore{db: db}, nil
}

// txn runs fn in a read-only or read-write transaction on the records
// bucket. Close waits for running transactions.
func (s *BboltStore) txn(ctx context.Context, writable bool, fn func(b *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	run := s.db.View
	if writable {
		run = s.db.Update
	}
	return run(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketName))
	})
}

// Get retrieves the value for the given key.
func (s *BboltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.txn(ctx, false, func(b *bolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		val = bytes.Clone(v)
		return nil
	})
	return val, err
}

// Set sets the value for the given key.
func (s *BboltStore) Set(ctx context.Context, key string, value []byte) error {
	return s.txn(ctx, true, func(b *bolt.Bucket) error {
		return b.Put([]byte(key), value)
	})
}

// Delete removes the given key.
func (s *BboltStore) Delete(ctx context.Context, key string) error {
	return s.txn(ctx, true, func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// List returns all key-value pairs where the key starts with the given prefix.
func (s *BboltStore) List(ctx context.Context, prefix string) ([]KVPair, error) {
	var pairs []KVPair
	prefixBytes := []byte(prefix)

	err := s.txn(ctx, false, func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			pairs = append(pairs, KVPair{
				Key:   string(k),
				Value: bytes.Clone(v),
			})
		}
		return nil
	})
	return pairs, err
}

// Range returns pairs with start <= key < end.
func (s *BboltStore) Range(ctx context.Context, start, end string, limit int) ([]KVPair, error) {
	var pairs []KVPair
	endBytes := []byte(end)

	err := s.txn(ctx, false, func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek([]byte(start)); k != nil; k, v = c.Next() {
			if end != "" && bytes.Compare(k, endBytes) >= 0 {
				break
			}
			pairs = append(pairs, KVPair{
				Key:   string(k),
				Value: bytes.Clone(v),
			})
			if limit > 0 && len(pairs) >= limit {
				break
			}
		}
		return nil
	})
	return pairs, err
}

// Update runs fn inside a single bolt read-write transaction.
func (s *BboltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.txn(ctx, true, func(b *bolt.Bucket) error {
		return fn(boltTx{b: b})
	})
}

// Close closes the store.
func (s *BboltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type boltTx struct {
	b *bolt.Bucket
}

func (t boltTx) Get(key string) ([]byte, error) {
	v := t.b.Get([]byte(key))
	if v == nil {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (t boltTx) Put(key string, value []byte) error {
	return t.b.Put([]byte(key), value)
}

func (t boltTx) Delete(key string) error {
	return t.b.Delete([]byte(key))
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds how often Update replays fn after badger
// reports a write conflict with a concurrent transaction.
const maxConflictRetries = 5

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore opens a BadgerDB-backed store.
func NewBadgerStore(o BadgerOptions) (*BadgerStore, error) {
	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if o.Path == "" {
			return nil, errors.New("path is required for persistent badger store")
		}
		if err := os.MkdirAll(o.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", o.Path, err)
		}
		opts = badger.DefaultOptions(o.Path)
	}
	if o.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: o.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) guard(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	return s.mu.RUnlock, nil
}

// Get retrieves the value for the given key.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var val []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// Set sets the value for the given key.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Put(key, value)
	})
}

// Delete removes the given key.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Delete(key)
	})
}

// List returns all key-value pairs where the key starts with the given prefix.
func (s *BadgerStore) List(ctx context.Context, prefix string) ([]KVPair, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var pairs []KVPair
	p := []byte(prefix)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			pairs = append(pairs, KVPair{Key: string(item.KeyCopy(nil)), Value: v})
		}
		return nil
	})
	return pairs, err
}

// Range returns pairs with start <= key < end.
func (s *BadgerStore) Range(ctx context.Context, start, end string, limit int) ([]KVPair, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var pairs []KVPair
	endBytes := []byte(end)
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(start)); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if end != "" && bytes.Compare(k, endBytes) >= 0 {
				break
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			pairs = append(pairs, KVPair{Key: string(k), Value: v})
			if limit > 0 && len(pairs) >= limit {
				break
			}
		}
		return nil
	})
	return pairs, err
}

// Update runs fn in a badger read-write transaction, replaying it when the
// commit loses a conflict with a concurrent writer.
func (s *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	release, err := s.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(badgerTx{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
}

// Close closes the store.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type badgerTx struct {
	txn *badger.Txn
}

func (t badgerTx) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t badgerTx) Put(key string, value []byte) error {
	return t.txn.Set([]byte(key), bytes.Clone(value))
}

func (t badgerTx) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tsdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/store"
)

// pageSize is the number of index entries fetched per backend range scan
// while a query is being iterated.
const pageSize = 256

// DB is the time-series store.
type DB struct {
	kv     store.Store
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// New wraps a key-value backend. The caller keeps ownership of kv.
func New(kv store.Store, opts ...Option) *DB {
	db := &DB{kv: kv, logger: slog.Default()}
	for _, opt := range opts {
		opt(db)
	}
	db.logger = db.logger.With("component", "tsdb")
	return db
}

// Append stores rec. Re-appending a record with identical content is a
// no-op. Appending different content under an existing
// (kind, entity, observed_at) fails with a *ConflictError and leaves the
// stored record intact. The check and the insert run in one backend
// transaction.
func (db *DB) Append(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec, err := rec.normalize()
	if err != nil {
		return err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	idKey := identityKey(rec)
	result := "inserted"
	err = db.kv.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.Get(idKey)
		switch {
		case err == nil:
			if bytes.Equal(existing, value) {
				result = "duplicate"
				return nil
			}
			return &ConflictError{Kind: rec.Kind, EntityID: rec.EntityID, ObservedAt: rec.ObservedAt}
		case !errors.Is(err, store.ErrKeyNotFound):
			return err
		}

		result = "inserted"
		if err := tx.Put(idKey, value); err != nil {
			return err
		}
		if rec.NodeID != "" {
			if err := tx.Put(nodeKey(rec), value); err != nil {
				return err
			}
		}
		return tx.Put(timeKey(rec), value)
	})

	switch {
	case errors.Is(err, ErrConflict):
		metrics.RecordAppend(string(rec.Kind), "conflict")
		return err
	case err != nil:
		metrics.RecordAppend(string(rec.Kind), "error")
		return fmt.Errorf("append %s %s: %w", rec.Kind, rec.EntityID, err)
	}
	metrics.RecordAppend(string(rec.Kind), result)
	return nil
}

// Get returns the record stored under (kind, entityID, observedAt).
// It returns store.ErrKeyNotFound when there is none.
func (db *DB) Get(ctx context.Context, kind Kind, entityID string, observedAt time.Time) (Record, error) {
	v, err := db.kv.Get(ctx, identityKey(Record{Kind: kind, EntityID: entityID, ObservedAt: observedAt.UTC()}))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Query selects records of one kind.
type Query struct {
	Kind Kind
	// NodeID restricts the query to one node. Empty matches every record,
	// cluster-wide rows included.
	NodeID string
	// Start and End bound ObservedAt inclusively. Zero values are unbounded.
	Start time.Time
	End   time.Time
	// Limit caps the number of records yielded. Zero means no limit.
	Limit int
}

// Query returns a lazy sequence of matching records ordered by
// ObservedAt ascending (ties by entity ID). Each iteration of the returned
// sequence re-reads the store from the beginning, so a sequence can be
// ranged over again to observe newly appended data. Iteration stops at the
// first backend error, which is yielded once.
func (db *DB) Query(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if !q.Kind.Valid() {
			yield(Record{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, q.Kind))
			return
		}
		if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
			return
		}

		prefix := timeIndexPrefix(q.Kind)
		if q.NodeID != "" {
			prefix = nodeIndexPrefix(q.Kind, q.NodeID)
		}
		start, end := scanBounds(prefix, q.Start, q.End)

		yielded := 0
		for {
			n := pageSize
			if q.Limit > 0 && q.Limit-yielded < n {
				n = q.Limit - yielded
			}
			pairs, err := db.kv.Range(ctx, start, end, n)
			if err != nil {
				yield(Record{}, fmt.Errorf("query %s: %w", q.Kind, err))
				return
			}
			for _, p := range pairs {
				var rec Record
				if err := json.Unmarshal(p.Value, &rec); err != nil {
					yield(Record{}, fmt.Errorf("decode %s: %w", p.Key, err))
					return
				}
				yielded++
				if !yield(rec, nil) {
					return
				}
			}
			if len(pairs) < n || (q.Limit > 0 && yielded >= q.Limit) {
				return
			}
			start = pairs[len(pairs)-1].Key + "\x00"
		}
	}
}

// Collect drains a query into a slice.
func (db *DB) Collect(ctx context.Context, q Query) ([]Record, error) {
	var out []Record
	for rec, err := range db.Query(ctx, q) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Latest returns the most recent record matching q, ignoring q.Limit.
// ok is false when nothing matches.
func (db *DB) Latest(ctx context.Context, q Query) (rec Record, ok bool, err error) {
	q.Limit = 0
	for r, err := range db.Query(ctx, q) {
		if err != nil {
			return Record{}, false, err
		}
		rec, ok = r, true
	}
	return rec, ok, nil
}

// Count returns the number of records of kind.
func (db *DB) Count(ctx context.Context, kind Kind) (int, error) {
	n := 0
	for _, err := range db.Query(ctx, Query{Kind: kind}) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// deleteBatch removes up to limit records of kind observed before cutoff.
func (db *DB) deleteBatch(ctx context.Context, kind Kind, cutoff time.Time, limit int) (int, error) {
	prefix := timeIndexPrefix(kind)
	pairs, err := db.kv.Range(ctx, prefix, prefix+encodeTime(cutoff), limit)
	if err != nil || len(pairs) == 0 {
		return 0, err
	}

	recs := make([]Record, 0, len(pairs))
	for _, p := range pairs {
		var rec Record
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			return 0, fmt.Errorf("decode %s: %w", p.Key, err)
		}
		recs = append(recs, rec)
	}

	err = db.kv.Update(ctx, func(tx store.Tx) error {
		for _, rec := range recs {
			if err := tx.Delete(identityKey(rec)); err != nil {
				return err
			}
			if rec.NodeID != "" {
				if err := tx.Delete(nodeKey(rec)); err != nil {
					return err
				}
			}
			if err := tx.Delete(timeKey(rec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loganrossus/egresswatch/pkg/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newDBs(t *testing.T) map[string]*DB {
	t.Helper()
	bolt, err := store.NewBboltStore(filepath.Join(t.TempDir(), "ts.db"))
	require.NoError(t, err)
	bdg, err := store.NewBadgerStore(store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		bolt.Close()
		bdg.Close()
	})
	return map[string]*DB{"bbolt": New(bolt), "badger": New(bdg)}
}

func perf(t *testing.T, id, node string, at time.Time, v float64) Record {
	t.Helper()
	rec, err := NewRecord(KindPerformance, id, node, at, map[string]any{"value": v})
	require.NoError(t, err)
	return rec
}

func TestAppend_Idempotent(t *testing.T) {
	for name, db := range newDBs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := perf(t, "p95_latency", "worker-1", t0, 120)

			require.NoError(t, db.Append(ctx, rec))
			require.NoError(t, db.Append(ctx, rec))

			// Same content in a different encoding and zone is still identical.
			again := rec
			again.ObservedAt = t0.In(time.FixedZone("X", 3600))
			again.Payload = json.RawMessage(`{ "value" : 120 }`)
			require.NoError(t, db.Append(ctx, again))

			n, err := db.Count(ctx, KindPerformance)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestAppend_ConflictLeavesPriorRecord(t *testing.T) {
	for name, db := range newDBs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, db.Append(ctx, perf(t, "p95_latency", "worker-1", t0, 120)))

			err := db.Append(ctx, perf(t, "p95_latency", "worker-1", t0, 999))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConflict)
			var ce *ConflictError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "p95_latency", ce.EntityID)

			got, err := db.Get(ctx, KindPerformance, "p95_latency", t0)
			require.NoError(t, err)
			assert.JSONEq(t, `{"value":120}`, string(got.Payload))

			n, err := db.Count(ctx, KindPerformance)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestAppend_ConcurrentSameKey(t *testing.T) {
	for name, db := range newDBs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			errs := make([]error, 8)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = db.Append(ctx, perf(t, "throughput", "", t0, float64(i)))
				}(i)
			}
			wg.Wait()

			ok := 0
			for _, err := range errs {
				if err == nil {
					ok++
					continue
				}
				assert.ErrorIs(t, err, ErrConflict)
			}
			assert.Equal(t, 1, ok, "exactly one writer may win the key")
		})
	}
}

func TestAppend_Invalid(t *testing.T) {
	db := newDBs(t)["bbolt"]
	ctx := context.Background()

	tests := []Record{
		{Kind: "nope", EntityID: "x", ObservedAt: t0, Payload: json.RawMessage(`{}`)},
		{Kind: KindPerformance, ObservedAt: t0, Payload: json.RawMessage(`{}`)},
		{Kind: KindPerformance, EntityID: "x", Payload: json.RawMessage(`{}`)},
		{Kind: KindPerformance, EntityID: "x", ObservedAt: t0, Payload: json.RawMessage(`{`)},
	}
	for i, rec := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.ErrorIs(t, db.Append(ctx, rec), ErrInvalidRecord)
		})
	}
}

func TestQuery_OrderRangeAndNode(t *testing.T) {
	for name, db := range newDBs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Insert out of order across two nodes and a cluster-wide series.
			for _, i := range []int{4, 1, 3, 0, 2} {
				at := t0.Add(time.Duration(i) * time.Minute)
				require.NoError(t, db.Append(ctx, perf(t, "lat/worker-1", "worker-1", at, float64(i))))
				require.NoError(t, db.Append(ctx, perf(t, "lat/worker-2", "worker-2", at, float64(i))))
				require.NoError(t, db.Append(ctx, perf(t, "lat", "", at, float64(i))))
			}

			recs, err := db.Collect(ctx, Query{Kind: KindPerformance, NodeID: "worker-1"})
			require.NoError(t, err)
			require.Len(t, recs, 5)
			for i, r := range recs {
				assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), r.ObservedAt)
				assert.Equal(t, "worker-1", r.NodeID)
			}

			recs, err = db.Collect(ctx, Query{
				Kind:  KindPerformance,
				Start: t0.Add(time.Minute),
				End:   t0.Add(3 * time.Minute),
			})
			require.NoError(t, err)
			assert.Len(t, recs, 9, "bounds are inclusive")

			recs, err = db.Collect(ctx, Query{Kind: KindPerformance, NodeID: "worker-2", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, recs, 2)

			latest, ok, err := db.Latest(ctx, Query{Kind: KindPerformance, NodeID: "worker-2"})
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, t0.Add(4*time.Minute), latest.ObservedAt)
		})
	}
}

func TestQuery_NodeIDWithSlashDoesNotLeak(t *testing.T) {
	db := newDBs(t)["bbolt"]
	ctx := context.Background()
	require.NoError(t, db.Append(ctx, perf(t, "a", "rack1", t0, 1)))
	require.NoError(t, db.Append(ctx, perf(t, "b", "rack1/worker", t0, 1)))

	recs, err := db.Collect(ctx, Query{Kind: KindPerformance, NodeID: "rack1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].EntityID)
}

func TestQuery_EmptyAndRestartable(t *testing.T) {
	for name, db := range newDBs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seq := db.Query(ctx, Query{Kind: KindStability, Start: t0, End: t0.Add(time.Hour)})

			count := 0
			for _, err := range seq {
				require.NoError(t, err)
				count++
			}
			assert.Zero(t, count)

			rec, err := NewRecord(KindStability, "worker-1", "worker-1", t0.Add(time.Minute), map[string]float64{"score": 1})
			require.NoError(t, err)
			require.NoError(t, db.Append(ctx, rec))

			for _, err := range seq {
				require.NoError(t, err)
				count++
			}
			assert.Equal(t, 1, count, "re-iterating observes new data")

			inverted, err := db.Collect(ctx, Query{Kind: KindStability, Start: t0.Add(time.Hour), End: t0})
			require.NoError(t, err)
			assert.Empty(t, inverted)
		})
	}
}

func TestQuery_Paging(t *testing.T) {
	db := newDBs(t)["badger"]
	ctx := context.Background()
	total := pageSize*2 + 17
	for i := 0; i < total; i++ {
		require.NoError(t, db.Append(ctx, perf(t, "m", "n1", t0.Add(time.Duration(i)*time.Second), float64(i))))
	}

	var prev time.Time
	n := 0
	for rec, err := range db.Query(ctx, Query{Kind: KindPerformance, NodeID: "n1"}) {
		require.NoError(t, err)
		assert.True(t, rec.ObservedAt.After(prev))
		prev = rec.ObservedAt
		n++
	}
	assert.Equal(t, total, n)

	// Early break must not panic or leak.
	for range db.Query(ctx, Query{Kind: KindPerformance}) {
		break
	}
}

func TestQuery_InvalidKind(t *testing.T) {
	db := newDBs(t)["bbolt"]
	_, err := db.Collect(context.Background(), Query{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRecord_Decode(t *testing.T) {
	rec := perf(t, "m", "", t0, 42)
	var v struct{ Value float64 }
	require.NoError(t, rec.Decode(&v))
	assert.Equal(t, 42.0, v.Value)

	bad := Record{Kind: KindPerformance, EntityID: "m", Payload: json.RawMessage(`[]`)}
	assert.Error(t, bad.Decode(&v))
}

func TestCompactor_RemovesExpired(t *testing.T) {
	for name, db := range newDBs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				at := t0.Add(time.Duration(i) * time.Hour)
				require.NoError(t, db.Append(ctx, perf(t, "m", "n1", at, float64(i))))
				rec, err := NewRecord(KindConsistency, "cluster", "", at, map[string]float64{"score": 1})
				require.NoError(t, err)
				require.NoError(t, db.Append(ctx, rec))
			}

			c := NewCompactor(db, CompactorConfig{
				Retention: 4 * time.Hour,
				BatchSize: 3,
				Now:       func() time.Time { return t0.Add(9 * time.Hour) },
			})
			deleted, err := c.CompactOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 10, deleted, "hours 0-4 of both kinds are older than the horizon")

			recs, err := db.Collect(ctx, Query{Kind: KindPerformance, NodeID: "n1"})
			require.NoError(t, err)
			require.Len(t, recs, 5)
			assert.Equal(t, t0.Add(5*time.Hour), recs[0].ObservedAt)

			_, err = db.Get(ctx, KindPerformance, "m", t0)
			assert.True(t, errors.Is(err, store.ErrKeyNotFound))

			// An expired key can be written again after compaction.
			require.NoError(t, db.Append(ctx, perf(t, "m", "n1", t0, 7)))
		})
	}
}

func TestCompactor_StartStops(t *testing.T) {
	db := newDBs(t)["bbolt"]
	c := NewCompactor(db, CompactorConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("compactor did not stop")
	}
}

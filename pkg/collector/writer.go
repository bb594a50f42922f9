// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package collector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/rules"
)

// DefaultBufferSize is the number of unpersisted snapshots a Writer holds.
const DefaultBufferSize = 64

// Sink persists snapshots.
type Sink interface {
	AppendSnapshot(ctx context.Context, s rules.Snapshot) error
}

// Writer hands snapshots from collection to a Sink through a bounded
// buffer. When the sink falls behind, the oldest unpersisted snapshot is
// dropped with a warning instead of growing memory.
type Writer struct {
	sink     Sink
	capacity int
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []rules.Snapshot
	inflight *rules.Snapshot
	dropped  int
	notify   chan struct{}
}

// NewWriter creates a writer with room for capacity pending snapshots.
func NewWriter(sink Sink, capacity int, logger *slog.Logger) *Writer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		sink:     sink,
		capacity: capacity,
		logger:   logger.With("component", "snapshot-writer"),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue buffers s for persistence. It never blocks and reports whether
// an older snapshot had to be dropped to make room.
func (w *Writer) Enqueue(s rules.Snapshot) (dropped bool) {
	w.mu.Lock()
	if len(w.queue) >= w.capacity {
		old := w.queue[0]
		w.queue = w.queue[1:]
		w.dropped++
		dropped = true
		w.logger.Warn("dropping unpersisted snapshot, store is falling behind",
			"node", old.NodeID,
			"snapshot_id", old.ID,
			"observed_at", old.ObservedAt,
		)
		metrics.RecordSnapshotDropped()
	}
	w.queue = append(w.queue, s)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pending returns the snapshots not yet persisted, including the one being
// written, oldest first.
func (w *Writer) Pending() []rules.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]rules.Snapshot, 0, len(w.queue)+1)
	if w.inflight != nil {
		out = append(out, *w.inflight)
	}
	return append(out, w.queue...)
}

// Dropped returns how many snapshots have been dropped so far.
func (w *Writer) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Run persists buffered snapshots until ctx is canceled. Sink failures are
// logged and the snapshot is discarded; retrying is the caller's concern.
func (w *Writer) Run(ctx context.Context) error {
	for {
		if !w.writeNext(ctx) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.notify:
			}
		}
	}
}

// Flush synchronously persists everything still buffered.
func (w *Writer) Flush(ctx context.Context) error {
	for w.writeNext(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeNext(ctx context.Context) bool {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return false
	}
	s := w.queue[0]
	w.queue = w.queue[1:]
	w.inflight = &s
	w.mu.Unlock()

	if err := w.sink.AppendSnapshot(ctx, s); err != nil {
		w.logger.Warn("failed to persist snapshot",
			"node", s.NodeID,
			"snapshot_id", s.ID,
			"error", err,
		)
	}

	w.mu.Lock()
	w.inflight = nil
	w.mu.Unlock()
	return true
}

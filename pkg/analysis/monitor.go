// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/stability"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

// StopCondition bounds a monitoring session. Zero fields never stop it;
// such a session runs until Session.Stop or cancellation of its context.
type StopCondition struct {
	// Duration stops the session once it has run this long.
	Duration time.Duration `json:"duration,omitempty"`
	// MaxTicks stops the session after this many polls.
	MaxTicks int `json:"max_ticks,omitempty"`
}

// StabilityUpdate is emitted after every poll of a monitoring session.
type StabilityUpdate struct {
	SessionID   string                          `json:"session_id"`
	Tick        int                             `json:"tick"`
	ObservedAt  time.Time                       `json:"observed_at"`
	Samples     []stability.Sample              `json:"samples"`
	Assessments map[string]stability.Assessment `json:"assessments"`
	FailedNodes []string                        `json:"failed_nodes"`
	Errors      map[string]string               `json:"errors,omitempty"`
}

// Session is a running stability monitor. Updates are delivered on a
// channel that is closed when the session ends.
type Session struct {
	ID           string
	Nodes        []string
	Window       time.Duration
	PollInterval time.Duration
	StartedAt    time.Time

	o       *Orchestrator
	stop    StopCondition
	updates chan StabilityUpdate
	stopCh  chan struct{}
	once    sync.Once
	done    chan struct{}
	err     error
}

// Updates returns the update stream.
func (s *Session) Updates() <-chan StabilityUpdate {
	return s.updates
}

// Stop ends the session at the next tick boundary. A poll in progress
// completes first, as it does when the session's context is canceled.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// Wait blocks until the session ends. It returns nil when the session was
// stopped or its stop condition was met, and the context error when the
// caller's context was canceled.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RunStabilityMonitor starts polling nodeIDs every pollInterval and
// streams per-node stability over a sliding window. Zero window and
// pollInterval take the configured defaults.
func (o *Orchestrator) RunStabilityMonitor(ctx context.Context, nodeIDs []string, window, pollInterval time.Duration, stop StopCondition) (*Session, error) {
	nodes := o.nodes(nodeIDs)
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if window <= 0 {
		window = o.cfg.Window
	}
	if pollInterval <= 0 {
		pollInterval = o.cfg.PollInterval
	}

	s := &Session{
		ID:           uuid.NewString(),
		Nodes:        append([]string(nil), nodes...),
		Window:       window,
		PollInterval: pollInterval,
		StartedAt:    o.now(),
		o:            o,
		stop:         stop,
		updates:      make(chan StabilityUpdate, 16),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}

	o.mu.Lock()
	o.sessions[s.ID] = s
	o.mu.Unlock()
	metrics.MonitorSessions.Inc()

	o.logger.Info("monitoring session started",
		"session_id", s.ID,
		"nodes", len(nodes),
		"window", window,
		"poll_interval", pollInterval,
	)
	go s.run(ctx)
	return s, nil
}

// ActiveSessions returns the number of running monitoring sessions.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.o.mu.Lock()
		delete(s.o.sessions, s.ID)
		s.o.mu.Unlock()
		metrics.MonitorSessions.Dec()
		close(s.updates)
		close(s.done)
		s.o.logger.Info("monitoring session ended", "session_id", s.ID, "error", s.err)
	}()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if s.stop.Duration > 0 {
		timer := time.NewTimer(s.stop.Duration)
		defer timer.Stop()
		expired = timer.C
	}

	for tick := 1; ; tick++ {
		if err := ctx.Err(); err != nil {
			s.err = err
			return
		}
		if s.finished(tick) {
			return
		}
		// A tick runs to completion; cancellation is observed between
		// ticks. Node fetches stay bounded by the collector's timeout.
		update := s.poll(context.WithoutCancel(ctx), tick)

		select {
		case s.updates <- update:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
		if s.stop.MaxTicks > 0 && tick >= s.stop.MaxTicks {
			return
		}

		select {
		case <-ticker.C:
		case <-expired:
			return
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
}

// finished reports whether the session should stop before poll tick.
func (s *Session) finished(tick int) bool {
	select {
	case <-s.stopCh:
		return true
	default:
	}
	if s.stop.MaxTicks > 0 && tick > s.stop.MaxTicks {
		return true
	}
	if s.stop.Duration > 0 && s.o.now().Sub(s.StartedAt) >= s.stop.Duration {
		return true
	}
	return false
}

func (s *Session) poll(ctx context.Context, tick int) StabilityUpdate {
	o := s.o
	update := StabilityUpdate{
		SessionID:   s.ID,
		Tick:        tick,
		Samples:     []stability.Sample{},
		Assessments: map[string]stability.Assessment{},
		FailedNodes: []string{},
	}

	snapshots, err := o.collector.Collect(ctx, s.Nodes)
	var perr *collector.PartialCollectionError
	if errors.As(err, &perr) {
		update.FailedNodes = perr.Nodes()
	}
	for _, snap := range snapshots {
		o.writer.Enqueue(snap)
	}

	end := o.now()
	for _, snap := range snapshots {
		if snap.ObservedAt.After(end) {
			end = snap.ObservedAt
		}
	}
	update.ObservedAt = end
	o.noteCollection(end, update.FailedNodes)
	window := stability.Window{Start: end.Add(-s.Window), End: end}

	var recs []tsdb.Record
	for _, node := range s.Nodes {
		series, err := o.window(ctx, node, window)
		if err != nil {
			s.fail(&update, node, err)
			continue
		}
		sample, err := stability.Observe(series, window)
		if err != nil {
			s.fail(&update, node, err)
			continue
		}
		if sample.NodeID == "" {
			sample.NodeID = node
		}
		update.Samples = append(update.Samples, sample)
		update.Assessments[node] = stability.Assess(sample)
		metrics.SetStability(node, sample.StabilityScore, len(sample.ChurnEvents))

		rec, err := stabilityRecord(sample)
		if err == nil {
			err = o.db.Append(ctx, rec)
		}
		if err != nil {
			o.logger.Warn("failed to store stability sample", "session_id", s.ID, "node", node, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	o.export(ctx, recs...)

	o.logger.Debug("monitoring poll complete",
		"session_id", s.ID,
		"tick", tick,
		"samples", len(update.Samples),
		"failed_nodes", update.FailedNodes,
	)
	return update
}

func (s *Session) fail(update *StabilityUpdate, node string, err error) {
	if update.Errors == nil {
		update.Errors = map[string]string{}
	}
	update.Errors[node] = err.Error()
	s.o.logger.Warn("stability observation failed", "session_id", s.ID, "node", node, "error", err)
}

// window returns the node's snapshots inside w, combining the store with
// snapshots still waiting in the write buffer. The buffer is read first so
// a snapshot persisted in between is still seen in the store.
func (o *Orchestrator) window(ctx context.Context, node string, w stability.Window) ([]rules.Snapshot, error) {
	var pending []rules.Snapshot
	for _, snap := range o.writer.Pending() {
		if snap.NodeID == node && w.Contains(snap.ObservedAt) {
			pending = append(pending, snap)
		}
	}
	stored, err := decodeAll[rules.Snapshot](ctx, o.db, tsdb.Query{
		Kind:   tsdb.KindRuleSnapshot,
		NodeID: node,
		Start:  w.Start,
		End:    w.End,
	})
	if err != nil {
		return nil, err
	}
	return mergeSnapshots(stored, pending), nil
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/store"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeNodes serves rule tables per node. failFor makes a node fail its
// first n fetches; a negative n fails forever. rotate makes the node
// return a different rule on every fetch.
type fakeNodes struct {
	mu      sync.Mutex
	rules   map[string][]rules.Entry
	failFor map[string]int
	rotate  map[string]bool
	calls   map[string]int
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		rules:   map[string][]rules.Entry{},
		failFor: map[string]int{},
		rotate:  map[string]bool{},
		calls:   map[string]int{},
	}
}

func (f *fakeNodes) FetchRules(_ context.Context, nodeID string) ([]rules.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[nodeID]++
	if n, ok := f.failFor[nodeID]; ok && (n < 0 || f.calls[nodeID] <= n) {
		return nil, fmt.Errorf("connection refused")
	}
	out := append([]rules.Entry(nil), f.rules[nodeID]...)
	if f.rotate[nodeID] {
		out = append(out, entry("eip-rot", fmt.Sprintf("10.9.0.%d", f.calls[nodeID]), "1.1.1.9"))
	}
	return out, nil
}

func (f *fakeNodes) callsFor(node string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[node]
}

func entry(owner, src, ext string) rules.Entry {
	return rules.NewEntry("", owner, rules.MatchKey{Kind: rules.KindSNAT, Source: src}, "snat "+ext)
}

func entries(prefix string, n int) []rules.Entry {
	out := make([]rules.Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, entry(prefix, fmt.Sprintf("10.%d.%d.%d", len(prefix), i/250, i%250+1), "1.1.1.1"))
	}
	return out
}

type fakeSource struct {
	samples []correlation.PerformanceSample
	err     error
	calls   atomic.Int32
}

func (f *fakeSource) FetchMetrics(context.Context, Scope, correlation.TimeRange) ([]correlation.PerformanceSample, error) {
	f.calls.Add(1)
	return f.samples, f.err
}

type staticBaseline rules.Expected

func (b staticBaseline) Expected(context.Context) (rules.Expected, error) {
	return rules.Expected(b), nil
}

type recordingExporter struct {
	mu   sync.Mutex
	recs []tsdb.Record
}

func (e *recordingExporter) Export(_ context.Context, recs ...tsdb.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = append(e.recs, recs...)
	return nil
}

func (e *recordingExporter) kinds() map[tsdb.Kind]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[tsdb.Kind]int{}
	for _, r := range e.recs {
		out[r.Kind]++
	}
	return out
}

func newDB(t *testing.T) *tsdb.DB {
	t.Helper()
	kv, err := store.NewBadgerStore(store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return tsdb.New(kv)
}

func newOrchestrator(t *testing.T, nodes *fakeNodes, opts ...Option) (*Orchestrator, *tsdb.DB) {
	t.Helper()
	db := newDB(t)
	c := collector.New(nodes, collector.Config{Concurrency: 4, NodeTimeout: time.Second})
	cfg := Config{
		Nodes:          []string{"node-a", "node-b", "node-c"},
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Window:         time.Minute,
		PollInterval:   20 * time.Millisecond,
	}
	return New(c, db, cfg, opts...), db
}

func consistentNodes() *fakeNodes {
	f := newFakeNodes()
	shared := []rules.Entry{entry("eip1", "10.0.0.5", "172.18.0.10"), entry("eip2", "10.0.0.6", "172.18.0.11")}
	for _, n := range []string{"node-a", "node-b", "node-c"} {
		f.rules[n] = shared
	}
	return f
}

func TestRunConsistencyCheck_Consistent(t *testing.T) {
	ctx := context.Background()
	exp := &recordingExporter{}
	o, db := newOrchestrator(t, consistentNodes(), WithExporter(exp))

	res, err := o.RunConsistencyCheck(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Sample.Score)
	assert.Empty(t, res.FailedNodes)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.Sample.PerNodeCounts, 3)

	rec, ok, err := db.Latest(ctx, tsdb.Query{Kind: tsdb.KindConsistency})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Sample.ID, rec.EntityID)
	assert.Equal(t, 1, exp.kinds()[tsdb.KindConsistency])

	require.NoError(t, o.Flush(ctx))
	n, err := db.Count(ctx, tsdb.KindRuleSnapshot)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunConsistencyCheck_RetriesFailedNodesOnly(t *testing.T) {
	nodes := consistentNodes()
	nodes.failFor["node-b"] = 1
	o, _ := newOrchestrator(t, nodes)

	res, err := o.RunConsistencyCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.FailedNodes)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1.0, res.Sample.Score)
	assert.Equal(t, 1, nodes.callsFor("node-a"))
	assert.Equal(t, 2, nodes.callsFor("node-b"))
}

func TestRunConsistencyCheck_ReportsPersistentFailures(t *testing.T) {
	nodes := consistentNodes()
	nodes.failFor["node-c"] = -1
	o, _ := newOrchestrator(t, nodes)

	res, err := o.RunConsistencyCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-c"}, res.FailedNodes)
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, DefaultMaxAttempts, nodes.callsFor("node-c"))
	assert.NotContains(t, res.Sample.PerNodeCounts, "node-c")
	assert.Equal(t, 1.0, res.Sample.Score)

	st, err := o.GetStatus(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-c"}, st.FailedNodes)
}

func TestRunConsistencyCheck_AllFailed(t *testing.T) {
	nodes := newFakeNodes()
	nodes.failFor["node-a"] = -1
	o, _ := newOrchestrator(t, nodes)

	res, err := o.RunConsistencyCheck(context.Background(), []string{"node-a"})
	require.ErrorIs(t, err, ErrAllNodesFailed)
	assert.Equal(t, []string{"node-a"}, res.FailedNodes)
}

func TestRunConsistencyCheck_NoNodes(t *testing.T) {
	db := newDB(t)
	o := New(collector.New(newFakeNodes(), collector.Config{}), db, Config{})
	_, err := o.RunConsistencyCheck(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestRunConsistencyCheck_Baseline(t *testing.T) {
	nodes := consistentNodes()
	baseline := staticBaseline{
		"eip1": {{Match: rules.MatchKey{Kind: rules.KindSNAT, Source: "10.0.0.5"}, Action: "snat 172.18.0.10"}},
		"eip2": {{Match: rules.MatchKey{Kind: rules.KindSNAT, Source: "10.0.0.6"}, Action: "snat 172.18.0.11"}},
		"eip3": {{Match: rules.MatchKey{Kind: rules.KindSNAT, Source: "10.0.0.7"}, Nodes: []string{"node-a"}}},
	}
	o, _ := newOrchestrator(t, nodes, WithBaseline(baseline))

	res, err := o.RunConsistencyCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Sample.Baseline)
	require.Len(t, res.Sample.MissingRules, 1)
	assert.Equal(t, "node-a", res.Sample.MissingRules[0].NodeID)
	assert.Less(t, res.Sample.Score, 1.0)
}

func TestRunStabilityMonitor_StreamsUntilMaxTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := consistentNodes()
	nodes.rotate["node-a"] = true
	o, _ := newOrchestrator(t, nodes)
	go func() { _ = o.Run(ctx) }()

	s, err := o.RunStabilityMonitor(ctx, []string{"node-a", "node-b"}, 0, 0, StopCondition{MaxTicks: 3})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	var updates []StabilityUpdate
	for u := range s.Updates() {
		updates = append(updates, u)
	}
	require.NoError(t, s.Wait())
	require.Len(t, updates, 3)

	last := updates[2]
	assert.Equal(t, 3, last.Tick)
	assert.Equal(t, s.ID, last.SessionID)
	assert.Empty(t, last.FailedNodes)
	require.Len(t, last.Samples, 2)

	byNode := map[string]int{}
	for _, sample := range last.Samples {
		byNode[sample.NodeID] = len(sample.ChurnEvents)
		assert.Equal(t, 3, sample.SnapshotCount, sample.NodeID)
	}
	assert.Equal(t, 2, byNode["node-a"])
	assert.Equal(t, 0, byNode["node-b"])
	assert.Equal(t, "mostly_stable", string(last.Assessments["node-a"].Level))
	assert.Equal(t, "stable", string(last.Assessments["node-b"].Level))
	assert.Equal(t, 0, o.ActiveSessions())
}

func TestRunStabilityMonitor_Stop(t *testing.T) {
	o, _ := newOrchestrator(t, consistentNodes())

	s, err := o.RunStabilityMonitor(context.Background(), nil, time.Minute, 10*time.Millisecond, StopCondition{})
	require.NoError(t, err)

	first, ok := <-s.Updates()
	require.True(t, ok)
	assert.Equal(t, 1, first.Tick)
	assert.Len(t, first.Samples, 3)

	s.Stop()
	s.Stop()
	for range s.Updates() {
	}
	assert.NoError(t, s.Wait())
}

func TestRunStabilityMonitor_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o, _ := newOrchestrator(t, consistentNodes())

	s, err := o.RunStabilityMonitor(ctx, nil, 0, time.Hour, StopCondition{})
	require.NoError(t, err)
	<-s.Updates()
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after cancellation")
	}
	assert.ErrorIs(t, s.Wait(), context.Canceled)
}

func TestRunStabilityMonitor_Duration(t *testing.T) {
	o, _ := newOrchestrator(t, consistentNodes())

	s, err := o.RunStabilityMonitor(context.Background(), nil, 0, time.Hour, StopCondition{Duration: 50 * time.Millisecond})
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session outlived its duration")
	}
	assert.NoError(t, s.Wait())
}

func TestRunStabilityMonitor_ReportsFailedNodes(t *testing.T) {
	nodes := consistentNodes()
	nodes.failFor["node-b"] = -1
	o, _ := newOrchestrator(t, nodes)

	s, err := o.RunStabilityMonitor(context.Background(), nil, 0, 0, StopCondition{MaxTicks: 1})
	require.NoError(t, err)
	u := <-s.Updates()
	require.NoError(t, s.Wait())

	assert.Equal(t, []string{"node-b"}, u.FailedNodes)
	for _, sample := range u.Samples {
		if sample.NodeID == "node-b" {
			assert.Zero(t, sample.SnapshotCount)
		}
	}
}

func TestRunStabilityMonitor_NoNodes(t *testing.T) {
	o := New(collector.New(newFakeNodes(), collector.Config{}), newDB(t), Config{})
	_, err := o.RunStabilityMonitor(context.Background(), nil, 0, 0, StopCondition{})
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestRunStabilityMonitor_ClosesAfterLastTick(t *testing.T) {
	o, _ := newOrchestrator(t, consistentNodes())

	s, err := o.RunStabilityMonitor(context.Background(), nil, 0, 5*time.Second, StopCondition{MaxTicks: 1})
	require.NoError(t, err)

	u, ok := <-s.Updates()
	require.True(t, ok)
	assert.Equal(t, 1, u.Tick)

	select {
	case _, ok := <-s.Updates():
		assert.False(t, ok, "expected no update beyond MaxTicks")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("stream stayed open for another poll interval after the last tick")
	}
	assert.NoError(t, s.Wait())
}

func TestRunStabilityMonitor_CancelWaitsForTickBoundary(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var aborted atomic.Bool
	accessor := collector.AccessorFunc(func(ctx context.Context, nodeID string) ([]rules.Entry, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		if ctx.Err() != nil {
			aborted.Store(true)
		}
		return []rules.Entry{entry("eip-a", "10.0.0.5", "1.1.1.1")}, nil
	})

	db := newDB(t)
	o := New(collector.New(accessor, collector.Config{NodeTimeout: 5 * time.Second}), db, Config{
		Nodes:        []string{"node-a"},
		Window:       time.Minute,
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := o.RunStabilityMonitor(ctx, nil, 0, 0, StopCondition{})
	require.NoError(t, err)

	<-started
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after cancellation")
	}
	assert.ErrorIs(t, s.Wait(), context.Canceled)
	assert.False(t, aborted.Load(), "fetch saw the caller's cancellation mid-tick")

	n, err := db.Count(context.Background(), tsdb.KindStability)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the interrupted tick should still store its sample")
}

// seedChurn stores one snapshot of node per minute for minutes 0..5. The
// snapshot in minute 2 replaces every rule.
func seedChurn(t *testing.T, db *tsdb.DB, node string) {
	t.Helper()
	ctx := context.Background()
	for m := 0; m <= 5; m++ {
		set := entries("a", 100)
		if m >= 2 {
			set = entries("bb", 100)
		}
		snap := rules.NewSnapshot(node, t0.Add(time.Duration(m)*time.Minute+10*time.Second), "test", set)
		rec, err := snapshotRecord(snap)
		require.NoError(t, err)
		require.NoError(t, db.Append(ctx, rec))
	}
}

func perfConfig() correlation.Config {
	cfg := correlation.DefaultConfig()
	cfg.BucketWidth = time.Minute
	cfg.Thresholds = map[string]float64{"p95_latency": 250}
	return cfg
}

func TestRunPerformanceAnalysis_ChurnExplainsLatency(t *testing.T) {
	ctx := context.Background()
	nodes := newFakeNodes()
	db := newDB(t)
	exp := &recordingExporter{}
	o := New(collector.New(nodes, collector.Config{}), db, Config{
		Nodes:          []string{"node-x"},
		InitialBackoff: time.Millisecond,
		Correlation:    perfConfig(),
	}, WithClock(func() time.Time { return t0.Add(10 * time.Minute) }), WithExporter(exp))

	seedChurn(t, db, "node-x")
	var samples []correlation.PerformanceSample
	for i, v := range []float64{100, 100, 100, 500} {
		samples = append(samples, correlation.NewPerformanceSample("p95_latency", "node-x", t0.Add(time.Duration(i)*time.Minute+30*time.Second), v))
	}
	ing, err := o.IngestPerformance(ctx, samples)
	require.NoError(t, err)
	assert.Equal(t, 4, ing.Accepted)

	tr := correlation.TimeRange{Start: t0, End: t0.Add(6 * time.Minute)}
	res, err := o.RunPerformanceAnalysis(ctx, Scope{}, tr)
	require.NoError(t, err)
	assert.Equal(t, 4, res.SamplesAnalyzed)
	assert.Empty(t, res.FailedNodes)
	require.NotEmpty(t, res.Findings)

	top := res.Findings[0]
	assert.Equal(t, correlation.CauseRuleChurn, top.Cause)
	assert.Equal(t, "node-x", top.NodeID)
	assert.Equal(t, t0.Add(3*time.Minute), top.BucketStart)

	n, err := db.Count(ctx, tsdb.KindFinding)
	require.NoError(t, err)
	assert.Equal(t, len(res.Findings), n)
	assert.Equal(t, len(res.Findings), exp.kinds()[tsdb.KindFinding])

	// Re-running over the same range keeps the stored findings.
	again, err := o.RunPerformanceAnalysis(ctx, Scope{}, tr)
	require.NoError(t, err)
	assert.Equal(t, res.Findings, again.Findings)
	assert.Equal(t, 1, again.Findings[0].Revision)
	n, err = db.Count(ctx, tsdb.KindFinding)
	require.NoError(t, err)
	assert.Equal(t, len(res.Findings), n)
}

func TestRunPerformanceAnalysis_LateSampleRevisesFinding(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	o := New(collector.New(newFakeNodes(), collector.Config{}), db, Config{
		Nodes:          []string{"node-x"},
		InitialBackoff: time.Millisecond,
		Correlation:    perfConfig(),
	}, WithClock(func() time.Time { return t0.Add(10 * time.Minute) }))

	seedChurn(t, db, "node-x")
	var samples []correlation.PerformanceSample
	for i, v := range []float64{100, 100, 100, 500} {
		samples = append(samples, correlation.NewPerformanceSample("p95_latency", "node-x", t0.Add(time.Duration(i)*time.Minute+30*time.Second), v))
	}
	_, err := o.IngestPerformance(ctx, samples)
	require.NoError(t, err)

	tr := correlation.TimeRange{Start: t0, End: t0.Add(6 * time.Minute)}
	first, err := o.RunPerformanceAnalysis(ctx, Scope{}, tr)
	require.NoError(t, err)
	require.NotEmpty(t, first.Findings)
	require.Equal(t, 500.0, first.Findings[0].Value)
	stored, err := db.Count(ctx, tsdb.KindFinding)
	require.NoError(t, err)

	late := correlation.NewPerformanceSample("p95_latency", "node-x", t0.Add(3*time.Minute+45*time.Second), 1500)
	_, err = o.IngestPerformance(ctx, []correlation.PerformanceSample{late})
	require.NoError(t, err)

	second, err := o.RunPerformanceAnalysis(ctx, Scope{}, tr)
	require.NoError(t, err)
	require.NotEmpty(t, second.Findings)
	revised := second.Findings[0]
	assert.Equal(t, first.Findings[0].Key, revised.Key)
	assert.NotEqual(t, first.Findings[0].ID, revised.ID)
	assert.Equal(t, 1000.0, revised.Value)
	assert.Equal(t, 2, revised.Revision)

	n, err := db.Count(ctx, tsdb.KindFinding)
	require.NoError(t, err)
	assert.Equal(t, stored+1, n)

	st, err := o.GetStatus(ctx, Scope{})
	require.NoError(t, err)
	var current []correlation.Finding
	for _, f := range st.Findings {
		if f.Key == revised.Key {
			current = append(current, f)
		}
	}
	require.Len(t, current, 1)
	assert.Equal(t, 1000.0, current[0].Value)
	assert.Equal(t, revised.ID, current[0].ID)
	assert.Equal(t, len(second.Findings), st.Summary.Findings)
}

func TestRunPerformanceAnalysis_MetricsSource(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	src := &fakeSource{}
	for i, v := range []float64{100, 100, 100, 500} {
		src.samples = append(src.samples, correlation.PerformanceSample{
			MetricName: "p95_latency",
			Timestamp:  t0.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Value:      v,
		})
	}
	o := New(collector.New(newFakeNodes(), collector.Config{}), db, Config{Correlation: perfConfig()}, WithMetricsSource(src))

	tr := correlation.TimeRange{Start: t0, End: t0.Add(6 * time.Minute)}
	res, err := o.RunPerformanceAnalysis(ctx, Scope{}, tr)
	require.NoError(t, err)
	assert.Equal(t, 4, res.SamplesAnalyzed)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, correlation.CauseUnknown, res.Findings[0].Cause)

	stored, err := db.Count(ctx, tsdb.KindPerformance)
	require.NoError(t, err)
	assert.Equal(t, 4, stored)
}

func TestRunPerformanceAnalysis_SourceFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{err: errors.New("prometheus down")}
	db := newDB(t)
	o := New(collector.New(newFakeNodes(), collector.Config{}), db, Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Correlation:    perfConfig(),
	}, WithMetricsSource(src))

	_, err := o.IngestPerformance(ctx, []correlation.PerformanceSample{
		correlation.NewPerformanceSample("p95_latency", "", t0.Add(30*time.Second), 400),
	})
	require.NoError(t, err)

	res, err := o.RunPerformanceAnalysis(ctx, Scope{}, correlation.TimeRange{Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int32(DefaultMaxAttempts), src.calls.Load())
	assert.Equal(t, 1, res.SamplesAnalyzed)
	assert.Len(t, res.Findings, 1)
}

func TestRunPerformanceAnalysis_ScopedNodeWithoutHistory(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	o := New(collector.New(newFakeNodes(), collector.Config{}), db, Config{Correlation: perfConfig()})
	seedChurn(t, db, "node-x")

	res, err := o.RunPerformanceAnalysis(ctx, Scope{Nodes: []string{"node-x", "node-gone"}}, correlation.TimeRange{Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-gone"}, res.FailedNodes)
	assert.Empty(t, res.Findings)
}

func TestIngestPerformance(t *testing.T) {
	ctx := context.Background()
	o := New(collector.New(newFakeNodes(), collector.Config{}), newDB(t), Config{})

	s := correlation.NewPerformanceSample("p95_latency", "node-x", t0, 120)
	_, err := o.IngestPerformance(ctx, []correlation.PerformanceSample{s})
	require.NoError(t, err)

	// Identical content is accepted again.
	res, err := o.IngestPerformance(ctx, []correlation.PerformanceSample{s})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	changed := s
	changed.Value = 999
	_, err = o.IngestPerformance(ctx, []correlation.PerformanceSample{changed})
	require.ErrorIs(t, err, tsdb.ErrConflict)
	var cerr *tsdb.ConflictError
	assert.ErrorAs(t, err, &cerr)

	_, err = o.IngestPerformance(ctx, []correlation.PerformanceSample{{MetricName: "x"}})
	assert.ErrorIs(t, err, ErrInvalidSample)
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	o, _ := newOrchestrator(t, consistentNodes())

	_, err := o.RunConsistencyCheck(ctx, nil)
	require.NoError(t, err)

	s, err := o.RunStabilityMonitor(ctx, nil, 0, 0, StopCondition{MaxTicks: 2})
	require.NoError(t, err)
	for range s.Updates() {
	}
	require.NoError(t, s.Wait())

	st, err := o.GetStatus(ctx, Scope{})
	require.NoError(t, err)
	require.NotNil(t, st.Consistency)
	assert.Equal(t, 1.0, st.Consistency.Score)
	assert.Len(t, st.Stability, 3)
	assert.Empty(t, st.FailedNodes)
	assert.Equal(t, 0, st.ActiveSessions)
	assert.False(t, st.LastCollection.IsZero())

	assert.Equal(t, DefaultSummaryHours, st.Summary.Hours)
	assert.Equal(t, 1, st.Summary.ConsistencyChecks)
	assert.Equal(t, 1.0, st.Summary.AvgConsistency)
	assert.Equal(t, 6, st.Summary.StabilitySamples)
	assert.Equal(t, 1.0, st.Summary.AvgStability)

	scoped, err := o.GetStatus(ctx, Scope{Nodes: []string{"node-a"}})
	require.NoError(t, err)
	require.Len(t, scoped.Stability, 1)
	assert.Equal(t, "node-a", scoped.Stability[0].NodeID)
}

func TestGetStatus_ConsistencyFollowsScope(t *testing.T) {
	ctx := context.Background()
	o, _ := newOrchestrator(t, consistentNodes())

	_, err := o.RunConsistencyCheck(ctx, []string{"node-a", "node-b"})
	require.NoError(t, err)
	_, err = o.RunConsistencyCheck(ctx, []string{"node-c"})
	require.NoError(t, err)

	st, err := o.GetStatus(ctx, Scope{Nodes: []string{"node-a"}})
	require.NoError(t, err)
	require.NotNil(t, st.Consistency)
	assert.Contains(t, st.Consistency.PerNodeCounts, "node-a")
	assert.NotContains(t, st.Consistency.PerNodeCounts, "node-c")
	assert.Equal(t, 1, st.Summary.ConsistencyChecks)

	st, err = o.GetStatus(ctx, Scope{Nodes: []string{"node-c"}})
	require.NoError(t, err)
	require.NotNil(t, st.Consistency)
	assert.Equal(t, map[string]int{"node-c": 2}, st.Consistency.PerNodeCounts)

	all, err := o.GetStatus(ctx, Scope{})
	require.NoError(t, err)
	require.NotNil(t, all.Consistency)
	assert.Equal(t, 2, all.Summary.ConsistencyChecks)

	none, err := o.GetStatus(ctx, Scope{Nodes: []string{"node-z"}})
	require.NoError(t, err)
	assert.Nil(t, none.Consistency)
	assert.Equal(t, 0, none.Summary.ConsistencyChecks)
}

func TestScopeName(t *testing.T) {
	assert.Equal(t, "cluster", Scope{}.Name())
	assert.Equal(t, "a,b", Scope{Nodes: []string{"b", "a"}}.Name())
}

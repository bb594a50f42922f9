// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/rules"
	"github.com/loganrossus/egresswatch/pkg/store"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService records its inputs and returns canned results. Monitoring is
// delegated to a real orchestrator when one is set.
type fakeService struct {
	monitor *analysis.Orchestrator

	consistency    analysis.ConsistencyResult
	consistencyErr error
	performance    analysis.PerformanceResult
	ingestErr      error
	statusErr      error

	gotNodes   []string
	gotScope   analysis.Scope
	gotRange   correlation.TimeRange
	gotSamples []correlation.PerformanceSample
	gotHours   int
	gotDays    int
}

func (f *fakeService) RunConsistencyCheck(_ context.Context, nodeIDs []string) (analysis.ConsistencyResult, error) {
	f.gotNodes = nodeIDs
	return f.consistency, f.consistencyErr
}

func (f *fakeService) RunStabilityMonitor(ctx context.Context, nodeIDs []string, window, poll time.Duration, stop analysis.StopCondition) (*analysis.Session, error) {
	if f.monitor == nil {
		return nil, analysis.ErrNoNodes
	}
	return f.monitor.RunStabilityMonitor(ctx, nodeIDs, window, poll, stop)
}

func (f *fakeService) RunPerformanceAnalysis(_ context.Context, scope analysis.Scope, tr correlation.TimeRange) (analysis.PerformanceResult, error) {
	f.gotScope = scope
	f.gotRange = tr
	return f.performance, nil
}

func (f *fakeService) IngestPerformance(_ context.Context, samples []correlation.PerformanceSample) (analysis.IngestResult, error) {
	f.gotSamples = samples
	if f.ingestErr != nil {
		return analysis.IngestResult{}, f.ingestErr
	}
	return analysis.IngestResult{Accepted: len(samples)}, nil
}

func (f *fakeService) GetStatus(_ context.Context, scope analysis.Scope) (analysis.Status, error) {
	f.gotScope = scope
	return analysis.Status{Scope: scope}, f.statusErr
}

func (f *fakeService) Summarize(_ context.Context, scope analysis.Scope, hours int) (analysis.Summary, error) {
	f.gotScope = scope
	f.gotHours = hours
	return analysis.Summary{Hours: hours}, nil
}

func (f *fakeService) Trend(_ context.Context, scope analysis.Scope, days int) (analysis.TrendReport, error) {
	f.gotScope = scope
	f.gotDays = days
	return analysis.TrendReport{
		Days:        days,
		Scope:       scope,
		Consistency: analysis.SeriesTrend{Direction: analysis.TrendDecreasing},
		Performance: map[string]analysis.SeriesTrend{},
	}, nil
}

func newTestServer(t *testing.T, svc Service, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{
		AllowedNetworks: []string{"192.0.2.0/24"},
		Logger:          discardLogger(),
	}, svc, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(ServerConfig{}, nil)
	assert.Error(t, err)

	_, err = NewServer(ServerConfig{AllowedNetworks: []string{"bogus/99"}}, &fakeService{})
	assert.Error(t, err)
}

func TestLiveAndReady(t *testing.T) {
	var notReady error
	s := newTestServer(t, &fakeService{}, WithReadiness(func(context.Context) error { return notReady }))

	rr := do(t, s, http.MethodGet, "/api/v1/live", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[LiveResponse](t, rr).Alive)

	rr = do(t, s, http.MethodGet, "/api/v1/ready", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	notReady = errors.New("store unavailable")
	rr = do(t, s, http.MethodGet, "/api/v1/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decodeBody[ReadyResponse](t, rr)
	assert.False(t, resp.Ready)
	assert.Equal(t, "store unavailable", resp.Message)
}

func TestACL_ProtectsOperationsNotProbes(t *testing.T) {
	s, err := NewServer(ServerConfig{Logger: discardLogger()}, &fakeService{})
	require.NoError(t, err)

	// httptest requests come from 192.0.2.1, which is not loopback.
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/live", "").Code)
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	rr := do(t, s, http.MethodGet, "/api/v1/version", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decodeBody[VersionResponse](t, rr).Version)
}

func TestStatus_ParsesScope(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(t, svc)

	rr := do(t, s, http.MethodGet, "/api/v1/status?nodes=node-a,node-b&nodes=node-c&metrics=p95_latency", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, svc.gotScope.Nodes)
	assert.Equal(t, []string{"p95_latency"}, svc.gotScope.Metrics)
	assert.Equal(t, "node-a,node-b,node-c", decodeBody[analysis.Status](t, rr).Scope.Name())

	svc.statusErr = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/api/v1/status", "").Code)
}

func TestSummary(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(t, svc)

	rr := do(t, s, http.MethodGet, "/api/v1/summary?hours=6", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 6, svc.gotHours)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/summary?hours=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/summary?hours=-1", "").Code)
}

func TestTrend(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(t, svc)

	rr := do(t, s, http.MethodGet, "/api/v1/trend?days=14&nodes=node-a&metrics=p95_latency", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 14, svc.gotDays)
	assert.Equal(t, []string{"node-a"}, svc.gotScope.Nodes)
	assert.Equal(t, []string{"p95_latency"}, svc.gotScope.Metrics)

	rep := decodeBody[analysis.TrendReport](t, rr)
	assert.Equal(t, 14, rep.Days)
	assert.Equal(t, analysis.TrendDecreasing, rep.Consistency.Direction)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/trend", "").Code)
	assert.Equal(t, 0, svc.gotDays)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/trend?days=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/trend?days=-3", "").Code)
}

func TestConsistency(t *testing.T) {
	svc := &fakeService{consistency: analysis.ConsistencyResult{
		Sample:      consistency.Sample{ID: "consistency-1", Score: 0.5},
		FailedNodes: []string{},
		Attempts:    1,
	}}
	s := newTestServer(t, svc)

	rr := do(t, s, http.MethodPost, "/api/v1/consistency", `{"nodes":["node-a","node-b"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"node-a", "node-b"}, svc.gotNodes)
	res := decodeBody[analysis.ConsistencyResult](t, rr)
	assert.Equal(t, 0.5, res.Sample.Score)

	// An empty body checks every configured node.
	rr = do(t, s, http.MethodPost, "/api/v1/consistency", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, svc.gotNodes)
}

func TestConsistency_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"unknown field", nil, `{"node":["a"]}`, http.StatusBadRequest},
		{"malformed", nil, `{"nodes":`, http.StatusBadRequest},
		{"blank node", nil, `{"nodes":[""]}`, http.StatusBadRequest},
		{"no nodes", analysis.ErrNoNodes, `{}`, http.StatusBadRequest},
		{"canceled", context.Canceled, `{}`, http.StatusServiceUnavailable},
		{"internal", errors.New("disk full"), `{}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeService{consistencyErr: tt.err})
			rr := do(t, s, http.MethodPost, "/api/v1/consistency", tt.body)
			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, tt.want, decodeBody[ErrorResponse](t, rr).Code)
		})
	}
}

func TestConsistency_AllNodesFailed(t *testing.T) {
	svc := &fakeService{
		consistency:    analysis.ConsistencyResult{FailedNodes: []string{"node-a", "node-b"}},
		consistencyErr: analysis.ErrAllNodesFailed,
	}
	s := newTestServer(t, svc)

	rr := do(t, s, http.MethodPost, "/api/v1/consistency", `{}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, []string{"node-a", "node-b"}, decodeBody[ErrorResponse](t, rr).FailedNodes)
}

func TestPerformance(t *testing.T) {
	svc := &fakeService{performance: analysis.PerformanceResult{
		Findings: []correlation.Finding{{ID: "finding-1", Cause: correlation.CauseRuleChurn}},
	}}
	s := newTestServer(t, svc)

	body := fmt.Sprintf(`{"nodes":["node-a"],"metrics":["p95_latency"],"start":%q,"end":%q}`,
		t0.Format(time.RFC3339), t0.Add(time.Hour).Format(time.RFC3339))
	rr := do(t, s, http.MethodPost, "/api/v1/performance", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, analysis.Scope{Nodes: []string{"node-a"}, Metrics: []string{"p95_latency"}}, svc.gotScope)
	assert.True(t, svc.gotRange.Start.Equal(t0))
	assert.True(t, svc.gotRange.End.Equal(t0.Add(time.Hour)))
	res := decodeBody[analysis.PerformanceResult](t, rr)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, correlation.CauseRuleChurn, res.Findings[0].Cause)

	inverted := fmt.Sprintf(`{"start":%q,"end":%q}`, t0.Format(time.RFC3339), t0.Add(-time.Hour).Format(time.RFC3339))
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/performance", inverted).Code)
}

func TestIngest(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(t, svc)

	body := fmt.Sprintf(`{"samples":[{"metric_name":"p95_latency","node_id":"node-a","timestamp":%q,"value":0}]}`,
		t0.Format(time.RFC3339))
	rr := do(t, s, http.MethodPost, "/api/v1/performance/samples", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decodeBody[analysis.IngestResult](t, rr).Accepted)
	require.Len(t, svc.gotSamples, 1)
	assert.Equal(t, "p95_latency", svc.gotSamples[0].MetricName)
	assert.Zero(t, svc.gotSamples[0].Value)
}

func TestIngest_Errors(t *testing.T) {
	ts := t0.Format(time.RFC3339)
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"no samples", nil, `{"samples":[]}`, http.StatusBadRequest},
		{"missing value", nil, fmt.Sprintf(`{"samples":[{"metric_name":"m","timestamp":%q}]}`, ts), http.StatusBadRequest},
		{"missing metric", nil, fmt.Sprintf(`{"samples":[{"timestamp":%q,"value":1}]}`, ts), http.StatusBadRequest},
		{"invalid sample", analysis.ErrInvalidSample, fmt.Sprintf(`{"samples":[{"metric_name":"m","timestamp":%q,"value":1}]}`, ts), http.StatusBadRequest},
		{"conflict", fmt.Errorf("append: %w", tsdb.ErrConflict), fmt.Sprintf(`{"samples":[{"metric_name":"m","timestamp":%q,"value":1}]}`, ts), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeService{ingestErr: tt.err})
			rr := do(t, s, http.MethodPost, "/api/v1/performance/samples", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func newMonitorOrchestrator(t *testing.T) *analysis.Orchestrator {
	t.Helper()
	kv, err := store.NewBadgerStore(store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	accessor := collector.AccessorFunc(func(_ context.Context, nodeID string) ([]rules.Entry, error) {
		if nodeID == "node-down" {
			return nil, errors.New("connection refused")
		}
		return []rules.Entry{
			rules.NewEntry("", "eip-a", rules.MatchKey{Kind: rules.KindSNAT, Source: "10.128.0.5"}, "snat 192.0.2.10"),
		}, nil
	})
	c := collector.New(accessor, collector.Config{NodeTimeout: time.Second})
	return analysis.New(c, tsdb.New(kv), analysis.Config{
		Nodes:        []string{"node-a", "node-b"},
		Window:       time.Minute,
		PollInterval: 5 * time.Millisecond,
	}, analysis.WithLogger(discardLogger()))
}

func TestMonitor_StreamsUpdates(t *testing.T) {
	o := newMonitorOrchestrator(t)
	s := newTestServer(t, &fakeService{monitor: o})

	rr := do(t, s, http.MethodGet, "/api/v1/monitor?nodes=node-a,node-down&ticks=3&interval=5ms", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))
	sessionID := rr.Header().Get("X-Session-ID")
	assert.NotEmpty(t, sessionID)

	var updates []analysis.StabilityUpdate
	sc := bufio.NewScanner(rr.Body)
	for sc.Scan() {
		var u analysis.StabilityUpdate
		require.NoError(t, json.Unmarshal(sc.Bytes(), &u))
		updates = append(updates, u)
	}
	require.Len(t, updates, 3)
	for i, u := range updates {
		assert.Equal(t, sessionID, u.SessionID)
		assert.Equal(t, i+1, u.Tick)
		assert.Equal(t, []string{"node-down"}, u.FailedNodes)
		assert.Contains(t, u.Assessments, "node-a")
	}
	assert.Zero(t, o.ActiveSessions())
}

func TestMonitor_MaxDurationCapsSession(t *testing.T) {
	o := newMonitorOrchestrator(t)
	s, err := NewServer(ServerConfig{
		AllowedNetworks:    []string{"192.0.2.0/24"},
		Logger:             discardLogger(),
		MaxMonitorDuration: 30 * time.Millisecond,
	}, &fakeService{monitor: o})
	require.NoError(t, err)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- do(t, s, http.MethodGet, "/api/v1/monitor?interval=5ms", "") }()

	select {
	case rr := <-done:
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NotEmpty(t, rr.Body.String())
	case <-time.After(5 * time.Second):
		t.Fatal("monitor request was not capped")
	}
}

func TestMonitor_BadParams(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	for _, q := range []string{"window=abc", "interval=-1s", "duration=1x", "ticks=-2", "ticks=many"} {
		t.Run(q, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/monitor?"+q, "").Code)
		})
	}

	// No orchestrator behind the fake means no nodes.
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/monitor", "").Code)
}

func TestRecords(t *testing.T) {
	kv, err := store.NewBadgerStore(store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	db := tsdb.New(kv)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p := correlation.NewPerformanceSample("p95_latency", "node-a", t0.Add(time.Duration(i)*time.Minute), float64(i))
		rec, err := tsdb.NewRecord(tsdb.KindPerformance, p.ID, p.NodeID, p.Timestamp, p)
		require.NoError(t, err)
		require.NoError(t, db.Append(ctx, rec))
	}

	s := newTestServer(t, &fakeService{}, WithRecords(db))

	rr := do(t, s, http.MethodGet, "/api/v1/records/performance_sample?node=node-a&limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Kind    string        `json:"kind"`
		Count   int           `json:"count"`
		Records []tsdb.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.True(t, resp.Records[0].ObservedAt.Equal(t0))

	target := "/api/v1/records/performance_sample?start=" + t0.Add(3*time.Minute).Format(time.RFC3339)
	rr = do(t, s, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rr = do(t, s, http.MethodGet, "/api/v1/records/stability_sample", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"records":[]`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/records/bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/records/performance_sample?start=yesterday", "").Code)
}

func TestRecords_DisabledWithoutReader(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/records/performance_sample", "").Code)
}

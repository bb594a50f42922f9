// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loganrossus/egresswatch/pkg/analysis"
	"github.com/loganrossus/egresswatch/pkg/correlation"
	"github.com/loganrossus/egresswatch/pkg/tsdb"
	"github.com/loganrossus/egresswatch/pkg/version"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
	maxBodyBytes       = 8 << 20
)

var validate = validator.New()

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LiveResponse{Alive: true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Ready: false, Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Ready: true})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: version.GetVersion()})
}

// handleStatus handles GET /api/v1/status?nodes=a,b&metrics=m
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.GetStatus(r.Context(), scopeFromQuery(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSummary handles GET /api/v1/summary?hours=24&nodes=a,b
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours")
	if err != nil || hours < 0 {
		writeError(w, http.StatusBadRequest, "hours must be a non-negative integer")
		return
	}
	summary, err := s.service.Summarize(r.Context(), scopeFromQuery(r), hours)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleTrend handles GET /api/v1/trend?days=7&nodes=a,b&metrics=m
func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days")
	if err != nil || days < 0 {
		writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
		return
	}
	report, err := s.service.Trend(r.Context(), scopeFromQuery(r), days)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleConsistency handles POST /api/v1/consistency
func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	var req ConsistencyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.service.RunConsistencyCheck(r.Context(), req.Nodes)
	if errors.Is(err, analysis.ErrAllNodesFailed) {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:       err.Error(),
			Code:        http.StatusBadGateway,
			FailedNodes: res.FailedNodes,
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePerformance handles POST /api/v1/performance
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	var req PerformanceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Start.IsZero() && !req.End.IsZero() && req.End.Before(req.Start) {
		writeError(w, http.StatusBadRequest, "end must not precede start")
		return
	}

	scope := analysis.Scope{Nodes: req.Nodes, Metrics: req.Metrics}
	res, err := s.service.RunPerformanceAnalysis(r.Context(), scope, correlation.TimeRange{Start: req.Start, End: req.End})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIngest handles POST /api/v1/performance/samples
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	samples := make([]correlation.PerformanceSample, len(req.Samples))
	for i, in := range req.Samples {
		samples[i] = in.sample()
	}

	res, err := s.service.IngestPerformance(r.Context(), samples)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleMonitor handles GET /api/v1/monitor and streams one JSON update
// per line until the session ends or the client goes away.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := durationParam(q.Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window: "+err.Error())
		return
	}
	interval, err := durationParam(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
		return
	}
	duration, err := durationParam(q.Get("duration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration: "+err.Error())
		return
	}
	ticks, err := intParam(r, "ticks")
	if err != nil || ticks < 0 {
		writeError(w, http.StatusBadRequest, "ticks must be a non-negative integer")
		return
	}
	if limit := s.config.MaxMonitorDuration; limit > 0 && (duration == 0 || duration > limit) {
		duration = limit
	}

	sess, err := s.service.RunStabilityMonitor(r.Context(), listParam(q["nodes"]), window, interval,
		analysis.StopCondition{Duration: duration, MaxTicks: ticks})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer sess.Stop()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Session-ID", sess.ID)
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for update := range sess.Updates() {
		if err := enc.Encode(update); err != nil {
			s.logger.Debug("monitor client gone", "session_id", sess.ID, "error", err)
			return
		}
		_ = rc.Flush()
	}
}

// handleRecords handles GET /api/v1/records/{kind}?node=&start=&end=&limit=
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	kind := tsdb.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown record kind %q", kind))
		return
	}
	q := r.URL.Query()
	start, err := timeParam(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := timeParam(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = defaultRecordLimit
	}
	limit = min(limit, maxRecordLimit)

	recs, err := s.records.Collect(r.Context(), tsdb.Query{
		Kind:   kind,
		NodeID: q.Get("node"),
		Start:  start,
		End:    end,
		Limit:  limit,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if recs == nil {
		recs = []tsdb.Record{}
	}
	writeJSON(w, http.StatusOK, RecordsResponse{Kind: string(kind), Count: len(recs), Records: recs})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, analysis.ErrNoNodes),
		errors.Is(err, analysis.ErrInvalidSample),
		errors.Is(err, tsdb.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, tsdb.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body into v and validates it. An empty body leaves
// v at its zero value.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func scopeFromQuery(r *http.Request) analysis.Scope {
	q := r.URL.Query()
	return analysis.Scope{Nodes: listParam(q["nodes"]), Metrics: listParam(q["metrics"])}
}

// listParam accepts both repeated and comma-separated values.
func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func durationParam(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Can't do much here, response already started
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  status,
	})
}

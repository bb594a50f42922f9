// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics provides Prometheus metrics for EgressWatch observability.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all EgressWatch metrics.
const namespace = "egresswatch"

// Collection metrics
var (
	// CollectionDuration measures one collection pass across all nodes.
	CollectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Duration of a rule collection pass in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// NodeFetchesTotal counts per-node rule fetches by outcome.
	NodeFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_fetches_total",
			Help:      "Total number of per-node rule fetches by result",
		},
		[]string{"result"}, // "success", "unreachable", "timeout"
	)

	// SnapshotRules tracks the rule count of the latest snapshot per node.
	SnapshotRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_rules",
			Help:      "Number of rules in the latest snapshot by node and kind",
		},
		[]string{"node", "kind"},
	)

	// SnapshotsDroppedTotal counts snapshots dropped by the write buffer.
	SnapshotsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_dropped_total",
			Help:      "Total number of unpersisted snapshots dropped due to backpressure",
		},
	)
)

// Store metrics
var (
	// StoreAppendsTotal counts time-series appends by kind and result.
	StoreAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_appends_total",
			Help:      "Total number of time-series appends by kind and result",
		},
		[]string{"kind", "result"}, // "inserted", "duplicate", "conflict", "error"
	)

	// StoreCompactedTotal counts records removed by retention.
	StoreCompactedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_compacted_records_total",
			Help:      "Total number of records deleted by retention compaction",
		},
		[]string{"kind"},
	)

	// StoreCompactionErrorsTotal counts failed compaction passes.
	StoreCompactionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_compaction_errors_total",
			Help:      "Total number of failed compaction passes",
		},
	)
)

// Analysis metrics
var (
	// ConsistencyScore tracks the latest consistency score per scope.
	ConsistencyScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consistency_score",
			Help:      "Latest cross-node rule consistency score (0-1)",
		},
		[]string{"scope"},
	)

	// ConsistencyAnomalies tracks the anomaly counts of the latest check.
	ConsistencyAnomalies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consistency_anomalies",
			Help:      "Anomalies found by the latest consistency check by class",
		},
		[]string{"scope", "class"}, // "missing", "extra", "duplicate"
	)

	// StabilityScore tracks the latest stability score per node.
	StabilityScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stability_score",
			Help:      "Latest rule stability score per node (0-1)",
		},
		[]string{"node"},
	)

	// ChurnEventsTotal counts non-zero churn events per node.
	ChurnEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "churn_events_total",
			Help:      "Total number of rule churn events observed per node",
		},
		[]string{"node"},
	)

	// FindingsTotal counts bottleneck findings by cause.
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Total number of bottleneck findings emitted by cause",
		},
		[]string{"cause"},
	)

	// RetryAttemptsTotal counts orchestrator retry attempts per operation.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts by operation",
		},
		[]string{"operation"},
	)

	// MonitorSessions tracks active monitoring sessions.
	MonitorSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_sessions",
			Help:      "Number of active stability monitoring sessions",
		},
	)
)

// API metrics
var (
	// APIRequestsTotal counts API requests by route and status.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Application metrics
var (
	// AppInfo provides application version information.
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "app_info",
			Help:      "Application information",
		},
		[]string{"version"},
	)

	// ConfigReloadsTotal counts configuration reload attempts.
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reload attempts",
		},
		[]string{"result"}, // "success" or "failure"
	)

	// ConfigReloadTimestamp tracks when config was last reloaded.
	ConfigReloadTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_reload_timestamp_seconds",
			Help:      "Timestamp of the last successful configuration reload",
		},
	)
)

// RecordCollection records one collection pass.
func RecordCollection(durationSeconds float64, succeeded, unreachable, timedOut int) {
	CollectionDuration.Observe(durationSeconds)
	NodeFetchesTotal.WithLabelValues("success").Add(float64(succeeded))
	NodeFetchesTotal.WithLabelValues("unreachable").Add(float64(unreachable))
	NodeFetchesTotal.WithLabelValues("timeout").Add(float64(timedOut))
}

// SetSnapshotRules records the per-kind rule counts of a node's latest snapshot.
func SetSnapshotRules(node string, counts map[string]int) {
	for kind, n := range counts {
		SnapshotRules.WithLabelValues(node, kind).Set(float64(n))
	}
}

// RecordSnapshotDropped records a snapshot lost to write backpressure.
func RecordSnapshotDropped() {
	SnapshotsDroppedTotal.Inc()
}

// RecordAppend records a time-series append outcome.
func RecordAppend(kind, result string) {
	StoreAppendsTotal.WithLabelValues(kind, result).Inc()
}

// RecordCompaction records records removed by one compaction pass.
func RecordCompaction(kind string, deleted int) {
	StoreCompactedTotal.WithLabelValues(kind).Add(float64(deleted))
}

// RecordCompactionError records a failed compaction pass.
func RecordCompactionError() {
	StoreCompactionErrorsTotal.Inc()
}

// SetConsistency records the outcome of a consistency check.
func SetConsistency(scope string, score float64, missing, extra, duplicate int) {
	ConsistencyScore.WithLabelValues(scope).Set(score)
	ConsistencyAnomalies.WithLabelValues(scope, "missing").Set(float64(missing))
	ConsistencyAnomalies.WithLabelValues(scope, "extra").Set(float64(extra))
	ConsistencyAnomalies.WithLabelValues(scope, "duplicate").Set(float64(duplicate))
}

// SetStability records a node's latest stability score and new churn events.
func SetStability(node string, score float64, churnEvents int) {
	StabilityScore.WithLabelValues(node).Set(score)
	if churnEvents > 0 {
		ChurnEventsTotal.WithLabelValues(node).Add(float64(churnEvents))
	}
}

// RecordFinding records an emitted bottleneck finding.
func RecordFinding(cause string) {
	FindingsTotal.WithLabelValues(cause).Inc()
}

// RecordRetry records a retry attempt.
func RecordRetry(operation string) {
	RetryAttemptsTotal.WithLabelValues(operation).Inc()
}

// RecordAPIRequest records one served API request.
func RecordAPIRequest(method, route string, status int, durationSeconds float64) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// SetAppInfo sets the application info metric.
func SetAppInfo(version string) {
	AppInfo.WithLabelValues(version).Set(1)
}

// RecordReload records a configuration reload attempt.
func RecordReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	ConfigReloadsTotal.WithLabelValues(result).Inc()
	if success {
		ConfigReloadTimestamp.SetToCurrentTime()
	}
}

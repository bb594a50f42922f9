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
	"sort"

	"github.com/cenkalti/backoff/v5"

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/metrics"
	"github.com/loganrossus/egresswatch/pkg/rules"
)

// ConsistencyResult is the outcome of a consistency check. FailedNodes
// lists the nodes excluded from Sample because collection failed on every
// attempt.
type ConsistencyResult struct {
	Sample      consistency.Sample `json:"sample"`
	FailedNodes []string           `json:"failed_nodes"`
	Attempts    int                `json:"attempts"`
}

// RunConsistencyCheck collects every node, retrying failed nodes with
// exponential backoff, and scores the agreement of their rule tables. The
// snapshots are queued for persistence and the sample is stored.
func (o *Orchestrator) RunConsistencyCheck(ctx context.Context, nodeIDs []string) (ConsistencyResult, error) {
	nodes := o.nodes(nodeIDs)
	if len(nodes) == 0 {
		return ConsistencyResult{FailedNodes: []string{}}, ErrNoNodes
	}

	snapshots, failures, attempts, err := o.collectWithRetry(ctx, nodes)
	res := ConsistencyResult{FailedNodes: failedNodes(failures), Attempts: attempts}
	if err != nil {
		return res, err
	}
	o.noteCollection(o.now(), res.FailedNodes)
	for _, s := range snapshots {
		o.writer.Enqueue(s)
	}
	if len(snapshots) == 0 {
		return res, ErrAllNodesFailed
	}

	expected := o.expected(ctx)
	sample := consistency.Validate(snapshots, expected)
	res.Sample = sample

	scope := Scope{Nodes: nodeIDs}.Name()
	metrics.SetConsistency(scope, sample.Score, len(sample.MissingRules), len(sample.ExtraRules), len(sample.DuplicateRules))

	rec, err := consistencyRecord(sample)
	if err != nil {
		return res, err
	}
	if err := o.db.Append(ctx, rec); err != nil {
		return res, fmt.Errorf("store consistency sample: %w", err)
	}
	o.export(ctx, rec)

	o.logger.Info("consistency check complete",
		"score", sample.Score,
		"nodes", len(snapshots),
		"missing", len(sample.MissingRules),
		"extra", len(sample.ExtraRules),
		"duplicates", len(sample.DuplicateRules),
		"failed_nodes", res.FailedNodes,
	)
	return res, nil
}

// collectWithRetry collects nodes once and then retries only the nodes
// that failed. It gives up after MaxAttempts passes and reports the
// remaining failures. Only cancellation of ctx is returned as an error.
func (o *Orchestrator) collectWithRetry(ctx context.Context, nodes []string) (map[string]rules.Snapshot, map[string]error, int, error) {
	snapshots := make(map[string]rules.Snapshot, len(nodes))
	failures := make(map[string]error)
	pending := nodes
	attempts := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		got, err := o.collector.Collect(ctx, pending)
		for n, s := range got {
			snapshots[n] = s
			delete(failures, n)
		}
		if err == nil {
			return struct{}{}, nil
		}
		var perr *collector.PartialCollectionError
		if !errors.As(err, &perr) {
			return struct{}{}, backoff.Permanent(err)
		}
		for n, ferr := range perr.Failures {
			failures[n] = ferr
		}
		pending = perr.Nodes()
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}, o.retryOptions("collect")...)

	if cerr := ctx.Err(); cerr != nil {
		return snapshots, failures, attempts, cerr
	}
	var perr *collector.PartialCollectionError
	if err != nil && !errors.As(err, &perr) {
		return snapshots, failures, attempts, err
	}
	return snapshots, failures, attempts, nil
}

// expected loads the baseline. A provider failure falls back to peer
// comparison with a warning.
func (o *Orchestrator) expected(ctx context.Context) rules.Expected {
	if o.baseline == nil {
		return nil
	}
	exp, err := o.baseline.Expected(ctx)
	if err != nil {
		o.logger.Warn("baseline unavailable, comparing nodes with each other", "error", err)
		return nil
	}
	return exp
}

func failedNodes(failures map[string]error) []string {
	out := make([]string, 0, len(failures))
	for n := range failures {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

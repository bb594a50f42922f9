// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package collector

import (
	"fmt"
	"sort"
	"strings"
)

// Error is a sentinel error of the collector.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNodeUnreachable reports a node whose rules could not be fetched.
	ErrNodeUnreachable = Error("node unreachable")
	// ErrTimeout reports a node that did not answer within the node timeout.
	ErrTimeout = Error("node fetch timed out")
)

// NodeError is the failure of a single node fetch. Err is always one of
// the sentinels above; Cause is what the accessor returned, if anything.
type NodeError struct {
	NodeID string
	Err    error
	Cause  error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.NodeID, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// PartialCollectionError lists the nodes that failed during a collection
// pass. Snapshots of the other nodes are returned alongside it.
type PartialCollectionError struct {
	Failures map[string]error
	// Attempted is the number of distinct nodes in the pass.
	Attempted int
}

func (e *PartialCollectionError) Error() string {
	return fmt.Sprintf("partial collection: %d of %d nodes failed: %s",
		len(e.Failures), e.Attempted, strings.Join(e.Nodes(), ", "))
}

// Nodes returns the failed node IDs in sorted order.
func (e *PartialCollectionError) Nodes() []string {
	nodes := make([]string, 0, len(e.Failures))
	for n := range e.Failures {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func (e *PartialCollectionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, n := range e.Nodes() {
		errs = append(errs, e.Failures[n])
	}
	return errs
}

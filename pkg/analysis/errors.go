// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

// Error is an orchestrator sentinel error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNoNodes is returned when an operation has no nodes to work on.
	ErrNoNodes = Error("no nodes to analyze")

	// ErrAllNodesFailed is returned alongside a result whose every node
	// failed collection. The result still lists the failed nodes.
	ErrAllNodesFailed = Error("every node failed collection")

	// ErrInvalidSample is returned for performance samples that cannot be
	// ingested.
	ErrInvalidSample = Error("invalid performance sample")
)

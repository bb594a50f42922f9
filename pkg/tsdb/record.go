// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tsdb is an append-only time-series store for rule snapshots,
// performance samples and the samples derived from them. It layers
// ordered secondary indexes over a pkg/store key-value backend.
package tsdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of entity held in a record.
type Kind string

const (
	KindRuleSnapshot Kind = "rule_snapshot"
	KindPerformance  Kind = "performance_sample"
	KindConsistency  Kind = "consistency_sample"
	KindStability    Kind = "stability_sample"
	KindFinding      Kind = "bottleneck_finding"
)

// Kinds lists every record kind the store accepts.
var Kinds = []Kind{KindRuleSnapshot, KindPerformance, KindConsistency, KindStability, KindFinding}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Record is one row of the store. Records are identified by
// (Kind, EntityID, ObservedAt); NodeID is empty for cluster-wide rows.
type Record struct {
	Kind       Kind            `json:"kind"`
	EntityID   string          `json:"entity_id"`
	NodeID     string          `json:"node_id,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewRecord marshals v as the payload of a new record.
func NewRecord(kind Kind, entityID, nodeID string, observedAt time.Time, v any) (Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Record{
		Kind:       kind,
		EntityID:   entityID,
		NodeID:     nodeID,
		ObservedAt: observedAt,
		Payload:    payload,
	}, nil
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", r.Kind, r.EntityID, err)
	}
	return nil
}

func (r Record) validate() error {
	switch {
	case !r.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	case r.EntityID == "":
		return fmt.Errorf("%w: empty entity id", ErrInvalidRecord)
	case r.ObservedAt.IsZero():
		return fmt.Errorf("%w: zero observed_at", ErrInvalidRecord)
	case len(r.Payload) == 0 || !json.Valid(r.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRecord)
	}
	return nil
}

// normalize returns the record with a UTC timestamp and compacted payload
// so that byte comparison of encoded records is a content comparison.
func (r Record) normalize() (Record, error) {
	r.ObservedAt = r.ObservedAt.UTC()
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.Payload); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	r.Payload = buf.Bytes()
	return r, nil
}

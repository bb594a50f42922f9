// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tsdb

import (
	"fmt"
	"net/url"
	"time"
)

// Key layout. Every record is written under three keys holding the same
// encoded value:
//
//	id/<kind>/<entity>/<ts>         identity, used for conflict checks
//	n/<kind>/<node>/<ts>/<entity>   per-node time index (node rows only)
//	t/<kind>/<ts>/<entity>          per-kind time index
//
// <ts> is a fixed-width hex encoding that sorts chronologically and path
// components are escaped so that '/' never appears inside one.
const (
	identityPrefix = "id/"
	nodePrefix     = "n/"
	timePrefix     = "t/"
)

func encodeTime(t time.Time) string {
	return fmt.Sprintf("%016x", uint64(t.UnixNano())^(1<<63))
}

func esc(s string) string {
	return url.PathEscape(s)
}

func identityKey(r Record) string {
	return identityPrefix + esc(string(r.Kind)) + "/" + esc(r.EntityID) + "/" + encodeTime(r.ObservedAt)
}

func nodeKey(r Record) string {
	return nodeIndexPrefix(r.Kind, r.NodeID) + encodeTime(r.ObservedAt) + "/" + esc(r.EntityID)
}

func timeKey(r Record) string {
	return timeIndexPrefix(r.Kind) + encodeTime(r.ObservedAt) + "/" + esc(r.EntityID)
}

func nodeIndexPrefix(kind Kind, nodeID string) string {
	return nodePrefix + esc(string(kind)) + "/" + esc(nodeID) + "/"
}

func timeIndexPrefix(kind Kind) string {
	return timePrefix + esc(string(kind)) + "/"
}

// prefixEnd returns the smallest key greater than every key with prefix p.
// Prefixes here always end in '/', so incrementing the last byte suffices.
func prefixEnd(p string) string {
	b := []byte(p)
	b[len(b)-1]++
	return string(b)
}

// scanBounds returns the [start, end) key range of an index prefix
// restricted to timestamps in [from, to]. Zero times are unbounded.
func scanBounds(prefix string, from, to time.Time) (start, end string) {
	start, end = prefix, prefixEnd(prefix)
	if !from.IsZero() {
		start = prefix + encodeTime(from)
	}
	if !to.IsZero() {
		// '0' sorts after '/', so every key stamped exactly `to` is included.
		end = prefix + encodeTime(to) + "0"
	}
	return start, end
}

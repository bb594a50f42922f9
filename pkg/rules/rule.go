// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rules defines the canonical representation of the SNAT and
// logical-router-policy (LRP) rules that EgressWatch observes on cluster
// nodes, along with normalization, hashing and parsing helpers.
package rules

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies the rule family.
type Kind string

const (
	// KindSNAT is a source-NAT entry on the cluster router.
	KindSNAT Kind = "snat"
	// KindLRP is a logical router policy entry.
	KindLRP Kind = "lrp"
)

// Valid reports whether k is a known rule kind.
func (k Kind) Valid() bool {
	return k == KindSNAT || k == KindLRP
}

// MatchKey is the normalized match tuple of a rule. Two rules with equal
// MatchKeys and equal owners describe the same logical rule.
type MatchKey struct {
	Kind     Kind   `json:"kind" yaml:"kind"`
	Source   string `json:"source" yaml:"source"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// String renders the key in a stable, human-readable form.
func (m MatchKey) String() string {
	var b strings.Builder
	b.WriteString(string(m.Kind))
	b.WriteByte(' ')
	b.WriteString(m.Source)
	if m.Protocol != "" {
		b.WriteByte(' ')
		b.WriteString(m.Protocol)
	}
	if m.Priority != 0 {
		b.WriteString(" prio=")
		b.WriteString(strconv.Itoa(m.Priority))
	}
	return b.String()
}

// Canonical returns the key with its source address and protocol normalized
// so that semantically identical keys from different node agents compare equal.
func (m MatchKey) Canonical() MatchKey {
	return MatchKey{
		Kind:     Kind(strings.ToLower(strings.TrimSpace(string(m.Kind)))),
		Source:   CanonicalSource(m.Source),
		Protocol: strings.ToLower(strings.TrimSpace(m.Protocol)),
		Priority: m.Priority,
	}
}

// RuleKey identifies a logical rule across nodes: the owning EgressIP (or
// namespace) plus the normalized match key.
type RuleKey struct {
	OwnerID string   `json:"owner_id"`
	Match   MatchKey `json:"match_key"`
}

// String renders the key as "owner/match".
func (k RuleKey) String() string {
	return k.OwnerID + "/" + k.Match.String()
}

// Less orders keys by owner, then by rendered match key.
func (k RuleKey) Less(o RuleKey) bool {
	if k.OwnerID != o.OwnerID {
		return k.OwnerID < o.OwnerID
	}
	return k.Match.String() < o.Match.String()
}

// Entry is a single observed rule. Entries are values and are never
// mutated after observation; helpers return modified copies.
type Entry struct {
	NodeID  string   `json:"node_id"`
	OwnerID string   `json:"owner_id,omitempty"`
	Match   MatchKey `json:"match_key"`
	Action  string   `json:"action"`
	RawHash string   `json:"raw_hash"`
}

// NewEntry builds a normalized, hashed entry.
func NewEntry(nodeID, ownerID string, match MatchKey, action string) Entry {
	return Entry{
		NodeID:  nodeID,
		OwnerID: ownerID,
		Match:   match,
		Action:  action,
	}.Normalize()
}

// Kind returns the entry's rule family.
func (e Entry) Kind() Kind {
	return e.Match.Kind
}

// Key returns the cross-node identity of the entry.
func (e Entry) Key() RuleKey {
	return RuleKey{OwnerID: e.OwnerID, Match: e.Match}
}

// Normalize canonicalizes the match key and action and recomputes RawHash.
func (e Entry) Normalize() Entry {
	e.NodeID = strings.TrimSpace(e.NodeID)
	e.OwnerID = strings.TrimSpace(e.OwnerID)
	e.Match = e.Match.Canonical()
	e.Action = CanonicalAction(e.Action)
	e.RawHash = hashEntry(e)
	return e
}

// WithOwner returns a copy of the entry attributed to ownerID.
func (e Entry) WithOwner(ownerID string) Entry {
	e.OwnerID = ownerID
	return e.Normalize()
}

// Ref returns a compact reference to the entry for anomaly reporting.
func (e Entry) Ref() Ref {
	return Ref{
		NodeID:  e.NodeID,
		OwnerID: e.OwnerID,
		Match:   e.Match,
		Action:  e.Action,
		RawHash: e.RawHash,
	}
}

// hashEntry hashes the node-independent content of an entry. The node is
// excluded so the same rule on two nodes hashes identically.
func hashEntry(e Entry) string {
	d := xxhash.New()
	_, _ = d.WriteString(e.OwnerID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(e.Match.String())
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(e.Action)
	return fmt.Sprintf("%016x", d.Sum64())
}

// Ref is a reference to a rule on a specific node. For a rule that is
// absent, RawHash is empty and Action holds the expected action if known.
type Ref struct {
	NodeID  string   `json:"node_id"`
	OwnerID string   `json:"owner_id"`
	Match   MatchKey `json:"match_key"`
	Action  string   `json:"action,omitempty"`
	RawHash string   `json:"raw_hash,omitempty"`
}

// Key returns the cross-node identity of the reference.
func (r Ref) Key() RuleKey {
	return RuleKey{OwnerID: r.OwnerID, Match: r.Match}
}

// CanonicalSource normalizes an address or prefix: IPv4 octets lose leading
// zeros, IPv6 is lowercased and compressed, bare addresses become host
// prefixes and prefixes are masked. Values that are not addresses (for
// example OVN address-set references) are lowercased and trimmed.
func CanonicalSource(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	addrPart, bitsPart, hasBits := strings.Cut(s, "/")
	addr, ok := parseAddr(addrPart)
	if !ok {
		return s
	}
	bits := addr.BitLen()
	if hasBits {
		n, err := strconv.Atoi(bitsPart)
		if err != nil || n < 0 || n > addr.BitLen() {
			return s
		}
		bits = n
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return s
	}
	return prefix.String()
}

// CanonicalAddr normalizes a bare address. Non-address input is lowercased
// and returned unchanged otherwise.
func CanonicalAddr(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if addr, ok := parseAddr(s); ok {
		return addr.String()
	}
	return s
}

// CanonicalAction lowercases the action, collapses whitespace and
// normalizes every address token it contains.
func CanonicalAction(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		fields[i] = CanonicalAddr(f)
	}
	return strings.Join(fields, " ")
}

// parseAddr parses an IPv4 or IPv6 address, accepting zero-padded IPv4
// octets such as "010.000.000.005".
func parseAddr(s string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), true
	}
	if strings.Count(s, ".") != 3 || strings.Contains(s, ":") {
		return netip.Addr{}, false
	}
	octets := strings.Split(s, ".")
	for i, o := range octets {
		trimmed := strings.TrimLeft(o, "0")
		if trimmed == "" && o != "" {
			trimmed = "0"
		}
		octets[i] = trimmed
	}
	addr, err := netip.ParseAddr(strings.Join(octets, "."))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// ExpectedRule is the shape a rule owned by an EgressIP object should take.
// An empty Nodes list means the rule is expected on every observed node.
type ExpectedRule struct {
	Match  MatchKey `json:"match_key" yaml:"match_key"`
	Action string   `json:"action,omitempty" yaml:"action,omitempty"`
	Nodes  []string `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

// AppliesTo reports whether the rule is expected on nodeID.
func (r ExpectedRule) AppliesTo(nodeID string) bool {
	if len(r.Nodes) == 0 {
		return true
	}
	for _, n := range r.Nodes {
		if n == nodeID {
			return true
		}
	}
	return false
}

// Expected maps owner IDs to the rules they should produce.
type Expected map[string][]ExpectedRule

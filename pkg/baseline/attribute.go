// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package baseline

import (
	"fmt"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"

	"github.com/loganrossus/egresswatch/pkg/collector"
	"github.com/loganrossus/egresswatch/pkg/rules"
)

// ownerEntry implements cidranger.RangerEntry.
type ownerEntry struct {
	network net.IPNet
	owner   string
}

func (e ownerEntry) Network() net.IPNet {
	return e.network
}

// Attributor assigns owner-less rules to the EgressIP whose pods they
// select, by longest-prefix match of the rule source, falling back to the
// egress IP named in a SNAT action.
type Attributor struct {
	ranger   cidranger.Ranger
	byEgress map[string]string
}

var _ collector.Attributor = (*Attributor)(nil)

// NewAttributor indexes the pods, pod CIDRs and egress IPs of defs.
func NewAttributor(defs *Definitions) (*Attributor, error) {
	a := &Attributor{
		ranger:   cidranger.NewPCTrieRanger(),
		byEgress: make(map[string]string),
	}
	for _, e := range defs.EgressIPs {
		for _, a2 := range e.Assignments {
			a.byEgress[rules.CanonicalAddr(a2.EgressIP)] = e.Name
		}
		for _, src := range append(append([]string(nil), e.Pods...), e.PodCIDRs...) {
			network, err := parseNetwork(src)
			if err != nil {
				return nil, fmt.Errorf("egress ip %s: %w", e.Name, err)
			}
			if err := a.ranger.Insert(ownerEntry{network: *network, owner: e.Name}); err != nil {
				return nil, fmt.Errorf("egress ip %s: failed to index %q: %w", e.Name, src, err)
			}
		}
	}
	return a, nil
}

// Attribute returns e with its owner set when one can be found. Entries
// that already have an owner are returned unchanged.
func (a *Attributor) Attribute(e rules.Entry) rules.Entry {
	if e.OwnerID != "" {
		return e
	}
	if owner := a.lookup(e.Match.Source); owner != "" {
		return e.WithOwner(owner)
	}
	if e.Kind() == rules.KindSNAT {
		fields := strings.Fields(e.Action)
		if len(fields) >= 2 {
			if owner, ok := a.byEgress[fields[1]]; ok {
				return e.WithOwner(owner)
			}
		}
	}
	return e
}

// lookup returns the owner of the most specific network containing the
// address of source.
func (a *Attributor) lookup(source string) string {
	addr, _, _ := strings.Cut(source, "/")
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	entries, err := a.ranger.ContainingNetworks(ip)
	if err != nil || len(entries) == 0 {
		return ""
	}
	// Least specific first.
	return entries[len(entries)-1].(ownerEntry).owner
}

func parseNetwork(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		if ip := net.ParseIP(s); ip != nil {
			if ip.To4() != nil {
				s += "/32"
			} else {
				s += "/128"
			}
		}
	}
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return network, nil
}

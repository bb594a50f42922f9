// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package rules

import (
	"bufio"
	"strconv"
	"strings"
)

// ParseResult holds the entries recovered from ovn-nbctl output and the
// lines that could not be understood.
type ParseResult struct {
	Entries  []Entry
	Unparsed []string
}

// ParseNATList parses the output of `ovn-nbctl lr-nat-list <router>`.
// Only snat rows are considered. A row needs an external and a logical
// address; the logical port column is optional.
//
//	TYPE   GATEWAY_PORT  EXTERNAL_IP   EXTERNAL_PORT  LOGICAL_IP    EXTERNAL_MAC  LOGICAL_PORT
//	snat                 172.18.0.10                  10.128.2.5
func ParseNATList(nodeID, output string) ParseResult {
	var res ParseResult
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if !strings.EqualFold(fields[0], "snat") {
			continue
		}

		var addrs []string
		port := ""
		for _, f := range fields[1:] {
			if _, ok := parseAddr(strings.SplitN(f, "/", 2)[0]); ok {
				addrs = append(addrs, f)
				continue
			}
			if len(addrs) >= 2 && port == "" {
				port = f
			}
		}
		if len(addrs) < 2 {
			res.Unparsed = append(res.Unparsed, line)
			continue
		}

		action := "snat " + addrs[0]
		if port != "" {
			action += " port " + port
		}
		res.Entries = append(res.Entries, NewEntry(nodeID, "", MatchKey{
			Kind:   KindSNAT,
			Source: addrs[1],
		}, action))
	}
	return res
}

var policyActions = map[string]bool{
	"allow":   true,
	"drop":    true,
	"reroute": true,
}

// ParseRoutePolicies parses the output of `ovn-nbctl lr-policy-list
// <router>`. Each policy row is "<priority> <match expression> <action>
// [nexthops]".
func ParseRoutePolicies(nodeID, output string) ParseResult {
	var res ParseResult
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Routing Policies") {
			continue
		}
		fields := strings.Fields(line)
		prio, err := strconv.Atoi(fields[0])
		if err != nil || len(fields) < 3 {
			res.Unparsed = append(res.Unparsed, line)
			continue
		}

		actionAt := -1
		for i := len(fields) - 1; i > 0; i-- {
			if policyActions[strings.ToLower(fields[i])] {
				actionAt = i
				break
			}
		}
		if actionAt <= 1 {
			res.Unparsed = append(res.Unparsed, line)
			continue
		}

		match := strings.Join(fields[1:actionAt], " ")
		source, proto := parsePolicyMatch(match)
		if source == "" {
			// Policies without a source selector are cluster plumbing, not
			// EgressIP rules; keep the full expression as the source so they
			// still participate in churn tracking.
			source = match
		}
		res.Entries = append(res.Entries, NewEntry(nodeID, "", MatchKey{
			Kind:     KindLRP,
			Source:   source,
			Protocol: proto,
			Priority: prio,
		}, strings.Join(fields[actionAt:], " ")))
	}
	return res
}

// parsePolicyMatch extracts the ip4.src/ip6.src operand and the transport
// protocol from an OVN match expression.
func parsePolicyMatch(match string) (source, proto string) {
	tokens := strings.Fields(strings.NewReplacer("&&", " && ", "||", " || ", "(", " ", ")", " ").Replace(match))
	for i, t := range tokens {
		switch t {
		case "ip4.src", "ip6.src":
			if i+2 < len(tokens) && tokens[i+1] == "==" {
				source = tokens[i+2]
			}
		case "tcp", "udp", "sctp", "icmp", "icmp4", "icmp6":
			if proto == "" {
				proto = t
			}
		}
	}
	return source, proto
}

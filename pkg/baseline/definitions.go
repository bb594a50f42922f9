// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package baseline derives the expected SNAT and LRP rules from EgressIP
// definitions and attributes observed rules to the EgressIP that owns
// them.
package baseline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/loganrossus/egresswatch/pkg/rules"
)

// DefaultPolicyPriority is the priority OVN-Kubernetes gives EgressIP
// reroute policies.
const DefaultPolicyPriority = 100

var validate = validator.New()

// Assignment places one egress IP on one node.
type Assignment struct {
	Node     string `yaml:"node" validate:"required"`
	EgressIP string `yaml:"egress_ip" validate:"required,ip"`
}

// EgressIP describes one EgressIP object and the pods it selects.
type EgressIP struct {
	Name        string       `yaml:"name" validate:"required"`
	Assignments []Assignment `yaml:"assignments" validate:"required,min=1,dive"`
	// Pods are the selected pod addresses. Each produces a SNAT rule on
	// every assigned node and a reroute policy on every node.
	Pods []string `yaml:"pods" validate:"dive,ip"`
	// PodCIDRs only attribute rules; they produce no expectations.
	PodCIDRs       []string `yaml:"pod_cidrs" validate:"dive,cidr"`
	PolicyPriority int      `yaml:"policy_priority" validate:"gte=0"`
}

// Definitions is the content of a baseline file.
type Definitions struct {
	EgressIPs []EgressIP `yaml:"egress_ips" validate:"dive"`
}

// Load reads definitions from a YAML file.
func Load(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML definitions. Unknown fields are
// rejected.
func Parse(data []byte) (*Definitions, error) {
	var defs Definitions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse baseline: %w", err)
	}
	if err := validate.Struct(&defs); err != nil {
		return nil, fmt.Errorf("invalid baseline: %w", err)
	}
	seen := make(map[string]struct{}, len(defs.EgressIPs))
	for i := range defs.EgressIPs {
		e := &defs.EgressIPs[i]
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("invalid baseline: duplicate egress ip %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if e.PolicyPriority == 0 {
			e.PolicyPriority = DefaultPolicyPriority
		}
	}
	return &defs, nil
}

// Expected returns the rules every EgressIP should produce.
func (d *Definitions) Expected() rules.Expected {
	out := make(rules.Expected, len(d.EgressIPs))
	for _, e := range d.EgressIPs {
		var want []rules.ExpectedRule
		for _, pod := range e.Pods {
			for _, a := range e.Assignments {
				want = append(want, rules.ExpectedRule{
					Match:  rules.MatchKey{Kind: rules.KindSNAT, Source: pod},
					Action: "snat " + a.EgressIP,
					Nodes:  []string{a.Node},
				})
			}
			want = append(want, rules.ExpectedRule{
				Match: rules.MatchKey{Kind: rules.KindLRP, Source: pod, Priority: e.PolicyPriority},
			})
		}
		out[e.Name] = want
	}
	return out
}

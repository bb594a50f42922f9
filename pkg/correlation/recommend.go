// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlation

import "fmt"

func recommendation(f Finding) string {
	scope := "cluster-wide"
	if f.NodeID != "" {
		scope = "on " + f.NodeID
	}
	when := "in the same interval"
	if f.Lagged {
		when = "one interval earlier"
	}

	switch f.Cause {
	case CauseRuleInconsistency:
		return fmt.Sprintf("%s degraded %s after rule inconsistency %s - run a consistency check and reconcile missing SNAT/LRP rules", f.MetricName, scope, when)
	case CauseRuleChurn:
		return fmt.Sprintf("%s degraded %s after rule churn %s - check for EgressIP reassignment or flapping node labels", f.MetricName, scope, when)
	case CauseResourceSaturation:
		return fmt.Sprintf("%s degraded %s alongside resource saturation - check CPU and memory headroom before investigating rules", f.MetricName, scope)
	default:
		return fmt.Sprintf("%s degraded %s with no correlated rule signal - investigate upstream network or application latency", f.MetricName, scope)
	}
}

// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package stability

import "fmt"

// Level is a coarse stability classification.
type Level string

const (
	LevelStable       Level = "stable"
	LevelMostlyStable Level = "mostly_stable"
	LevelUnstable     Level = "unstable"
)

// MostlyStableMaxEvents is the largest churn event count still classified
// as mostly stable.
const MostlyStableMaxEvents = 2

// Assessment is a human-oriented reading of a Sample.
type Assessment struct {
	Level      Level  `json:"stability"`
	Summary    string `json:"assessment"`
	Confidence string `json:"confidence"`
}

// Assess classifies s by its number of churn events.
func Assess(s Sample) Assessment {
	n := len(s.ChurnEvents)
	switch {
	case !s.Measured():
		return Assessment{
			Level:      LevelStable,
			Summary:    fmt.Sprintf("Not enough snapshots to measure churn (%d in window)", s.SnapshotCount),
			Confidence: "low",
		}
	case n == 0:
		return Assessment{
			Level:      LevelStable,
			Summary:    "No rule changes detected during monitoring period",
			Confidence: "high",
		}
	case n <= MostlyStableMaxEvents:
		return Assessment{
			Level:      LevelMostlyStable,
			Summary:    fmt.Sprintf("Minor changes detected (%d events)", n),
			Confidence: "medium",
		}
	default:
		return Assessment{
			Level:      LevelUnstable,
			Summary:    fmt.Sprintf("Frequent rule changes detected (%d events)", n),
			Confidence: "high",
		}
	}
}

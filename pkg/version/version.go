// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package version provides build information for EgressWatch.
package version

import "fmt"

// Set at build time with
// -ldflags "-X github.com/loganrossus/egresswatch/pkg/version.Version=..."
var (
	Version = "0.1.0-dev"
	Commit  = "unknown"
)

// GetVersion returns the current version string.
func GetVersion() string {
	return Version
}

// String returns the version with the commit it was built from.
func String() string {
	return fmt.Sprintf("%s (commit %s)", Version, Commit)
}

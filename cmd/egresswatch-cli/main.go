// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// egresswatch-cli is the command-line client for the EgressWatch API.
package main

import (
	"os"

	"github.com/loganrossus/egresswatch/cmd/egresswatch-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

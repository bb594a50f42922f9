// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package stability

import (
	"fmt"
	"time"
)

// Error is a sentinel error of the stability monitor.
type Error string

func (e Error) Error() string { return string(e) }

// ErrMixedNodes reports snapshots of more than one node passed to Observe.
const ErrMixedNodes = Error("snapshots belong to different nodes")

// UnsortedInputError reports snapshots that are not strictly increasing in
// time. Index is the position of the first offending snapshot.
type UnsortedInputError struct {
	Index int
	Prev  time.Time
	Next  time.Time
}

func (e *UnsortedInputError) Error() string {
	return fmt.Sprintf("snapshots not in chronological order at index %d: %s is not after %s",
		e.Index, e.Next.Format(time.RFC3339Nano), e.Prev.Format(time.RFC3339Nano))
}

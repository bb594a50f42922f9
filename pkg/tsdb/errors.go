// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tsdb

import (
	"fmt"
	"time"
)

// Error is a sentinel error of the time-series store.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrConflict reports an append whose key already holds different content.
	ErrConflict = Error("conflicting record")
	// ErrInvalidRecord reports a record that cannot be stored.
	ErrInvalidRecord = Error("invalid record")
)

// ConflictError describes a rejected append. The stored record is left
// untouched.
type ConflictError struct {
	Kind       Kind
	EntityID   string
	ObservedAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s %s at %s", ErrConflict, e.Kind, e.EntityID, e.ObservedAt.Format(time.RFC3339Nano))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

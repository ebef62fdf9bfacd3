// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable marks local persistence failures. A caller seeing
// this must not assume the write occurred.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrChannelClosed is surfaced by a feed stream when the realtime
// subscription drops. Resubscription policy belongs to the orchestrator.
var ErrChannelClosed = errors.New("change feed channel closed")

// ErrDuplicateSubscription is returned when a second feed subscription is
// requested for a (tenant, table) pair that already has a live one.
var ErrDuplicateSubscription = errors.New("duplicate feed subscription")

// ErrClosed is returned by engine operations after Close.
var ErrClosed = errors.New("sync client closed")

// storageErr wraps a low-level database failure with the storage taxonomy
// sentinel so callers can test errors.Is(err, ErrStorageUnavailable).
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// RemoteError describes a push or pull rejected by the network or the
// remote authority. It is recovered by retry and never propagated to a
// user-initiated write.
type RemoteError struct {
	Op     string // "push", "pull", "subscribe", "fetch"
	Status int    // HTTP status when the server answered, 0 otherwise
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s failed (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ConfigError reports invalid engine configuration. Fatal at construction.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// ResolverError wraps a failure inside a caller-supplied conflict resolver.
// The affected conflict stays in the ledger for the next pass.
type ResolverError struct {
	RecordID string
	Err      error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("conflict resolver failed for record %s: %v", e.RecordID, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsync

// Event type constants for change events
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Status constants for push results
const (
	StApplied   = "applied"
	StDuplicate = "duplicate"
	StStale     = "stale"
)

// ValidEventType reports whether t is one of the recognized event types.
func ValidEventType(t string) bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

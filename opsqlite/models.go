// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"encoding/json"
)

// Event type constants, mirrored on the wire by opsync.
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Resolution is the outcome a conflict resolver picks for one conflict.
type Resolution int

const (
	// ResolutionLocal re-queues the local version as a fresh pending change
	// (a forced overwrite attempt with a reset retry counter).
	ResolutionLocal Resolution = iota
	// ResolutionRemote materializes the remote version locally.
	ResolutionRemote
)

func (r Resolution) String() string {
	switch r {
	case ResolutionLocal:
		return "local"
	case ResolutionRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// RecordMeta is the per-record sync bookkeeping the engine maintains next
// to the opaque domain payload.
type RecordMeta struct {
	LastModified int64  `json:"last_modified"`   // Unix millis; only ever increases for a given id
	OfflineOnly  bool   `json:"is_offline_only"` // Never yet seen by the remote authority
	NeedsSync    bool   `json:"needs_sync"`      // Local changes not yet confirmed remotely
	SyncAttempts uint32 `json:"sync_attempts"`   // Failed delivery attempts for the latest change
}

// Record is a domain entity plus sync metadata. The engine never inspects
// Payload beyond storing and forwarding it.
type Record struct {
	ID      string          `json:"id"`
	Table   string          `json:"table"`
	Payload json.RawMessage `json:"payload"`
	Meta    RecordMeta      `json:"metadata"`
}

// Clone returns a deep copy; payload bytes are never shared between the
// store and queued snapshots.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &cp
}

// SyncEvent is the unit of change exchanged with the remote authority.
type SyncEvent struct {
	ID        string          `json:"id"` // Event id, not record id
	EventType string          `json:"event_type"`
	Table     string          `json:"table"`
	RecordID  string          `json:"record_id"`
	ActorID   string          `json:"actor_id"`
	TenantID  string          `json:"tenant_id"`
	OldData   json.RawMessage `json:"old_data,omitempty"`
	NewData   json.RawMessage `json:"new_data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Synced    bool            `json:"synced"`
}

// PendingChange is an outbox entry: a snapshot of one local mutation that
// has not been confirmed by the remote authority.
type PendingChange struct {
	ID        string          `json:"id"` // recordID + ":" + enqueue nanos; preserves insertion order
	RecordID  string          `json:"record_id"`
	Type      string          `json:"type"` // create, update, delete
	Data      json.RawMessage `json:"data"` // Payload snapshot at enqueue time
	Timestamp int64           `json:"timestamp"`
	Attempts  int             `json:"attempts"`
}

// SyncConflict is a detected local/remote divergence awaiting resolution.
// Both sides are independent copies owned by the ledger.
type SyncConflict struct {
	RecordID      string          `json:"record_id"`
	Table         string          `json:"table"`
	LocalVersion  json.RawMessage `json:"local_version"`
	RemoteVersion json.RawMessage `json:"remote_version"`
	Timestamp     int64           `json:"timestamp"`
}

// RemoteRecord is the pull-side view of one record held by the remote
// authority.
type RemoteRecord struct {
	RecordID  string
	Table     string
	Payload   json.RawMessage
	Deleted   bool
	UpdatedAt int64 // Unix millis of the last accepted remote change
}

// SyncStatus is a pure snapshot of engine counters; reading it performs no
// I/O.
type SyncStatus struct {
	IsSyncing     bool  `json:"is_syncing"`
	PendingCount  int   `json:"pending_count"`
	ConflictCount int   `json:"conflict_count"`
	LastSyncTime  int64 `json:"last_sync_time"` // Unix millis, 0 before the first completed pass
}

// PassSummary is the terminal result of one sync pass. A pass always
// terminates with a summary; failures inside it never propagate.
type PassSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

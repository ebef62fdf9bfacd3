// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsync

import (
	"encoding/json"
)

// REST/JSON models for the sync HTTP API. These are the wire shapes shared
// between the change-queue server and the opsqlite client.

// ChangeEventWire is a single domain mutation as exchanged with the server.
// Event IDs are client-assigned and stable across retries so the server can
// deduplicate at-least-once deliveries.
type ChangeEventWire struct {
	EventID   string          `json:"event_id"`           // Client-assigned, unique per mutation
	EventType string          `json:"event_type"`         // "create", "update", "delete"
	Table     string          `json:"table"`              // Business table name (e.g., "recipes")
	RecordID  string          `json:"record_id"`          // Business record ID
	ActorID   string          `json:"actor_id"`           // Originating device/user
	TenantID  string          `json:"tenant_id"`          // Tenant scope
	OldData   json.RawMessage `json:"old_data,omitempty"` // Prior payload, if known
	NewData   json.RawMessage `json:"new_data,omitempty"` // Payload after the mutation (null for delete)
	Timestamp int64           `json:"timestamp"`          // Client mutation time, unix millis
}

// PushResponse is the server's answer to POST /sync/push.
type PushResponse struct {
	Status string `json:"status"` // "applied", "duplicate", "stale"
	Seq    int64  `json:"seq"`    // Server change-log sequence assigned to the event
}

// RemoteRecordWire is the current server-side state of one record, as
// returned by GET /sync/updated and GET /sync/record.
type RemoteRecordWire struct {
	RecordID  string          `json:"record_id"`
	Table     string          `json:"table"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted"`
	UpdatedAt int64           `json:"updated_at"` // Unix millis of last accepted change
}

// UpdatedResponse is the server's answer to GET /sync/updated.
type UpdatedResponse struct {
	Records    []RemoteRecordWire `json:"records"`
	ServerTime int64              `json:"server_time"` // Unix millis, lets clients advance their watermark
}

// RecordResponse is the server's answer to GET /sync/record.
type RecordResponse struct {
	Found  bool             `json:"found"`
	Record RemoteRecordWire `json:"record,omitempty"`
}

// ErrorResponse is the envelope for HTTP-level failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ChangeEventEntity represents a row in sync.change_events.
type ChangeEventEntity struct {
	Seq       int64           `db:"seq"`
	EventID   string          `db:"event_id"`
	TenantID  string          `db:"tenant_id"`
	TableName string          `db:"table_name"`
	RecordID  string          `db:"record_id"`
	ActorID   string          `db:"actor_id"`
	EventType string          `db:"event_type"`
	OldData   json.RawMessage `db:"old_data"`
	NewData   json.RawMessage `db:"new_data"`
	TsMS      int64           `db:"ts_ms"`
}

// RecordStateEntity represents a row in sync.record_state.
type RecordStateEntity struct {
	TenantID  string          `db:"tenant_id"`
	TableName string          `db:"table_name"`
	RecordID  string          `db:"record_id"`
	Payload   json.RawMessage `db:"payload"`
	Deleted   bool            `db:"deleted"`
	UpdatedMS int64           `db:"updated_ms"`
}

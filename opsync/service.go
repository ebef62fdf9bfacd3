// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeLog is the server-side change queue. It accepts pushed change
// events idempotently, keeps the authoritative per-record state, and serves
// incremental pulls bounded by a timestamp watermark.
type ChangeLog struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the change-log service
type ServiceConfig struct {
	AppName         string // Application name for connection tracking
	MaxPayloadBytes int    // Maximum JSON payload size per event in bytes (0 = unlimited)
}

// PushResult is the outcome of recording one change event.
type PushResult struct {
	Status string // StApplied, StDuplicate or StStale
	Seq    int64  // Change-log sequence (0 when stale)
}

// NewChangeLog creates a change-log service from an existing pool and
// initializes the sync schema.
func NewChangeLog(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*ChangeLog, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "opsync"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &ChangeLog{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	logger.Debug("Change-log schema initialized")

	return s, nil
}

// initializeSchemaInTx creates the sync schema and tables if missing.
func (s *ChangeLog) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS sync`,

		// Append-only change log. event_id is client-assigned and unique so
		// retried pushes collapse into the original row.
		`CREATE TABLE IF NOT EXISTS sync.change_events (
			seq         BIGSERIAL PRIMARY KEY,
			event_id    TEXT NOT NULL UNIQUE,
			tenant_id   TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			event_type  TEXT NOT NULL CHECK (event_type IN ('create','update','delete')),
			old_data    JSONB,
			new_data    JSONB,
			ts_ms       BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_change_events_tenant_table_ts
			ON sync.change_events (tenant_id, table_name, ts_ms)`,

		// Authoritative current state per record, maintained from accepted
		// events. Deletes are tombstoned so pulls can propagate them.
		`CREATE TABLE IF NOT EXISTS sync.record_state (
			tenant_id   TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			payload     JSONB,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			last_actor  TEXT NOT NULL,
			updated_ms  BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, table_name, record_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_record_state_tenant_table_updated
			ON sync.record_state (tenant_id, table_name, updated_ms)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// RecordEvent appends a change event and folds it into record state.
//
// Semantics:
//   - A second push with the same event_id returns StDuplicate and the
//     original sequence (idempotent upsert, safe for at-least-once clients).
//   - An event whose timestamp is older than the current record state from a
//     different actor returns StStale and is not applied; the pushing client
//     is expected to surface a conflict locally.
func (s *ChangeLog) RecordEvent(ctx context.Context, ev *ChangeEventWire) (*PushResult, error) {
	if err := s.validateEvent(ev); err != nil {
		return nil, err
	}

	var result *PushResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Duplicate gate first: replayed events must not re-run the
		// staleness check against state they themselves produced.
		var existingSeq int64
		err := tx.QueryRow(ctx,
			`SELECT seq FROM sync.change_events WHERE event_id = $1`,
			ev.EventID).Scan(&existingSeq)
		if err == nil {
			result = &PushResult{Status: StDuplicate, Seq: existingSeq}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check event idempotency: %w", err)
		}

		// Staleness check against current record state, row-locked so
		// concurrent pushes for the same record serialize.
		var curUpdatedMS int64
		var curActor string
		err = tx.QueryRow(ctx, `
			SELECT updated_ms, last_actor
			FROM sync.record_state
			WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3
			FOR UPDATE
		`, ev.TenantID, ev.Table, ev.RecordID).Scan(&curUpdatedMS, &curActor)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read record state: %w", err)
		}
		if err == nil && ev.Timestamp <= curUpdatedMS && curActor != ev.ActorID {
			result = &PushResult{Status: StStale}
			return nil
		}

		var seq int64
		err = tx.QueryRow(ctx, `
			INSERT INTO sync.change_events
				(event_id, tenant_id, table_name, record_id, actor_id, event_type, old_data, new_data, ts_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING seq
		`, ev.EventID, ev.TenantID, ev.Table, ev.RecordID, ev.ActorID,
			ev.EventType, ev.OldData, ev.NewData, ev.Timestamp).Scan(&seq)
		if err != nil {
			return fmt.Errorf("failed to append change event: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sync.record_state (tenant_id, table_name, record_id, payload, deleted, last_actor, updated_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, table_name, record_id) DO UPDATE
			SET payload = EXCLUDED.payload,
			    deleted = EXCLUDED.deleted,
			    last_actor = EXCLUDED.last_actor,
			    updated_ms = EXCLUDED.updated_ms
		`, ev.TenantID, ev.Table, ev.RecordID, ev.NewData, ev.EventType == EventDelete, ev.ActorID, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to update record state: %w", err)
		}

		result = &PushResult{Status: StApplied, Seq: seq}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdatedSince returns all records in (tenant, table) whose state changed
// strictly after sinceMS, oldest first.
func (s *ChangeLog) UpdatedSince(ctx context.Context, tenantID, table string, sinceMS int64) ([]RemoteRecordWire, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, table_name, payload, deleted, updated_ms
		FROM sync.record_state
		WHERE tenant_id = $1 AND table_name = $2 AND updated_ms > $3
		ORDER BY updated_ms, record_id
	`, tenantID, table, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("failed to query updated records: %w", err)
	}
	defer rows.Close()

	var records []RemoteRecordWire
	for rows.Next() {
		var r RemoteRecordWire
		if err := rows.Scan(&r.RecordID, &r.Table, &r.Payload, &r.Deleted, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan updated record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating updated records: %w", err)
	}
	return records, nil
}

// LatestState returns the current state of one record, or found=false when
// the server has never seen it.
func (s *ChangeLog) LatestState(ctx context.Context, tenantID, table, recordID string) (*RemoteRecordWire, bool, error) {
	var r RemoteRecordWire
	err := s.pool.QueryRow(ctx, `
		SELECT record_id, table_name, payload, deleted, updated_ms
		FROM sync.record_state
		WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3
	`, tenantID, table, recordID).Scan(&r.RecordID, &r.Table, &r.Payload, &r.Deleted, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query record state: %w", err)
	}
	return &r, true, nil
}

// EventsForRecord returns the change history of one record, oldest first.
// Used by operators inspecting how a conflict came to be.
func (s *ChangeLog) EventsForRecord(ctx context.Context, tenantID, table, recordID string) ([]ChangeEventEntity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id, tenant_id, table_name, record_id, actor_id, event_type, old_data, new_data, ts_ms
		FROM sync.change_events
		WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3
		ORDER BY seq
	`, tenantID, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query record events: %w", err)
	}
	defer rows.Close()

	var events []ChangeEventEntity
	for rows.Next() {
		var e ChangeEventEntity
		if err := rows.Scan(&e.Seq, &e.EventID, &e.TenantID, &e.TableName, &e.RecordID,
			&e.ActorID, &e.EventType, &e.OldData, &e.NewData, &e.TsMS); err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change events: %w", err)
	}
	return events, nil
}

func (s *ChangeLog) validateEvent(ev *ChangeEventWire) error {
	if ev == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if ev.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if !ValidEventType(ev.EventType) {
		return fmt.Errorf("invalid event_type %q", ev.EventType)
	}
	if ev.TenantID == "" || ev.Table == "" || ev.RecordID == "" {
		return fmt.Errorf("tenant_id, table and record_id are required")
	}
	if ev.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	if s.config.MaxPayloadBytes > 0 && len(ev.NewData) > s.config.MaxPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", s.config.MaxPayloadBytes)
	}
	return nil
}

// Close marks the service closed. The pool is owned by the caller.
func (s *ChangeLog) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

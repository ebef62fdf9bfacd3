// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Outbox is the append-only queue of local mutations not yet confirmed by
// the remote authority. Entries hold payload snapshots, never references
// into the record store, so later record mutation cannot corrupt an
// already-queued change.
//
// Insertion order is the processing order: FIFO across the whole outbox,
// not per record. A later change to the same record is a separate entry.
type Outbox struct {
	db       *sql.DB
	table    string
	mu       sync.Mutex
	count    atomic.Int64 // mirrors row count; lets Status read without I/O
	lastNano atomic.Int64 // strictly increasing enqueue clock
}

// NewOutbox opens the outbox for one business table and primes the pending
// counter from durable state, so a restart resumes with accurate counts.
func NewOutbox(db *sql.DB, table string) (*Outbox, error) {
	o := &Outbox{db: db, table: table}
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM _sync_pending WHERE table_name = ?`, table).Scan(&n)
	if err != nil {
		return nil, storageErr("count pending changes", err)
	}
	o.count.Store(n)
	return o, nil
}

// Enqueue appends a pending change with attempts = 0 and returns it.
func (o *Outbox) Enqueue(ctx context.Context, recordID, changeType string, data json.RawMessage) (*PendingChange, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin enqueue", err)
	}
	defer tx.Rollback()

	pc, err := o.enqueueInTx(ctx, tx, recordID, changeType, data)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit enqueue", err)
	}
	o.count.Add(1)
	return pc, nil
}

// enqueueInTx appends inside a caller-owned transaction. The caller must
// invoke noteEnqueued after a successful commit.
func (o *Outbox) enqueueInTx(ctx context.Context, tx *sql.Tx, recordID, changeType string, data json.RawMessage) (*PendingChange, error) {
	nano := o.nextNano()
	pc := &PendingChange{
		// Entry id is derived from record id + enqueue time: preserves
		// insertion order without an auto-increment authority.
		ID:        fmt.Sprintf("%s:%d", recordID, nano),
		RecordID:  recordID,
		Type:      changeType,
		Data:      append(json.RawMessage(nil), data...),
		Timestamp: nano / int64(time.Millisecond),
		Attempts:  0,
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_pending (id, table_name, record_id, change_type, payload, queued_at, ts_ms, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, pc.ID, o.table, pc.RecordID, pc.Type, nullableJSON(pc.Data), nano, pc.Timestamp)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("enqueue change for %s", recordID), err)
	}
	return pc, nil
}

// noteEnqueued adjusts the pending counter after an externally-committed
// enqueueInTx.
func (o *Outbox) noteEnqueued(n int64) { o.count.Add(n) }

// nextNano returns a strictly increasing nanosecond timestamp so two
// enqueues on a coarse clock cannot collide on entry id or ordering.
func (o *Outbox) nextNano() int64 {
	for {
		now := time.Now().UnixNano()
		last := o.lastNano.Load()
		if now <= last {
			now = last + 1
		}
		if o.lastNano.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Drain returns a snapshot of up to limit entries in processing order.
// Entries are not removed; confirmed deliveries are removed individually.
func (o *Outbox) Drain(ctx context.Context, limit int) ([]*PendingChange, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, record_id, change_type, payload, ts_ms, attempts
		FROM _sync_pending
		WHERE table_name = ?
		ORDER BY queued_at, id
		LIMIT ?
	`, o.table, limit)
	if err != nil {
		return nil, storageErr("drain outbox", err)
	}
	defer rows.Close()

	var changes []*PendingChange
	for rows.Next() {
		var pc PendingChange
		var payload sql.NullString
		if err := rows.Scan(&pc.ID, &pc.RecordID, &pc.Type, &payload, &pc.Timestamp, &pc.Attempts); err != nil {
			return nil, storageErr("scan pending change", err)
		}
		if payload.Valid {
			pc.Data = json.RawMessage(payload.String)
		}
		changes = append(changes, &pc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending changes", err)
	}
	return changes, nil
}

// MarkAttempted increments the entry's attempt counter and returns the new
// value. The orchestrator moves the entry to the conflict ledger once the
// retry ceiling is reached; the outbox never silently drops data.
func (o *Outbox) MarkAttempted(ctx context.Context, id string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var attempts int
	err := o.db.QueryRowContext(ctx, `
		UPDATE _sync_pending SET attempts = attempts + 1
		WHERE table_name = ? AND id = ?
		RETURNING attempts
	`, o.table, id).Scan(&attempts)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("mark attempted %s", id), err)
	}
	return attempts, nil
}

// Remove deletes a confirmed (or terminally failed) entry.
func (o *Outbox) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	res, err := o.db.ExecContext(ctx,
		`DELETE FROM _sync_pending WHERE table_name = ? AND id = ?`, o.table, id)
	if err != nil {
		return storageErr(fmt.Sprintf("remove pending %s", id), err)
	}
	if n, err := res.RowsAffected(); err == nil {
		o.count.Add(-n)
	}
	return nil
}

// RemoveForRecord deletes every entry queued for one record. Used when a
// conflict resolution supersedes whatever was still queued.
func (o *Outbox) RemoveForRecord(ctx context.Context, recordID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	res, err := o.db.ExecContext(ctx,
		`DELETE FROM _sync_pending WHERE table_name = ? AND record_id = ?`, o.table, recordID)
	if err != nil {
		return storageErr(fmt.Sprintf("remove pending for record %s", recordID), err)
	}
	if n, err := res.RowsAffected(); err == nil {
		o.count.Add(-n)
	}
	return nil
}

func (o *Outbox) removeForRecordInTx(ctx context.Context, tx *sql.Tx, recordID string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_pending WHERE table_name = ? AND record_id = ?`, o.table, recordID)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("remove pending for record %s", recordID), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasPending reports whether any entry is queued for the record. The pull
// step uses this to detect divergence before materializing remote state.
func (o *Outbox) HasPending(ctx context.Context, recordID string) (bool, error) {
	var exists bool
	err := o.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _sync_pending WHERE table_name = ? AND record_id = ?)
	`, o.table, recordID).Scan(&exists)
	if err != nil {
		return false, storageErr(fmt.Sprintf("check pending for %s", recordID), err)
	}
	return exists, nil
}

// Latest returns the most recently queued entry for a record, or nil.
func (o *Outbox) Latest(ctx context.Context, recordID string) (*PendingChange, error) {
	var pc PendingChange
	var payload sql.NullString
	err := o.db.QueryRowContext(ctx, `
		SELECT id, record_id, change_type, payload, ts_ms, attempts
		FROM _sync_pending
		WHERE table_name = ? AND record_id = ?
		ORDER BY queued_at DESC, id DESC
		LIMIT 1
	`, o.table, recordID).Scan(&pc.ID, &pc.RecordID, &pc.Type, &payload, &pc.Timestamp, &pc.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("latest pending for %s", recordID), err)
	}
	if payload.Valid {
		pc.Data = json.RawMessage(payload.String)
	}
	return &pc, nil
}

// Count returns the number of queued entries without touching storage.
func (o *Outbox) Count() int {
	return int(o.count.Load())
}

// Clear wipes the outbox.
func (o *Outbox) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.db.ExecContext(ctx,
		`DELETE FROM _sync_pending WHERE table_name = ?`, o.table); err != nil {
		return storageErr("clear outbox", err)
	}
	o.count.Store(0)
	return nil
}

func (o *Outbox) clearInTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_pending WHERE table_name = ?`, o.table); err != nil {
		return storageErr("clear outbox", err)
	}
	return nil
}

func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

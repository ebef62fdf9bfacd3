// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// RecordStore is the durable local cache of domain records plus per-record
// sync metadata. It exclusively owns the authoritative local copy of each
// record; callers get copies, never references into the store.
//
// All mutations are serialized by an internal mutex so UI-triggered writes
// stay safe while a sync pass is applying remote state.
type RecordStore struct {
	db    *sql.DB
	table string
	mu    sync.Mutex
	now   func() int64 // unix millis, swappable in tests
}

// NewRecordStore creates a store bound to one business table. The schema
// must already be initialized (see initializeDatabase).
func NewRecordStore(db *sql.DB, table string) *RecordStore {
	return &RecordStore{db: db, table: table, now: nowMillis}
}

// Put upserts a record by id and stamps Meta.LastModified with the write
// time. LastModified never moves backwards for a given id.
func (s *RecordStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin put", err)
	}
	defer tx.Rollback()

	if err := s.putInTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit put", err)
	}
	return nil
}

// putInTx performs the upsert inside a caller-owned transaction. The
// record's Meta is updated in place to reflect what was persisted.
func (s *RecordStore) putInTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	now := s.now()

	var prevModified int64
	err := tx.QueryRowContext(ctx, `
		SELECT last_modified FROM records WHERE table_name = ? AND id = ?
	`, s.table, rec.ID).Scan(&prevModified)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storageErr("read record meta", err)
	}

	// Monotonic last_modified per record id.
	if now <= prevModified {
		now = prevModified + 1
	}
	rec.Meta.LastModified = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (table_name, id, payload, last_modified, offline_only, needs_sync, sync_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET
			payload = excluded.payload,
			last_modified = excluded.last_modified,
			offline_only = excluded.offline_only,
			needs_sync = excluded.needs_sync,
			sync_attempts = excluded.sync_attempts
	`, s.table, rec.ID, string(rec.Payload), rec.Meta.LastModified,
		boolToInt(rec.Meta.OfflineOnly), boolToInt(rec.Meta.NeedsSync), rec.Meta.SyncAttempts)
	if err != nil {
		return storageErr(fmt.Sprintf("put record %s", rec.ID), err)
	}
	return nil
}

// materializeInTx writes remote-authored state without refreshing
// last_modified to local time: the remote timestamp is taken as-is, still
// subject to the monotonic guard. Returns false when the incoming state is
// older than what the store already holds.
func (s *RecordStore) materializeInTx(ctx context.Context, tx *sql.Tx, rec *Record) (bool, error) {
	var prevModified int64
	err := tx.QueryRowContext(ctx, `
		SELECT last_modified FROM records WHERE table_name = ? AND id = ?
	`, s.table, rec.ID).Scan(&prevModified)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, storageErr("read record meta", err)
	}
	if rec.Meta.LastModified < prevModified {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (table_name, id, payload, last_modified, offline_only, needs_sync, sync_attempts)
		VALUES (?, ?, ?, ?, 0, 0, 0)
		ON CONFLICT (table_name, id) DO UPDATE SET
			payload = excluded.payload,
			last_modified = excluded.last_modified,
			offline_only = 0,
			needs_sync = 0,
			sync_attempts = 0
	`, s.table, rec.ID, string(rec.Payload), rec.Meta.LastModified)
	if err != nil {
		return false, storageErr(fmt.Sprintf("materialize record %s", rec.ID), err)
	}
	return true, nil
}

// Get returns a copy of the record, or nil when absent. Never touches the
// network.
func (s *RecordStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, last_modified, offline_only, needs_sync, sync_attempts
		FROM records WHERE table_name = ? AND id = ?
	`, s.table, id)

	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get record %s", id), err)
	}
	return rec, nil
}

// ListAll returns copies of every record in the store's table.
func (s *RecordStore) ListAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, last_modified, offline_only, needs_sync, sync_attempts
		FROM records WHERE table_name = ?
		ORDER BY id
	`, s.table)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate records", err)
	}
	return records, nil
}

// Delete removes a record. It does not by itself enqueue a pending change;
// callers wanting sync go through Client.Delete.
func (s *RecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ? AND id = ?`, s.table, id); err != nil {
		return storageErr(fmt.Sprintf("delete record %s", id), err)
	}
	return nil
}

func (s *RecordStore) deleteInTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ? AND id = ?`, s.table, id); err != nil {
		return storageErr(fmt.Sprintf("delete record %s", id), err)
	}
	return nil
}

// Clear wipes all records in the table. Logout/reset path; the engine
// issues it transactionally together with outbox and ledger clears.
func (s *RecordStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ?`, s.table); err != nil {
		return storageErr("clear records", err)
	}
	return nil
}

func (s *RecordStore) clearInTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ?`, s.table); err != nil {
		return storageErr("clear records", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *RecordStore) scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload sql.NullString
	var offlineOnly, needsSync int
	if err := row.Scan(&rec.ID, &payload, &rec.Meta.LastModified,
		&offlineOnly, &needsSync, &rec.Meta.SyncAttempts); err != nil {
		return nil, err
	}
	rec.Table = s.table
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.Meta.OfflineOnly = offlineOnly != 0
	rec.Meta.NeedsSync = needsSync != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

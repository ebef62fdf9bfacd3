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
)

// ConflictLedger is the durable store of detected local/remote divergences
// awaiting resolution. It owns both sides of each conflict as independent
// copies.
type ConflictLedger struct {
	db    *sql.DB
	table string
	mu    sync.Mutex
	count atomic.Int64
}

// NewConflictLedger opens the ledger for one business table and primes the
// conflict counter from durable state.
func NewConflictLedger(db *sql.DB, table string) (*ConflictLedger, error) {
	l := &ConflictLedger{db: db, table: table}
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM _sync_conflicts WHERE table_name = ?`, table).Scan(&n)
	if err != nil {
		return nil, storageErr("count conflicts", err)
	}
	l.count.Store(n)
	return l, nil
}

// Record upserts a conflict keyed by record id. A second conflict for the
// same record replaces the remote version with the newer one rather than
// duplicating the entry; the original local version and detection time are
// kept.
func (l *ConflictLedger) Record(ctx context.Context, c *SyncConflict) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO _sync_conflicts (table_name, record_id, local_version, remote_version, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			remote_version = excluded.remote_version
	`, l.table, c.RecordID, nullableJSON(c.LocalVersion), nullableJSON(c.RemoteVersion), c.Timestamp)
	if err != nil {
		return storageErr(fmt.Sprintf("record conflict for %s", c.RecordID), err)
	}
	// SQLite reports 1 affected row for both insert and upsert paths, so
	// recount cheaply only when the row might be new.
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		var total int64
		if err := l.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM _sync_conflicts WHERE table_name = ?`, l.table).Scan(&total); err == nil {
			l.count.Store(total)
		}
	}
	return nil
}

// List returns copies of every pending conflict, oldest detection first.
func (l *ConflictLedger) List(ctx context.Context) ([]*SyncConflict, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT record_id, local_version, remote_version, detected_at
		FROM _sync_conflicts
		WHERE table_name = ?
		ORDER BY detected_at, record_id
	`, l.table)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		var c SyncConflict
		var local, remote sql.NullString
		if err := rows.Scan(&c.RecordID, &local, &remote, &c.Timestamp); err != nil {
			return nil, storageErr("scan conflict", err)
		}
		c.Table = l.table
		if local.Valid {
			c.LocalVersion = json.RawMessage(local.String)
		}
		if remote.Valid {
			c.RemoteVersion = json.RawMessage(remote.String)
		}
		conflicts = append(conflicts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate conflicts", err)
	}
	return conflicts, nil
}

// Remove deletes a resolved conflict. Removing an already-removed record id
// is a no-op, which keeps resolution idempotent.
func (l *ConflictLedger) Remove(ctx context.Context, recordID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		`DELETE FROM _sync_conflicts WHERE table_name = ? AND record_id = ?`, l.table, recordID)
	if err != nil {
		return storageErr(fmt.Sprintf("remove conflict for %s", recordID), err)
	}
	if n, err := res.RowsAffected(); err == nil {
		l.count.Add(-n)
	}
	return nil
}

// Count returns the number of pending conflicts without touching storage.
func (l *ConflictLedger) Count() int {
	return int(l.count.Load())
}

// Clear wipes the ledger.
func (l *ConflictLedger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM _sync_conflicts WHERE table_name = ?`, l.table); err != nil {
		return storageErr("clear conflicts", err)
	}
	l.count.Store(0)
	return nil
}

func (l *ConflictLedger) clearInTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_conflicts WHERE table_name = ?`, l.table); err != nil {
		return storageErr("clear conflicts", err)
	}
	return nil
}

// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

// Package opsqlite provides the client-resident half of the LucccaHosp
// sync engine: a SQLite-backed offline store that lets the app read and
// mutate domain records while disconnected, queues those mutations in an
// outbox, reconciles them against the remote change queue when connectivity
// returns, and tracks version conflicts in a durable ledger.
package opsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client is the engine handle. It is constructed once at application
// startup and passed by reference to callers; there is no process-wide
// singleton.
type Client struct {
	DB     *sql.DB
	Remote RemoteAuthority

	Store  *RecordStore
	Outbox *Outbox
	Ledger *ConflictLedger

	config *Config
	logger *slog.Logger

	writeMu sync.Mutex // Serialize user-initiated write transactions

	resolverMu sync.RWMutex
	resolver   Resolver

	// Status counters; pure reads, no I/O.
	syncing    atomic.Bool
	lastSyncMS atomic.Int64

	// Control loop plumbing (orchestrator.go).
	onlineCh   chan bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	passWG     sync.WaitGroup
	feedWG     sync.WaitGroup
	passCtxMu  sync.Mutex
	passCancel context.CancelFunc
	online     atomic.Bool
	started    atomic.Bool
	closed     atomic.Bool
}

// NewClient creates a sync engine over an open SQLite handle. The sync
// schema is created if missing; previously queued pending changes and
// conflicts survive restarts and are picked up as-is.
func NewClient(db *sql.DB, remote RemoteAuthority, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, &ConfigError{Field: "config", Reason: "cannot be nil"}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, &ConfigError{Field: "remote", Reason: "cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	outbox, err := NewOutbox(db, config.Table)
	if err != nil {
		return nil, err
	}
	ledger, err := NewConflictLedger(db, config.Table)
	if err != nil {
		return nil, err
	}

	c := &Client{
		DB:       db,
		Remote:   remote,
		Store:    NewRecordStore(db, config.Table),
		Outbox:   outbox,
		Ledger:   ledger,
		config:   config,
		logger:   logger,
		onlineCh: make(chan bool, 4),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	c.lastSyncMS.Store(c.loadLastSync())
	return c, nil
}

// initializeDatabase creates the engine's local tables.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Domain records plus per-record sync metadata.
		`CREATE TABLE IF NOT EXISTS records (
			table_name     TEXT NOT NULL,
			id             TEXT NOT NULL,
			payload        TEXT,
			last_modified  INTEGER NOT NULL DEFAULT 0,
			offline_only   INTEGER NOT NULL DEFAULT 0,
			needs_sync     INTEGER NOT NULL DEFAULT 0,
			sync_attempts  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (table_name, id)
		)`,

		// Outbox: local mutations awaiting remote confirmation.
		`CREATE TABLE IF NOT EXISTS _sync_pending (
			id           TEXT PRIMARY KEY,
			table_name   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			change_type  TEXT NOT NULL CHECK (change_type IN ('create','update','delete')),
			payload      TEXT,
			queued_at    INTEGER NOT NULL,
			ts_ms        INTEGER NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_pending_order
			ON _sync_pending (table_name, queued_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_pending_record
			ON _sync_pending (table_name, record_id)`,

		// Conflict ledger: one row per diverged record.
		`CREATE TABLE IF NOT EXISTS _sync_conflicts (
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			local_version   TEXT,
			remote_version  TEXT,
			detected_at     INTEGER NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)`,

		// Per (tenant, table) sync cursor: pull watermark + last pass time.
		`CREATE TABLE IF NOT EXISTS _sync_state (
			tenant_id       TEXT NOT NULL,
			table_name      TEXT NOT NULL,
			pull_watermark  INTEGER NOT NULL DEFAULT 0,
			last_sync_ms    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, table_name)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Save materializes the record locally and enqueues the pending change in a
// single transaction, so the store and the outbox cannot disagree. Local
// persistence failures propagate synchronously: the caller must know a
// save did not persist.
func (c *Client) Save(ctx context.Context, rec *Record) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record with non-empty id required")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	existing, err := c.Store.Get(ctx, rec.ID)
	if err != nil {
		return err
	}

	changeType := EventUpdate
	offlineOnly := false
	if existing == nil {
		changeType = EventCreate
		offlineOnly = !c.online.Load()
	} else {
		offlineOnly = existing.Meta.OfflineOnly
	}

	rec = rec.Clone()
	rec.Table = c.config.Table
	rec.Meta.OfflineOnly = offlineOnly
	rec.Meta.NeedsSync = true
	rec.Meta.SyncAttempts = 0

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin save", err)
	}
	defer tx.Rollback()

	if err := c.Store.putInTx(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := c.Outbox.enqueueInTx(ctx, tx, rec.ID, changeType, rec.Payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit save", err)
	}
	c.Outbox.noteEnqueued(1)

	c.logger.Debug("Saved record", "table", c.config.Table, "id", rec.ID,
		"type", changeType, "offline_only", offlineOnly)
	return nil
}

// Load returns a copy of the record, or nil when absent. Never blocks on
// the network.
func (c *Client) Load(ctx context.Context, id string) (*Record, error) {
	return c.Store.Get(ctx, id)
}

// LoadAll returns copies of every local record.
func (c *Client) LoadAll(ctx context.Context) ([]*Record, error) {
	return c.Store.ListAll(ctx)
}

// Delete removes the record locally and enqueues a delete for the remote
// authority, atomically.
func (c *Client) Delete(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	existing, err := c.Store.Get(ctx, id)
	if err != nil {
		return err
	}

	var snapshot json.RawMessage
	if existing != nil {
		snapshot = existing.Payload
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin delete", err)
	}
	defer tx.Rollback()

	if err := c.Store.deleteInTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := c.Outbox.enqueueInTx(ctx, tx, id, EventDelete, snapshot); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete", err)
	}
	c.Outbox.noteEnqueued(1)

	c.logger.Debug("Deleted record", "table", c.config.Table, "id", id)
	return nil
}

// Reset wipes records, outbox and conflict ledger in one transaction, so a
// logout cannot leave an outbox entry referencing a record the store no
// longer has.
func (c *Client) Reset(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin reset", err)
	}
	defer tx.Rollback()

	if err := c.Store.clearInTx(ctx, tx); err != nil {
		return err
	}
	if err := c.Outbox.clearInTx(ctx, tx); err != nil {
		return err
	}
	if err := c.Ledger.clearInTx(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_state SET pull_watermark = 0, last_sync_ms = 0
		WHERE tenant_id = ? AND table_name = ?
	`, c.config.TenantID, c.config.Table); err != nil {
		return storageErr("reset sync state", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit reset", err)
	}

	c.Outbox.count.Store(0)
	c.Ledger.count.Store(0)
	c.lastSyncMS.Store(0)
	return nil
}

// SetConflictResolver installs (or replaces) the conflict resolution
// policy. Passing nil removes it; conflicts then accumulate in the ledger.
func (c *Client) SetConflictResolver(r Resolver) {
	c.resolverMu.Lock()
	c.resolver = r
	c.resolverMu.Unlock()
}

func (c *Client) currentResolver() Resolver {
	c.resolverMu.RLock()
	defer c.resolverMu.RUnlock()
	return c.resolver
}

// Status returns current engine counters. Pure read; never triggers I/O.
func (c *Client) Status() SyncStatus {
	return SyncStatus{
		IsSyncing:     c.syncing.Load(),
		PendingCount:  c.Outbox.Count(),
		ConflictCount: c.Ledger.Count(),
		LastSyncTime:  c.lastSyncMS.Load(),
	}
}

// EnsureActorID returns a stable per-device actor id for the tenant,
// generating and persisting one on first use. The id survives restarts so
// the remote can attribute and echo-filter this device's changes.
func EnsureActorID(db *sql.DB, tenantID string) (string, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _sync_client_info (
			tenant_id  TEXT PRIMARY KEY,
			actor_id   TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return "", storageErr("create client info table", err)
	}

	var actorID string
	err := db.QueryRow(`
		SELECT actor_id FROM _sync_client_info WHERE tenant_id = ?
	`, tenantID).Scan(&actorID)
	if err == nil {
		return actorID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", storageErr("read actor id", err)
	}

	actorID = uuid.New().String()
	if _, err := db.Exec(`
		INSERT INTO _sync_client_info (tenant_id, actor_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, actorID, nowMillis()); err != nil {
		return "", storageErr("persist actor id", err)
	}
	// Re-read in case a concurrent opener won the insert.
	if err := db.QueryRow(`
		SELECT actor_id FROM _sync_client_info WHERE tenant_id = ?
	`, tenantID).Scan(&actorID); err != nil {
		return "", storageErr("read actor id", err)
	}
	return actorID, nil
}

func (c *Client) loadLastSync() int64 {
	var ms int64
	err := c.DB.QueryRow(`
		SELECT last_sync_ms FROM _sync_state WHERE tenant_id = ? AND table_name = ?
	`, c.config.TenantID, c.config.Table).Scan(&ms)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.logger.Warn("Failed to load last sync time", "error", err)
	}
	return ms
}

func (c *Client) readWatermark(ctx context.Context) (int64, error) {
	var wm int64
	err := c.DB.QueryRowContext(ctx, `
		SELECT pull_watermark FROM _sync_state WHERE tenant_id = ? AND table_name = ?
	`, c.config.TenantID, c.config.Table).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read pull watermark", err)
	}
	return wm, nil
}

func (c *Client) writeSyncState(ctx context.Context, watermark, lastSyncMS int64) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_state (tenant_id, table_name, pull_watermark, last_sync_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, table_name) DO UPDATE SET
			pull_watermark = MAX(pull_watermark, excluded.pull_watermark),
			last_sync_ms = excluded.last_sync_ms
	`, c.config.TenantID, c.config.Table, watermark, lastSyncMS)
	if err != nil {
		return storageErr("write sync state", err)
	}
	return nil
}

// nowMillis returns the current wall clock in unix milliseconds, the
// timestamp unit used for record metadata and wire events.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

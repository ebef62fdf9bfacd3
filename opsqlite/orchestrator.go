// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// The orchestrator is a single control loop per engine. Connectivity
// signals, the sync timer and manual triggers all funnel into it; at most
// one sync pass is in flight at any time, enforced by the syncing guard. A
// trigger while a pass is running is a no-op, not queued.

// Start launches the control loop. Until the first SetOnline(true) the
// engine stays in the offline state: local reads and writes work, the
// outbox accumulates.
func (c *Client) Start() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	go c.run(c.baseCtx)
	return nil
}

// SetOnline feeds a connectivity transition into the control loop.
// Going online triggers an immediate full pass; going offline abandons
// in-flight network operations without awaiting them.
func (c *Client) SetOnline(online bool) {
	if c.closed.Load() {
		return
	}
	select {
	case c.onlineCh <- online:
	case <-c.stopCh:
	}
}

// ForceSync runs a sync pass now. Returns nil without error when the
// trigger was a no-op: engine offline, or a pass already in flight. The
// pass counts toward Close's shutdown wait like any timer-driven pass.
func (c *Client) ForceSync(ctx context.Context) (*PassSummary, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.online.Load() {
		return nil, nil
	}
	c.passWG.Add(1)
	defer c.passWG.Done()
	return c.runPass(ctx), nil
}

// Close tears the engine down: stops the timer, waits for the current pass
// to finish (a pass is budget-bounded, so this wait is too), then closes
// the feed subscription. The storage handle is owned by the caller.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	if c.started.Load() {
		<-c.doneCh
	}
	c.passWG.Wait()
	c.baseCancel()
	c.feedWG.Wait()
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	var feedCancel context.CancelFunc
	defer func() {
		if feedCancel != nil {
			feedCancel()
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return

		case online := <-c.onlineCh:
			if online && !c.online.Load() {
				c.online.Store(true)
				c.logger.Info("Connectivity restored; starting sync",
					"tenant", c.config.TenantID, "table", c.config.Table)

				var feedCtx context.Context
				feedCtx, feedCancel = context.WithCancel(ctx)
				c.feedWG.Add(1)
				go c.feedLoop(feedCtx)

				// Immediate full pass on reconnect.
				c.passWG.Add(1)
				go func() {
					defer c.passWG.Done()
					c.runPass(ctx)
				}()
			} else if !online && c.online.Load() {
				c.online.Store(false)
				c.logger.Info("Connectivity lost; abandoning in-flight operations")
				c.abortPass()
				if feedCancel != nil {
					feedCancel()
					feedCancel = nil
				}
			}

		case <-ticker.C:
			if !c.online.Load() {
				continue
			}
			c.passWG.Add(1)
			go func() {
				defer c.passWG.Done()
				c.runPass(ctx)
			}()
		}
	}
}

// runPass executes one sync pass under the single-flight guard. Returns
// nil when another pass was already running.
func (c *Client) runPass(parent context.Context) *PassSummary {
	if !c.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.syncing.Store(false)

	ctx, cancel := context.WithTimeout(parent, c.config.PassBudget)
	c.passCtxMu.Lock()
	c.passCancel = cancel
	c.passCtxMu.Unlock()
	defer func() {
		c.passCtxMu.Lock()
		c.passCancel = nil
		c.passCtxMu.Unlock()
		cancel()
	}()

	summary := c.syncPass(ctx)
	c.logger.Debug("Sync pass finished",
		"succeeded", summary.Succeeded, "failed", summary.Failed,
		"pending", c.Outbox.Count(), "conflicts", c.Ledger.Count())
	return summary
}

// abortPass cancels the in-flight pass context, if any. Any pending change
// whose delivery was in flight keeps its attempt counter untouched; the
// remote may still have received the write, which is why event ids make
// retries idempotent.
func (c *Client) abortPass() {
	c.passCtxMu.Lock()
	if c.passCancel != nil {
		c.passCancel()
	}
	c.passCtxMu.Unlock()
}

// syncPass runs pull, push and resolve to completion. All failures are
// caught at the pass boundary; the pass always terminates with a summary.
func (c *Client) syncPass(ctx context.Context) *PassSummary {
	summary := &PassSummary{}

	watermark := c.pullPhase(ctx, summary)
	c.pushPhase(ctx, summary)
	c.resolvePhase(ctx, summary)

	now := nowMillis()
	c.lastSyncMS.Store(now)
	if err := c.writeSyncState(ctx, watermark, now); err != nil {
		c.logger.Warn("Failed to persist sync state", "error", err)
	}
	return summary
}

// pullPhase fetches remote deltas since the pull watermark (bounded by the
// pull window) and materializes them. A record with a local pending change
// gets a conflict recorded instead of being overwritten. Returns the new
// watermark candidate.
func (c *Client) pullPhase(ctx context.Context, summary *PassSummary) int64 {
	watermark, err := c.readWatermark(ctx)
	if err != nil {
		c.logger.Warn("Pull skipped: cannot read watermark", "error", err)
		summary.Failed++
		return 0
	}

	since := watermark
	if floor := nowMillis() - c.config.PullWindow.Milliseconds(); since < floor {
		since = floor
	}

	records, err := c.Remote.FetchUpdatedSince(ctx, c.config.TenantID, c.config.Table, since)
	if err != nil {
		c.logger.Warn("Pull failed", "error", err, "since", since)
		summary.Failed++
		return watermark
	}

	// Advance the watermark candidate only past records that were applied
	// or recorded as conflicts. Records are ordered by timestamp, so the
	// candidate freezes at the first failure; everything from the failed
	// record onward is fetched again next pass.
	newWatermark := watermark
	advance := true
	for _, remote := range records {
		if err := c.applyRemoteState(ctx, &remote); err != nil {
			c.logger.Warn("Failed to apply remote record", "record_id", remote.RecordID, "error", err)
			summary.Failed++
			advance = false
			continue
		}
		summary.Succeeded++
		if advance && remote.UpdatedAt > newWatermark {
			newWatermark = remote.UpdatedAt
		}
	}
	return newWatermark
}

// applyRemoteState materializes one pulled record, or records a conflict
// when the local copy has unconfirmed divergent changes. Divergence is
// decided by the pending check, not by timestamp comparison alone, since
// local clocks are not trusted to dominate.
func (c *Client) applyRemoteState(ctx context.Context, remote *RemoteRecord) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pending, err := c.Outbox.HasPending(ctx, remote.RecordID)
	if err != nil {
		return err
	}
	if pending {
		local, err := c.localVersionOf(ctx, remote.RecordID)
		if err != nil {
			return err
		}
		return c.Ledger.Record(ctx, &SyncConflict{
			RecordID:      remote.RecordID,
			Table:         c.config.Table,
			LocalVersion:  local,
			RemoteVersion: remote.Payload,
			Timestamp:     nowMillis(),
		})
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin materialize", err)
	}
	defer tx.Rollback()

	if remote.Deleted {
		if err := c.Store.deleteInTx(ctx, tx, remote.RecordID); err != nil {
			return err
		}
	} else {
		rec := &Record{
			ID:      remote.RecordID,
			Table:   c.config.Table,
			Payload: remote.Payload,
			Meta:    RecordMeta{LastModified: remote.UpdatedAt},
		}
		if _, err := c.Store.materializeInTx(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit materialize", err)
	}
	return nil
}

// pushPhase delivers drained outbox entries in FIFO order, one at a time.
// Sequential delivery preserves ordering and bounds concurrent writes to
// the same record.
func (c *Client) pushPhase(ctx context.Context, summary *PassSummary) {
	changes, err := c.Outbox.Drain(ctx, c.config.DrainLimit)
	if err != nil {
		c.logger.Warn("Push skipped: cannot drain outbox", "error", err)
		summary.Failed++
		return
	}

	for _, pc := range changes {
		if ctx.Err() != nil {
			// Abandoned (offline or budget exhausted). Attempts stay
			// untouched; the next pass retries idempotently.
			return
		}

		err := c.Remote.PushChange(ctx, c.eventForChange(pc))
		if err == nil {
			if err := c.confirmDelivered(ctx, pc); err != nil {
				c.logger.Warn("Failed to confirm delivery", "change_id", pc.ID, "error", err)
			}
			summary.Succeeded++
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}

		summary.Failed++
		c.logger.Warn("Push failed", "change_id", pc.ID, "record_id", pc.RecordID, "error", err)

		attempts, aerr := c.Outbox.MarkAttempted(ctx, pc.ID)
		if aerr != nil {
			c.logger.Warn("Failed to mark attempt", "change_id", pc.ID, "error", aerr)
			continue
		}
		c.setRecordAttempts(ctx, pc.RecordID, attempts)

		if attempts >= c.config.RetryCeiling {
			if err := c.retireToLedger(ctx, pc); err != nil {
				c.logger.Warn("Failed to move exhausted change to ledger", "change_id", pc.ID, "error", err)
			}
		}
	}
}

// confirmDelivered removes a delivered entry and, when nothing else is
// queued for the record, clears its needs-sync markers.
func (c *Client) confirmDelivered(ctx context.Context, pc *PendingChange) error {
	if err := c.Outbox.Remove(ctx, pc.ID); err != nil {
		return err
	}
	if pc.Type == EventDelete {
		return nil
	}

	pending, err := c.Outbox.HasPending(ctx, pc.RecordID)
	if err != nil || pending {
		return err
	}
	_, err = c.DB.ExecContext(ctx, `
		UPDATE records SET needs_sync = 0, offline_only = 0, sync_attempts = 0
		WHERE table_name = ? AND id = ?
	`, c.config.Table, pc.RecordID)
	if err != nil {
		return storageErr("clear sync flags", err)
	}
	return nil
}

// retireToLedger converts an outbox entry that exhausted its retry budget
// into a conflict, with the remote side fetched best-effort. The entry is
// removed only after the conflict is durably recorded, so it can never be
// silently dropped.
func (c *Client) retireToLedger(ctx context.Context, pc *PendingChange) error {
	remoteVersion := json.RawMessage(`{}`)
	if rr, err := c.Remote.FetchRecord(ctx, c.config.TenantID, c.config.Table, pc.RecordID); err == nil && rr != nil && len(rr.Payload) > 0 {
		remoteVersion = rr.Payload
	}

	conflict := &SyncConflict{
		RecordID:      pc.RecordID,
		Table:         c.config.Table,
		LocalVersion:  pc.Data,
		RemoteVersion: remoteVersion,
		Timestamp:     nowMillis(),
	}
	if err := c.Ledger.Record(ctx, conflict); err != nil {
		return err
	}
	return c.Outbox.Remove(ctx, pc.ID)
}

// resolvePhase runs the configured resolver over every pending conflict.
// Resolver failures are logged and leave the conflict untouched for the
// next pass; they never crash the loop and never consume delivery retries.
func (c *Client) resolvePhase(ctx context.Context, summary *PassSummary) {
	resolver := c.currentResolver()
	if resolver == nil {
		return
	}

	conflicts, err := c.Ledger.List(ctx)
	if err != nil {
		c.logger.Warn("Resolve skipped: cannot list conflicts", "error", err)
		summary.Failed++
		return
	}

	for _, conflict := range conflicts {
		if ctx.Err() != nil {
			return
		}

		resolution, err := resolver.Resolve(ctx, conflict)
		if err != nil {
			rerr := &ResolverError{RecordID: conflict.RecordID, Err: err}
			c.logger.Warn("Conflict left pending", "error", rerr)
			summary.Failed++
			continue
		}

		if err := c.applyResolution(ctx, conflict, resolution); err != nil {
			c.logger.Warn("Failed to apply resolution", "record_id", conflict.RecordID, "error", err)
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}
}

// applyResolution re-materializes the winning side, clears any outbox
// entries for the record and removes the ledger entry, atomically enough
// that running it twice cannot duplicate pending changes.
func (c *Client) applyResolution(ctx context.Context, conflict *SyncConflict, resolution Resolution) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin resolution", err)
	}
	defer tx.Rollback()

	removed, err := c.Outbox.removeForRecordInTx(ctx, tx, conflict.RecordID)
	if err != nil {
		return err
	}

	var enqueued int64
	switch resolution {
	case ResolutionLocal:
		// Forced overwrite attempt with a reset retry counter.
		rec := &Record{
			ID:      conflict.RecordID,
			Table:   c.config.Table,
			Payload: conflict.LocalVersion,
			Meta:    RecordMeta{NeedsSync: true},
		}
		if err := c.Store.putInTx(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := c.Outbox.enqueueInTx(ctx, tx, conflict.RecordID, EventUpdate, conflict.LocalVersion); err != nil {
			return err
		}
		enqueued = 1

	case ResolutionRemote:
		rec := &Record{
			ID:      conflict.RecordID,
			Table:   c.config.Table,
			Payload: conflict.RemoteVersion,
			Meta:    RecordMeta{LastModified: nowMillis()},
		}
		if _, err := c.Store.materializeInTx(ctx, tx, rec); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution %v", resolution)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit resolution", err)
	}
	c.Outbox.noteEnqueued(enqueued - removed)

	return c.Ledger.Remove(ctx, conflict.RecordID)
}

// feedLoop keeps one realtime subscription alive while online,
// resubscribing with exponential backoff after drops.
func (c *Client) feedLoop(ctx context.Context) {
	defer c.feedWG.Done()

	backoff := c.config.BackoffMin
	for ctx.Err() == nil {
		stream, err := c.Remote.Subscribe(ctx, c.config.TenantID, c.config.Table)
		if err != nil {
			// Includes ErrDuplicateSubscription: after a fast reconnect the
			// previous stream's slot may not be released yet, so retry it
			// like any other transient subscribe failure.
			c.logger.Warn("Feed subscribe failed; retrying", "error", err, "backoff", backoff)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff = clampBackoff(backoff*2, c.config.BackoffMax)
			continue
		}
		backoff = c.config.BackoffMin

		// Close the stream when we go offline so the read loop unblocks.
		closeDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = stream.Close()
			case <-closeDone:
			}
		}()

		for ev := range stream.Events() {
			if ev.ActorID == c.config.ActorID {
				continue // our own change echoed back
			}
			if err := c.applyRemoteEvent(ctx, &ev); err != nil {
				c.logger.Warn("Failed to apply feed event", "event_id", ev.ID, "error", err)
			}
		}
		close(closeDone)

		if err := stream.Err(); err != nil {
			c.logger.Warn("Change feed closed; will resubscribe", "error", err)
		}
	}
}

// applyRemoteEvent folds one live feed event into local state with the
// same conflict precedence as the pull phase. At-least-once delivery is
// tolerated: replays are skipped by the monotonic last-modified guard.
func (c *Client) applyRemoteEvent(ctx context.Context, ev *SyncEvent) error {
	remote := &RemoteRecord{
		RecordID:  ev.RecordID,
		Table:     ev.Table,
		Payload:   ev.NewData,
		Deleted:   ev.EventType == EventDelete,
		UpdatedAt: ev.Timestamp,
	}
	return c.applyRemoteState(ctx, remote)
}

// eventForChange builds the wire event for a pending change. The event id
// is the change id, stable across retries, so the remote deduplicates
// at-least-once deliveries.
func (c *Client) eventForChange(pc *PendingChange) *SyncEvent {
	return &SyncEvent{
		ID:        pc.ID,
		EventType: pc.Type,
		Table:     c.config.Table,
		RecordID:  pc.RecordID,
		ActorID:   c.config.ActorID,
		TenantID:  c.config.TenantID,
		NewData:   pc.Data,
		Timestamp: pc.Timestamp,
	}
}

func (c *Client) localVersionOf(ctx context.Context, recordID string) (json.RawMessage, error) {
	if latest, err := c.Outbox.Latest(ctx, recordID); err != nil {
		return nil, err
	} else if latest != nil {
		return latest.Data, nil
	}
	rec, err := c.Store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Payload, nil
}

func (c *Client) setRecordAttempts(ctx context.Context, recordID string, attempts int) {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE records SET sync_attempts = ? WHERE table_name = ? AND id = ?
	`, attempts, c.config.Table, recordID)
	if err != nil {
		c.logger.Warn("Failed to update record attempt counter", "record_id", recordID, "error", err)
	}
}

func clampBackoff(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// sleepWithContext waits d or until ctx is done; reports whether the full
// wait elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

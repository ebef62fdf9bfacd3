// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteAuthority for orchestrator tests.
type fakeRemote struct {
	mu            sync.Mutex
	updated       []RemoteRecord           // served by FetchUpdatedSince
	records       map[string]*RemoteRecord // served by FetchRecord
	pushed        []*SyncEvent             // accepted deliveries in order
	pushErr       map[string]error         // per-record delivery failure
	pushAllErr    error                    // fails every delivery
	fetchErr      error
	pulls         []int64       // since watermarks observed
	pushBlocked   chan struct{} // when set, PushChange waits until closed
	streams       []*fakeStream
	subscribeErrs []error // consumed one per Subscribe call before succeeding
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: make(map[string]*RemoteRecord),
		pushErr: make(map[string]error),
	}
}

func (f *fakeRemote) FetchUpdatedSince(ctx context.Context, tenantID, table string, sinceMS int64) ([]RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, sinceMS)

	var out []RemoteRecord
	for _, r := range f.updated {
		if r.UpdatedAt > sinceMS {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) FetchRecord(ctx context.Context, tenantID, table, recordID string) (*RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.records[recordID], nil
}

func (f *fakeRemote) PushChange(ctx context.Context, ev *SyncEvent) error {
	f.mu.Lock()
	block := f.pushBlocked
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushAllErr != nil {
		return f.pushAllErr
	}
	if err := f.pushErr[ev.RecordID]; err != nil {
		return err
	}
	cp := *ev
	f.pushed = append(f.pushed, &cp)
	return nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, tenantID, table string) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		return nil, err
	}
	s := &fakeStream{events: make(chan SyncEvent, 16)}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeRemote) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.pushed))
	for i, ev := range f.pushed {
		ids[i] = ev.ID
	}
	return ids
}

func (f *fakeRemote) emit(ev SyncEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		s.emit(ev)
	}
}

type fakeStream struct {
	events chan SyncEvent
	mu     sync.Mutex
	err    error
	closed bool
}

func (s *fakeStream) Events() <-chan SyncEvent { return s.events }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) emit(ev SyncEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func TestSyncPassPushesQueuedChangesInOrder(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":1}`)}))
	require.NoError(t, c.Save(ctx, &Record{ID: "order-2", Payload: json.RawMessage(`{"v":2}`)}))
	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":3}`)}))

	c.online.Store(true)
	summary, err := c.ForceSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.Equal(t, 3, summary.Succeeded)
	require.Zero(t, summary.Failed)

	// Deliveries arrive in enqueue order, across records
	require.Len(t, remote.pushed, 3)
	require.Equal(t, "order-1", remote.pushed[0].RecordID)
	require.Equal(t, EventCreate, remote.pushed[0].EventType)
	require.Equal(t, "order-2", remote.pushed[1].RecordID)
	require.Equal(t, "order-1", remote.pushed[2].RecordID)
	require.Equal(t, EventUpdate, remote.pushed[2].EventType)

	status := c.Status()
	require.Zero(t, status.PendingCount)
	require.Greater(t, status.LastSyncTime, int64(0))

	// Confirmed records lose their needs-sync markers
	rec, err := c.Load(ctx, "order-1")
	require.NoError(t, err)
	require.False(t, rec.Meta.NeedsSync)
	require.False(t, rec.Meta.OfflineOnly)
}

func TestPushRetryKeepsStableEventID(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{}`)}))
	c.online.Store(true)

	remote.pushErr["order-1"] = &RemoteError{Op: "push", Status: 500}
	summary, err := c.ForceSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	drained, err := c.Outbox.Drain(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, drained[0].Attempts)
	firstID := drained[0].ID

	// The retry delivers the same event id so the remote can deduplicate
	remote.pushErr = map[string]error{}
	summary, err = c.ForceSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, []string{firstID}, remote.pushedIDs())
	require.Zero(t, c.Status().PendingCount)
}

func TestPushExhaustionBecomesConflict(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":"local"}`)}))
	c.online.Store(true)

	remote.pushAllErr = &RemoteError{Op: "push", Status: 409}
	remote.records["order-1"] = &RemoteRecord{
		RecordID: "order-1", Payload: json.RawMessage(`{"v":"remote"}`), UpdatedAt: nowMillis(),
	}

	// RetryCeiling is 3: two failing passes leave the entry queued
	for i := 0; i < 2; i++ {
		_, err := c.ForceSync(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, c.Status().PendingCount)
	require.Zero(t, c.Status().ConflictCount)

	// The third failure retires the change into the conflict ledger
	_, err := c.ForceSync(ctx)
	require.NoError(t, err)

	status := c.Status()
	require.Zero(t, status.PendingCount, "an exhausted change must not stay queued")
	require.Equal(t, 1, status.ConflictCount)

	conflicts, err := c.Ledger.List(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"local"}`, string(conflicts[0].LocalVersion))
	require.JSONEq(t, `{"v":"remote"}`, string(conflicts[0].RemoteVersion))
}

func TestPushExhaustionWithUnreachableRemoteVersion(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":"local"}`)}))
	c.online.Store(true)

	remote.pushAllErr = &RemoteError{Op: "push", Status: 500}
	remote.fetchErr = &RemoteError{Op: "fetch", Status: 500}

	for i := 0; i < 3; i++ {
		_, err := c.ForceSync(ctx)
		require.NoError(t, err)
	}

	// The conflict is still recorded, with an empty remote side
	conflicts, err := c.Ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.JSONEq(t, `{}`, string(conflicts[0].RemoteVersion))
}

func TestAbandonedPushDoesNotConsumeAttempts(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{}`)}))
	c.online.Store(true)

	// Connectivity loss surfaces as a canceled context mid-delivery
	remote.pushAllErr = context.Canceled
	_, err := c.ForceSync(ctx)
	require.NoError(t, err)

	drained, err := c.Outbox.Drain(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, drained[0].Attempts, "an abandoned delivery is not a failed attempt")
}

func TestPullMaterializesRemoteAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)
	c.online.Store(true)

	ts := nowMillis()
	remote.updated = []RemoteRecord{
		{RecordID: "order-9", Payload: json.RawMessage(`{"v":"remote"}`), UpdatedAt: ts},
	}

	_, err := c.ForceSync(ctx)
	require.NoError(t, err)

	rec, err := c.Load(ctx, "order-9")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.JSONEq(t, `{"v":"remote"}`, string(rec.Payload))
	require.False(t, rec.Meta.NeedsSync)
	require.Equal(t, ts, rec.Meta.LastModified)

	// First pull is bounded by the pull window, not unbounded history
	require.GreaterOrEqual(t, remote.pulls[0], ts-c.config.PullWindow.Milliseconds()-int64(time.Minute/time.Millisecond))

	// The next pull resumes from the advanced watermark
	_, err = c.ForceSync(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, remote.pulls[1], ts)
}

func TestPullDeleteRemovesLocalRecord(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)
	c.online.Store(true)

	// Materialize, confirm, then watch a remote tombstone remove it
	remote.updated = []RemoteRecord{
		{RecordID: "order-9", Payload: json.RawMessage(`{"v":1}`), UpdatedAt: nowMillis()},
	}
	_, err := c.ForceSync(ctx)
	require.NoError(t, err)

	remote.updated = []RemoteRecord{
		{RecordID: "order-9", Deleted: true, UpdatedAt: nowMillis() + 10},
	}
	_, err = c.ForceSync(ctx)
	require.NoError(t, err)

	rec, err := c.Load(ctx, "order-9")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestPullWithLocalPendingRecordsConflict(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":"local"}`)}))
	c.online.Store(true)

	// The same record changed remotely while we were offline; delivery of
	// our version is rejected as stale.
	remote.pushErr["order-1"] = &RemoteError{Op: "push", Status: 409}
	remote.updated = []RemoteRecord{
		{RecordID: "order-1", Payload: json.RawMessage(`{"v":"remote"}`), UpdatedAt: nowMillis()},
	}

	_, err := c.ForceSync(ctx)
	require.NoError(t, err)

	// Remote state must not overwrite unconfirmed local changes
	rec, err := c.Load(ctx, "order-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"local"}`, string(rec.Payload))

	require.Equal(t, 1, c.Status().ConflictCount)
	conflicts, err := c.Ledger.List(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"local"}`, string(conflicts[0].LocalVersion))
	require.JSONEq(t, `{"v":"remote"}`, string(conflicts[0].RemoteVersion))
}

func TestPullApplyFailureDoesNotAdvanceWatermark(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	// A queued local change forces the conflict path when order-1 is pulled
	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":"local"}`)}))
	c.online.Store(true)

	ts := nowMillis() + 1000
	remote.updated = []RemoteRecord{
		{RecordID: "order-1", Payload: json.RawMessage(`{"v":"remote"}`), UpdatedAt: ts},
		{RecordID: "order-2", Payload: json.RawMessage(`{"v":"two"}`), UpdatedAt: ts + 10},
	}

	// Break conflict recording so applying order-1 fails transiently
	_, err := c.DB.Exec(`DROP TABLE _sync_conflicts`)
	require.NoError(t, err)

	summary, err := c.ForceSync(ctx)
	require.NoError(t, err)
	require.NotZero(t, summary.Failed)

	// The later record still landed; the failed one kept its local payload
	rec, err := c.Load(ctx, "order-2")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"two"}`, string(rec.Payload))
	rec, err = c.Load(ctx, "order-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"local"}`, string(rec.Payload))

	// Restore the table; the next pull must re-serve the failed record
	// rather than having skipped past it.
	_, err = c.DB.Exec(`CREATE TABLE _sync_conflicts (
		table_name      TEXT NOT NULL,
		record_id       TEXT NOT NULL,
		local_version   TEXT,
		remote_version  TEXT,
		detected_at     INTEGER NOT NULL,
		PRIMARY KEY (table_name, record_id)
	)`)
	require.NoError(t, err)

	_, err = c.ForceSync(ctx)
	require.NoError(t, err)
	require.Len(t, remote.pulls, 2)
	require.Less(t, remote.pulls[1], ts, "watermark moved past a record that failed to apply")

	// order-1's pending was delivered in the first pass, so the retry
	// materializes the remote version cleanly.
	rec, err = c.Load(ctx, "order-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"remote"}`, string(rec.Payload))
}

func TestResolverLocalWinsRequeuesChange(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)
	c.online.Store(true)

	require.NoError(t, c.Ledger.Record(ctx, &SyncConflict{
		RecordID:      "order-1",
		Table:         "orders",
		LocalVersion:  json.RawMessage(`{"v":"local"}`),
		RemoteVersion: json.RawMessage(`{"v":"remote"}`),
		Timestamp:     nowMillis(),
	}))

	c.SetConflictResolver(ResolverFunc(func(ctx context.Context, conflict *SyncConflict) (Resolution, error) {
		return ResolutionLocal, nil
	}))

	summary, err := c.ForceSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	// Ledger cleared, local version re-queued with a fresh retry budget
	require.Zero(t, c.Status().ConflictCount)
	require.Equal(t, 1, c.Status().PendingCount)

	drained, err := c.Outbox.Drain(ctx, 1)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"local"}`, string(drained[0].Data))
	require.Zero(t, drained[0].Attempts)

	rec, err := c.Load(ctx, "order-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"local"}`, string(rec.Payload))
	require.True(t, rec.Meta.NeedsSync)
}

func TestResolutionAppliedTwiceDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	conflict := &SyncConflict{
		RecordID:      "order-1",
		Table:         "orders",
		LocalVersion:  json.RawMessage(`{"v":"local"}`),
		RemoteVersion: json.RawMessage(`{"v":"remote"}`),
		Timestamp:     nowMillis(),
	}

	// A redelivered resolution replaces the queued change, it never stacks
	require.NoError(t, c.applyResolution(ctx, conflict, ResolutionLocal))
	require.NoError(t, c.applyResolution(ctx, conflict, ResolutionLocal))

	require.Equal(t, 1, c.Outbox.Count())
	drained, err := c.Outbox.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	require.JSONEq(t, `{"v":"local"}`, string(drained[0].Data))
}

func TestResolverRemoteWinsMaterializes(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":"local"}`)}))
	require.NoError(t, c.Ledger.Record(ctx, &SyncConflict{
		RecordID:      "order-1",
		Table:         "orders",
		LocalVersion:  json.RawMessage(`{"v":"local"}`),
		RemoteVersion: json.RawMessage(`{"v":"remote"}`),
		Timestamp:     nowMillis(),
	}))
	c.online.Store(true)

	// Block delivery so the queued local change is still present when the
	// resolver runs; resolution must supersede it.
	remote.pushAllErr = &RemoteError{Op: "push", Status: 409}

	c.SetConflictResolver(ResolverFunc(func(ctx context.Context, conflict *SyncConflict) (Resolution, error) {
		return ResolutionRemote, nil
	}))

	_, err := c.ForceSync(ctx)
	require.NoError(t, err)

	require.Zero(t, c.Status().ConflictCount)
	require.Zero(t, c.Status().PendingCount, "resolution supersedes queued changes for the record")

	rec, err := c.Load(ctx, "order-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"remote"}`, string(rec.Payload))
	require.False(t, rec.Meta.NeedsSync)
}

func TestResolverFailureLeavesConflictPending(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)
	c.online.Store(true)

	require.NoError(t, c.Ledger.Record(ctx, &SyncConflict{
		RecordID: "order-1", Table: "orders", Timestamp: nowMillis(),
	}))

	calls := 0
	boom := errors.New("cannot decide")
	c.SetConflictResolver(ResolverFunc(func(ctx context.Context, conflict *SyncConflict) (Resolution, error) {
		calls++
		return 0, boom
	}))

	summary, err := c.ForceSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, c.Status().ConflictCount, "a failed resolution leaves the conflict for the next pass")

	// The next pass retries the same conflict
	_, err = c.ForceSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, c.Status().ConflictCount)
}

func TestSyncPassSingleFlight(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{}`)}))
	c.online.Store(true)

	block := make(chan struct{})
	remote.mu.Lock()
	remote.pushBlocked = block
	remote.mu.Unlock()

	done := make(chan *PassSummary)
	go func() {
		summary, _ := c.ForceSync(ctx)
		done <- summary
	}()

	// Wait until the first pass is visibly in flight
	require.Eventually(t, func() bool { return c.Status().IsSyncing }, time.Second, time.Millisecond)

	// An overlapping trigger is a no-op, not a queued second pass
	overlapping, err := c.ForceSync(ctx)
	require.NoError(t, err)
	require.Nil(t, overlapping)

	close(block)
	summary := <-done
	require.NotNil(t, summary)
	require.Equal(t, 1, summary.Succeeded)
	require.False(t, c.Status().IsSyncing)
}

func TestCloseWaitsForManualPass(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{}`)}))
	c.online.Store(true)

	block := make(chan struct{})
	remote.mu.Lock()
	remote.pushBlocked = block
	remote.mu.Unlock()

	passDone := make(chan *PassSummary)
	go func() {
		summary, _ := c.ForceSync(ctx)
		passDone <- summary
	}()
	require.Eventually(t, func() bool { return c.Status().IsSyncing }, time.Second, time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closeDone)
	}()

	// Teardown must not complete while a manually triggered pass is still
	// mid-delivery; returning early would leave the pass writing to a
	// storage handle the caller believes is released.
	select {
	case <-closeDone:
		t.Fatal("Close returned while a manual pass was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(block)
	summary := <-passDone
	require.NotNil(t, summary)
	require.Equal(t, 1, summary.Succeeded)

	<-closeDone
	require.False(t, c.Status().IsSyncing)
	require.Zero(t, c.Status().PendingCount, "the delivered change was confirmed, not lost")
}

func TestForceSyncOfflineIsNoop(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, nil)

	summary, err := c.ForceSync(ctx)
	require.NoError(t, err)
	require.Nil(t, summary)
}

func TestFeedEventMaterializedLive(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Start())
	c.SetOnline(true)

	// Wait for the feed subscription to come up
	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.streams) > 0
	}, time.Second, time.Millisecond)

	remote.emit(SyncEvent{
		ID:        "ev-1",
		EventType: EventUpdate,
		Table:     "orders",
		RecordID:  "order-5",
		ActorID:   "someone-else",
		NewData:   json.RawMessage(`{"v":"live"}`),
		Timestamp: nowMillis(),
	})

	require.Eventually(t, func() bool {
		rec, err := c.Load(ctx, "order-5")
		return err == nil && rec != nil
	}, time.Second, time.Millisecond)

	rec, err := c.Load(ctx, "order-5")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"live"}`, string(rec.Payload))
}

func TestFeedSkipsOwnEcho(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Start())
	c.SetOnline(true)

	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.streams) > 0
	}, time.Second, time.Millisecond)

	// Our own change echoed back must not be re-applied
	remote.emit(SyncEvent{
		ID:        "ev-own",
		EventType: EventCreate,
		Table:     "orders",
		RecordID:  "order-6",
		ActorID:   "actor-1", // same as testConfig
		NewData:   json.RawMessage(`{"v":"echo"}`),
		Timestamp: nowMillis(),
	})
	// And a foreign one afterwards proves the stream is being consumed
	remote.emit(SyncEvent{
		ID:        "ev-other",
		EventType: EventCreate,
		Table:     "orders",
		RecordID:  "order-7",
		ActorID:   "someone-else",
		NewData:   json.RawMessage(`{"v":"other"}`),
		Timestamp: nowMillis(),
	})

	require.Eventually(t, func() bool {
		rec, err := c.Load(ctx, "order-7")
		return err == nil && rec != nil
	}, time.Second, time.Millisecond)

	rec, err := c.Load(ctx, "order-6")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestFeedRetriesAfterDuplicateSubscription(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	// On a fast reconnect the previous stream's (tenant, table) slot can
	// still be held when the new feed loop subscribes; the loop must keep
	// retrying until the slot frees up instead of giving up.
	remote.subscribeErrs = []error{
		fmt.Errorf("%w: tenant-1/orders", ErrDuplicateSubscription),
	}
	c := newTestClient(t, remote)

	require.NoError(t, c.Start())
	c.SetOnline(true)

	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.streams) > 0
	}, time.Second, time.Millisecond)

	remote.emit(SyncEvent{
		ID:        "ev-1",
		EventType: EventCreate,
		Table:     "orders",
		RecordID:  "order-8",
		ActorID:   "someone-else",
		NewData:   json.RawMessage(`{"v":"after-retry"}`),
		Timestamp: nowMillis(),
	})

	require.Eventually(t, func() bool {
		rec, err := c.Load(ctx, "order-8")
		return err == nil && rec != nil
	}, time.Second, time.Millisecond)
}

func TestGoingOnlineTriggersImmediatePass(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	require.NoError(t, c.Save(ctx, &Record{ID: "order-1", Payload: json.RawMessage(`{"v":1}`)}))

	require.NoError(t, c.Start())
	c.SetOnline(true)

	require.Eventually(t, func() bool {
		return c.Status().PendingCount == 0
	}, 2*time.Second, 5*time.Millisecond, "reconnect should flush the outbox without waiting for the timer")

	require.Equal(t, 1, len(remote.pushedIDs()))
}

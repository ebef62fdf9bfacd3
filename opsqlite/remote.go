// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wmorrison76/LucccaHosp-sub003/opsync"
)

// EventStream is a live subscription to the remote change feed. After the
// Events channel closes, Err reports why; ErrChannelClosed means the
// transport dropped and the orchestrator should resubscribe.
type EventStream interface {
	Events() <-chan SyncEvent
	Err() error
	Close() error
}

// RemoteAuthority is the engine's view of the remote backend. The concrete
// backend is an external collaborator; the engine only relies on these
// operations.
//
// PushChange must be safe to call twice with the same event id (the remote
// performs idempotent upserts keyed by event id).
type RemoteAuthority interface {
	FetchUpdatedSince(ctx context.Context, tenantID, table string, sinceMS int64) ([]RemoteRecord, error)
	FetchRecord(ctx context.Context, tenantID, table, recordID string) (*RemoteRecord, error)
	PushChange(ctx context.Context, ev *SyncEvent) error
	Subscribe(ctx context.Context, tenantID, table string) (EventStream, error)
}

// HTTPRemote talks to an opsync change-queue server over HTTP and
// websocket.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client

	feed *feedSubscriber
}

// NewHTTPRemote creates a remote-authority client for the given server.
func NewHTTPRemote(baseURL string, token func(context.Context) (string, error)) *HTTPRemote {
	r := &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
	r.feed = newFeedSubscriber(baseURL, token)
	return r
}

// FetchUpdatedSince pulls records whose remote state changed after sinceMS.
func (r *HTTPRemote) FetchUpdatedSince(ctx context.Context, tenantID, table string, sinceMS int64) ([]RemoteRecord, error) {
	reqURL := fmt.Sprintf("%s/sync/updated?table=%s&since=%d",
		r.BaseURL, url.QueryEscape(table), sinceMS)

	var resp opsync.UpdatedResponse
	if err := r.getJSON(ctx, reqURL, &resp); err != nil {
		return nil, &RemoteError{Op: "pull", Err: err, Status: statusOf(err)}
	}

	records := make([]RemoteRecord, 0, len(resp.Records))
	for _, w := range resp.Records {
		records = append(records, RemoteRecord{
			RecordID:  w.RecordID,
			Table:     w.Table,
			Payload:   w.Payload,
			Deleted:   w.Deleted,
			UpdatedAt: w.UpdatedAt,
		})
	}
	return records, nil
}

// FetchRecord returns the current remote state of one record, or nil when
// the remote has never seen it.
func (r *HTTPRemote) FetchRecord(ctx context.Context, tenantID, table, recordID string) (*RemoteRecord, error) {
	reqURL := fmt.Sprintf("%s/sync/record?table=%s&id=%s",
		r.BaseURL, url.QueryEscape(table), url.QueryEscape(recordID))

	var resp opsync.RecordResponse
	if err := r.getJSON(ctx, reqURL, &resp); err != nil {
		return nil, &RemoteError{Op: "fetch", Err: err, Status: statusOf(err)}
	}
	if !resp.Found {
		return nil, nil
	}
	return &RemoteRecord{
		RecordID:  resp.Record.RecordID,
		Table:     resp.Record.Table,
		Payload:   resp.Record.Payload,
		Deleted:   resp.Record.Deleted,
		UpdatedAt: resp.Record.UpdatedAt,
	}, nil
}

// PushChange delivers one change event. Retrying with the same event id is
// safe; the server deduplicates.
func (r *HTTPRemote) PushChange(ctx context.Context, ev *SyncEvent) error {
	wire := opsync.ChangeEventWire{
		EventID:   ev.ID,
		EventType: ev.EventType,
		Table:     ev.Table,
		RecordID:  ev.RecordID,
		ActorID:   ev.ActorID,
		TenantID:  ev.TenantID,
		OldData:   ev.OldData,
		NewData:   ev.NewData,
		Timestamp: ev.Timestamp,
	}

	jsonData, err := json.Marshal(&wire)
	if err != nil {
		return &RemoteError{Op: "push", Err: fmt.Errorf("failed to marshal change event: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/sync/push", bytes.NewBuffer(jsonData))
	if err != nil {
		return &RemoteError{Op: "push", Err: err}
	}
	if err := r.authorize(ctx, httpReq); err != nil {
		return &RemoteError{Op: "push", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return &RemoteError{Op: "push", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &RemoteError{
			Op:     "push",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var pushResp opsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return &RemoteError{Op: "push", Err: fmt.Errorf("failed to decode push response: %w", err)}
	}
	return nil
}

// Subscribe opens the realtime feed for (tenant, table). A second
// subscription for the same pair fails with ErrDuplicateSubscription.
func (r *HTTPRemote) Subscribe(ctx context.Context, tenantID, table string) (EventStream, error) {
	return r.feed.subscribe(ctx, tenantID, table)
}

func (r *HTTPRemote) getJSON(ctx context.Context, reqURL string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	if err := r.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &httpStatusError{status: resp.StatusCode, body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *HTTPRemote) authorize(ctx context.Context, req *http.Request) error {
	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.status, e.body)
}

func statusOf(err error) int {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

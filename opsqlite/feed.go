// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wmorrison76/LucccaHosp-sub003/opsync"
)

// feedSubscriber manages websocket subscriptions to the remote change
// feed. One logical subscription exists per (tenant, table); duplicates are
// rejected so the same remote event is never delivered twice by this layer.
type feedSubscriber struct {
	baseURL string
	token   func(context.Context) (string, error)
	dialer  *websocket.Dialer

	mu     sync.Mutex
	active map[string]*feedStream
}

func newFeedSubscriber(baseURL string, token func(context.Context) (string, error)) *feedSubscriber {
	return &feedSubscriber{
		baseURL: baseURL,
		token:   token,
		dialer:  websocket.DefaultDialer,
		active:  make(map[string]*feedStream),
	}
}

func (s *feedSubscriber) subscribe(ctx context.Context, tenantID, table string) (EventStream, error) {
	key := tenantID + "/" + table

	s.mu.Lock()
	if _, exists := s.active[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, key)
	}
	// Reserve the slot before dialing so concurrent subscribers race on the
	// map, not on the network.
	s.active[key] = nil
	s.mu.Unlock()

	stream, err := s.dial(ctx, tenantID, table)
	if err != nil {
		s.mu.Lock()
		delete(s.active, key)
		s.mu.Unlock()
		return nil, &RemoteError{Op: "subscribe", Err: err}
	}

	stream.onClose = func() {
		s.mu.Lock()
		delete(s.active, key)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.active[key] = stream
	s.mu.Unlock()

	go stream.readLoop()
	return stream, nil
}

func (s *feedSubscriber) dial(ctx context.Context, tenantID, table string) (*feedStream, error) {
	wsURL := strings.Replace(s.baseURL, "http", "ws", 1)
	reqURL := fmt.Sprintf("%s/sync/feed?table=%s", wsURL, url.QueryEscape(table))

	token, err := s.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := s.dialer.DialContext(ctx, reqURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("feed dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("feed dial failed: %w", err)
	}

	return &feedStream{
		conn:   conn,
		events: make(chan SyncEvent, 64),
	}, nil
}

// feedStream is one live (tenant, table) subscription.
type feedStream struct {
	conn    *websocket.Conn
	events  chan SyncEvent
	onClose func()

	mu     sync.Mutex
	err    error
	closed bool
}

func (f *feedStream) Events() <-chan SyncEvent { return f.events }

// Err reports why the Events channel closed. A transport drop surfaces as
// ErrChannelClosed rather than failing silently; a deliberate Close leaves
// it nil.
func (f *feedStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feedStream) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	return f.conn.Close()
}

// readLoop normalizes wire frames into SyncEvents and delivers them in
// arrival order until the connection drops.
func (f *feedStream) readLoop() {
	defer func() {
		if f.onClose != nil {
			f.onClose()
		}
		close(f.events)
	}()

	for {
		var wire opsync.ChangeEventWire
		if err := f.conn.ReadJSON(&wire); err != nil {
			f.mu.Lock()
			if !f.closed {
				f.err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
			}
			f.mu.Unlock()
			return
		}

		f.events <- SyncEvent{
			ID:        wire.EventID,
			EventType: wire.EventType,
			Table:     wire.Table,
			RecordID:  wire.RecordID,
			ActorID:   wire.ActorID,
			TenantID:  wire.TenantID,
			OldData:   wire.OldData,
			NewData:   wire.NewData,
			Timestamp: wire.Timestamp,
			Synced:    true,
		}
	}
}

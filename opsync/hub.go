// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsync

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
	feedSendBuffer = 64
)

// FeedHub fans accepted change events out to realtime subscribers. One
// logical channel exists per (tenant, table); a subscriber attaches to
// exactly one channel per connection.
//
// Delivery is best-effort at the transport level: a subscriber whose send
// buffer stays full is disconnected rather than allowed to stall the
// broadcast path. Clients recover missed events through the watermarked
// pull endpoint, so the overall guarantee remains at-least-once.
type FeedHub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*feedConn]struct{} // keyed by tenant + "/" + table
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewFeedHub creates an empty hub.
func NewFeedHub(logger *slog.Logger) *FeedHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedHub{
		logger: logger,
		subs:   make(map[string]map[*feedConn]struct{}),
	}
}

func feedKey(tenantID, table string) string { return tenantID + "/" + table }

// Subscribe attaches conn to the (tenant, table) channel and services it
// until the connection drops. Blocks; callers run it from the HTTP handler
// goroutine that performed the upgrade.
func (h *FeedHub) Subscribe(tenantID, table string, conn *websocket.Conn) {
	fc := &feedConn{
		conn: conn,
		send: make(chan []byte, feedSendBuffer),
		done: make(chan struct{}),
	}
	key := feedKey(tenantID, table)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*feedConn]struct{})
	}
	h.subs[key][fc] = struct{}{}
	count := len(h.subs[key])
	h.mu.Unlock()

	h.logger.Debug("Feed subscriber attached", "channel", key, "subscribers", count)

	go h.readLoop(key, fc)
	h.writeLoop(key, fc)
}

// Broadcast delivers ev to every subscriber of its (tenant, table) channel.
// Never blocks: subscribers that cannot keep up are detached.
func (h *FeedHub) Broadcast(ev *ChangeEventWire) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal feed event", "error", err, "event_id", ev.EventID)
		return
	}
	key := feedKey(ev.TenantID, ev.Table)

	h.mu.RLock()
	conns := make([]*feedConn, 0, len(h.subs[key]))
	for fc := range h.subs[key] {
		conns = append(conns, fc)
	}
	h.mu.RUnlock()

	for _, fc := range conns {
		select {
		case fc.send <- data:
		default:
			h.logger.Warn("Dropping slow feed subscriber", "channel", key)
			h.detach(key, fc)
		}
	}
}

// SubscriberCount returns the number of active subscribers on a channel.
func (h *FeedHub) SubscriberCount(tenantID, table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[feedKey(tenantID, table)])
}

// CloseAll disconnects every subscriber. Used during shutdown.
func (h *FeedHub) CloseAll() {
	h.mu.Lock()
	var all []*feedConn
	for key, conns := range h.subs {
		for fc := range conns {
			all = append(all, fc)
		}
		delete(h.subs, key)
	}
	h.mu.Unlock()

	for _, fc := range all {
		fc.close()
	}
}

func (h *FeedHub) detach(key string, fc *feedConn) {
	h.mu.Lock()
	if conns, ok := h.subs[key]; ok {
		delete(conns, fc)
		if len(conns) == 0 {
			delete(h.subs, key)
		}
	}
	h.mu.Unlock()
	fc.close()
}

// close signals the write loop to stop. The send channel is never closed
// so concurrent Broadcast calls cannot panic on a detached subscriber.
func (fc *feedConn) close() {
	fc.once.Do(func() {
		close(fc.done)
	})
}

// readLoop drains inbound frames so pings/pongs and close frames are
// processed; the feed itself is one-directional.
func (h *FeedHub) readLoop(key string, fc *feedConn) {
	defer h.detach(key, fc)
	for {
		if _, _, err := fc.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *FeedHub) writeLoop(key string, fc *feedConn) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		h.detach(key, fc)
		_ = fc.conn.Close()
	}()

	for {
		select {
		case <-fc.done:
			_ = fc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(feedWriteWait))
			return
		case data := <-fc.send:
			_ = fc.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := fc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = fc.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := fc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

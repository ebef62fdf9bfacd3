// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

// ClientAuthenticator extracts tenant and actor identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetTenantID(r *http.Request) (string, error)
	GetActorID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides the HTTP surface of the change queue:
// push, watermarked pull, single-record lookup and the realtime feed.
type HTTPSyncHandlers struct {
	service       *ChangeLog
	hub           *FeedHub
	authenticator ClientAuthenticator
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *ChangeLog, hub *FeedHub, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		hub:           hub,
		authenticator: authenticator,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes attaches all sync endpoints to mux.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/updated", h.HandleUpdated)
	mux.HandleFunc("/sync/record", h.HandleRecord)
	mux.HandleFunc("/sync/feed", h.HandleFeed)
}

// HandlePush accepts one change event and folds it into the change log.
// Safe to call twice with the same event_id.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	tenantID, actorID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var ev ChangeEventWire
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse change event")
		return
	}

	// Identity comes from the token, never from the body.
	ev.TenantID = tenantID
	ev.ActorID = actorID

	result, err := h.service.RecordEvent(r.Context(), &ev)
	if err != nil {
		h.logger.Error("Failed to record change event", "error", err, "event_id", ev.EventID, "actor_id", actorID)
		h.writeError(w, http.StatusBadRequest, "push_failed", err.Error())
		return
	}

	if result.Status == StStale {
		h.writeJSON(w, http.StatusConflict, &PushResponse{Status: StStale})
		return
	}

	if result.Status == StApplied && h.hub != nil {
		h.hub.Broadcast(&ev)
	}

	h.writeJSON(w, http.StatusOK, &PushResponse{Status: result.Status, Seq: result.Seq})
}

// HandleUpdated serves records whose state changed after the given watermark.
func (h *HTTPSyncHandlers) HandleUpdated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	tenantID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	table := r.URL.Query().Get("table")
	if table == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing table parameter")
		return
	}

	since := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since parameter")
			return
		}
		since = parsed
	}

	records, err := h.service.UpdatedSince(r.Context(), tenantID, table, since)
	if err != nil {
		h.logger.Error("Failed to query updated records", "error", err, "tenant_id", tenantID, "table", table)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to query updated records")
		return
	}

	h.writeJSON(w, http.StatusOK, &UpdatedResponse{
		Records:    records,
		ServerTime: nowMillis(),
	})
}

// HandleRecord serves the current state of a single record. Clients use it
// to capture the remote side of a conflict on a best-effort basis.
func (h *HTTPSyncHandlers) HandleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	tenantID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	table := r.URL.Query().Get("table")
	recordID := r.URL.Query().Get("id")
	if table == "" || recordID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing table or id parameter")
		return
	}

	record, found, err := h.service.LatestState(r.Context(), tenantID, table, recordID)
	if err != nil {
		h.logger.Error("Failed to query record state", "error", err, "tenant_id", tenantID, "table", table, "record_id", recordID)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to query record state")
		return
	}

	resp := &RecordResponse{Found: found}
	if found {
		resp.Record = *record
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleFeed upgrades the connection and streams change events for one
// (tenant, table) channel until the client disconnects.
func (h *HTTPSyncHandlers) HandleFeed(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	table := r.URL.Query().Get("table")
	if table == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing table parameter")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Feed upgrade failed", "error", err, "tenant_id", tenantID, "table", table)
		return
	}

	h.hub.Subscribe(tenantID, table, conn)
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (tenantID, actorID string, ok bool) {
	tenantID, err := h.authenticator.GetTenantID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	actorID, err = h.authenticator.GetActorID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return tenantID, actorID, true
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, &ErrorResponse{Error: code, Message: message})
}

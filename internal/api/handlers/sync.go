// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

type SyncHandler struct {
	syncManager *qbittorrent.SyncManager
	// Interval for the search view when a request does not name one.
	customInterval func() time.Duration
}

func NewSyncHandler(syncManager *qbittorrent.SyncManager, customInterval func() time.Duration) *SyncHandler {
	return &SyncHandler{syncManager: syncManager, customInterval: customInterval}
}

type ServerStateResponse struct {
	ServerState  qbittorrent.ServerState   `json:"serverState"`
	TransferInfo *qbittorrent.TransferInfo `json:"transferInfo"`
}

// GetServerState returns the merged server_state and its formatted
// transfer info.
func (h *SyncHandler) GetServerState(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	state, info, err := h.syncManager.GetServerState(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "sync:serverState", "Failed to get server state")
		return
	}

	RespondJSON(w, http.StatusOK, ServerStateResponse{ServerState: state, TransferInfo: info})
}

// GetSyncStatus reports the cursor, reachability and polling cadence.
func (h *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	status, err := h.syncManager.GetSyncStatus(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "sync:status", "Failed to get sync status")
		return
	}

	RespondJSON(w, http.StatusOK, status)
}

// SyncNow schedules a poll at the update-now delay.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	if err := h.syncManager.SyncNow(r.Context(), instanceID); err != nil {
		respondSyncError(w, err, instanceID, "sync:now", "Failed to trigger sync")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"message": "Sync scheduled"})
}

type SetViewRequest struct {
	View       string `json:"view"`
	IntervalMs int64  `json:"intervalMs,omitempty"`
}

// SetView switches between the transfers and search views.
func (h *SyncHandler) SetView(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req SetViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IntervalMs < 0 {
		RespondError(w, http.StatusBadRequest, "intervalMs must not be negative")
		return
	}

	interval := time.Duration(req.IntervalMs) * time.Millisecond
	if interval == 0 && h.customInterval != nil {
		interval = h.customInterval()
	}

	if err := h.syncManager.SetView(r.Context(), instanceID, req.View, interval); err != nil {
		respondSyncError(w, err, instanceID, "sync:setView", "Failed to switch view")
		return
	}

	status, err := h.syncManager.GetSyncStatus(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "sync:status", "Failed to get sync status")
		return
	}

	RespondJSON(w, http.StatusOK, status)
}

// GetAlternativeSpeedLimitsMode reads the mode from the mirrored server state.
func (h *SyncHandler) GetAlternativeSpeedLimitsMode(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	enabled, err := h.syncManager.GetAlternativeSpeedLimitsMode(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "sync:altSpeed", "Failed to get alternative speed limits mode")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (h *SyncHandler) ToggleAlternativeSpeedLimits(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	if err := h.syncManager.ToggleAlternativeSpeedLimits(r.Context(), instanceID); err != nil {
		respondSyncError(w, err, instanceID, "sync:toggleAltSpeed", "Failed to toggle alternative speed limits")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Alternative speed limits toggled"})
}

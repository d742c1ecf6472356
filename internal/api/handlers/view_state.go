// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

type ViewStateHandler struct {
	store          *models.ViewStateStore
	clientPool     *qbittorrent.ClientPool
	syncManager    *qbittorrent.SyncManager
	customInterval func() time.Duration
}

func NewViewStateHandler(store *models.ViewStateStore, clientPool *qbittorrent.ClientPool, syncManager *qbittorrent.SyncManager, customInterval func() time.Duration) *ViewStateHandler {
	return &ViewStateHandler{
		store:          store,
		clientPool:     clientPool,
		syncManager:    syncManager,
		customInterval: customInterval,
	}
}

func (h *ViewStateHandler) Get(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	state, err := h.store.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to get view state")
		RespondError(w, http.StatusInternalServerError, "Failed to load view state")
		return
	}

	RespondJSON(w, http.StatusOK, state)
}

// Update stores the selection. A change of active view also switches the
// instance's polling cadence when it is connected.
func (h *ViewStateHandler) Update(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var input models.ViewStateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		log.Warn().Err(err).Msg("failed to decode view state request")
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	state, err := h.store.Update(r.Context(), instanceID, &input)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidView):
			RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, models.ErrInstanceNotFound):
			RespondError(w, http.StatusNotFound, "Instance not found")
		default:
			log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to update view state")
			RespondError(w, http.StatusInternalServerError, "Failed to update view state")
		}
		return
	}

	if input.ActiveView != "" && h.connected(r, instanceID) {
		var interval time.Duration
		if h.customInterval != nil {
			interval = h.customInterval()
		}
		if err := h.syncManager.SetView(r.Context(), instanceID, input.ActiveView, interval); err != nil {
			log.Debug().Err(err).Int("instanceID", instanceID).Str("view", input.ActiveView).Msg("view stored but polling cadence unchanged")
		}
	}

	RespondJSON(w, http.StatusOK, state)
}

// connected reports whether the instance already has a pooled client. View
// changes never open a connection on their own.
func (h *ViewStateHandler) connected(r *http.Request, instanceID int) bool {
	if h.clientPool == nil || h.syncManager == nil {
		return false
	}
	_, err := h.clientPool.GetClientOffline(r.Context(), instanceID)
	return err == nil
}

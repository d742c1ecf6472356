// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes data as JSON with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

func parseInstanceID(w http.ResponseWriter, r *http.Request) (int, bool) {
	instanceID, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil || instanceID <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return 0, false
	}
	return instanceID, true
}

// respondIfInstanceDisabled answers 409 for disabled instances and reports
// whether it wrote a response.
func respondIfInstanceDisabled(w http.ResponseWriter, err error, instanceID int, operation string) bool {
	if !errors.Is(err, qbittorrent.ErrInstanceDisabled) {
		return false
	}
	log.Debug().Int("instanceID", instanceID).Str("operation", operation).Msg("Request for disabled instance")
	RespondError(w, http.StatusConflict, "Instance is disabled")
	return true
}

// respondSyncError maps sync manager errors onto status codes. Anything
// unrecognised is logged and reported as fallback.
func respondSyncError(w http.ResponseWriter, err error, instanceID int, operation string, fallback string) {
	if respondIfInstanceDisabled(w, err, instanceID, operation) {
		return
	}

	switch {
	case errors.Is(err, models.ErrInstanceNotFound):
		RespondError(w, http.StatusNotFound, "Instance not found")
	case errors.Is(err, qbittorrent.ErrInvalidFilter),
		errors.Is(err, qbittorrent.ErrInvalidView),
		errors.Is(err, qbittorrent.ErrEmptyName),
		errors.Is(err, qbittorrent.ErrNoTorrentsFound):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, qbittorrent.ErrUnsupported):
		RespondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Int("instanceID", instanceID).Str("operation", operation).Msg(fallback)
		RespondError(w, http.StatusInternalServerError, fallback)
	}
}

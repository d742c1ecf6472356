// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/qsync/internal/update"
)

type VersionHandler struct {
	updateService *update.Service
}

func NewVersionHandler(updateService *update.Service) *VersionHandler {
	return &VersionHandler{updateService: updateService}
}

// GetLatestVersion returns the newer release, or 204 when there is none.
func (h *VersionHandler) GetLatestVersion(w http.ResponseWriter, r *http.Request) {
	if h.updateService == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	release := h.updateService.GetLatestRelease()
	if release == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	RespondJSON(w, http.StatusOK, release)
}

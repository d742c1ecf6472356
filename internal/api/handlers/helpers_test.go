// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

func TestRespondSyncError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "disabled", err: fmt.Errorf("failed to get client: %w", qbittorrent.ErrInstanceDisabled), wantStatus: http.StatusConflict, wantError: "Instance is disabled"},
		{name: "not found", err: fmt.Errorf("failed to get client: %w", fmt.Errorf("failed to get instance: %w", models.ErrInstanceNotFound)), wantStatus: http.StatusNotFound, wantError: "Instance not found"},
		{name: "invalid filter", err: fmt.Errorf("%w: unexpected token", qbittorrent.ErrInvalidFilter), wantStatus: http.StatusBadRequest, wantError: "invalid filter expression: unexpected token"},
		{name: "invalid view", err: qbittorrent.ErrInvalidView, wantStatus: http.StatusBadRequest, wantError: qbittorrent.ErrInvalidView.Error()},
		{name: "empty name", err: qbittorrent.ErrEmptyName, wantStatus: http.StatusBadRequest, wantError: qbittorrent.ErrEmptyName.Error()},
		{name: "unknown hashes", err: fmt.Errorf("%w to add tags", qbittorrent.ErrNoTorrentsFound), wantStatus: http.StatusBadRequest, wantError: "no valid torrents found to add tags"},
		{name: "unsupported", err: qbittorrent.ErrUnsupported, wantStatus: http.StatusUnprocessableEntity, wantError: qbittorrent.ErrUnsupported.Error()},
		{name: "other", err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantError: "Failed to do it"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondSyncError(rec, tt.err, 1, "test", "Failed to do it")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestRespondJSON_NilBody(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondJSON(rec, http.StatusAccepted, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

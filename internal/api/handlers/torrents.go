// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

const (
	defaultPageSize = 300
	maxPageSize     = 2000
)

type TorrentsHandler struct {
	syncManager *qbittorrent.SyncManager
}

func NewTorrentsHandler(syncManager *qbittorrent.SyncManager) *TorrentsHandler {
	return &TorrentsHandler{syncManager: syncManager}
}

// truncateExpr shortens long filter expressions for logging.
func truncateExpr(expr string, maxLen int) string {
	if len(expr) <= maxLen {
		return expr
	}
	return expr[:maxLen] + "..."
}

// ListTorrents returns a filtered, sorted page of the mirrored torrents.
// Responses carry an ETag so unchanged pages can be answered with 304.
func (h *TorrentsHandler) ListTorrents(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()

	limit := defaultPageSize
	page := 0
	sort := "added_on"
	order := "desc"
	search := query.Get("search")

	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}

	if p := query.Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed >= 0 {
			page = parsed
		}
	}

	if s := query.Get("sort"); s != "" {
		sort = s
	}

	if o := query.Get("order"); o != "" {
		order = o
	}

	var filters qbittorrent.FilterOptions
	if f := query.Get("filters"); f != "" {
		if err := json.Unmarshal([]byte(f), &filters); err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid filters")
			return
		}
	}

	logEvent := log.Debug().
		Int("instanceID", instanceID).
		Str("sort", sort).
		Str("order", order).
		Int("page", page).
		Int("limit", limit).
		Str("search", search)
	if filters.Expr != "" {
		logEvent = logEvent.Str("expr", truncateExpr(filters.Expr, 150))
	}
	if len(filters.Status) > 0 {
		logEvent = logEvent.Strs("status", filters.Status)
	}
	if len(filters.Categories) > 0 {
		logEvent = logEvent.Strs("categories", filters.Categories)
	}
	if len(filters.Tags) > 0 {
		logEvent = logEvent.Strs("tags", filters.Tags)
	}
	logEvent.Msg("Torrent list request parameters")

	response, err := h.syncManager.GetTorrentsWithFilters(r.Context(), instanceID, limit, page*limit, sort, order, search, filters)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:list", "Failed to get torrents")
		return
	}

	// Age and next refresh change every second; they stay out of the hash.
	metadata := response.CacheMetadata
	response.CacheMetadata = nil
	body, err := json.Marshal(response)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to encode torrents")
		RespondError(w, http.StatusInternalServerError, "Failed to get torrents")
		return
	}
	etag := computeETag(body)
	response.CacheMetadata = metadata

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	RespondJSON(w, http.StatusOK, response)
}

func computeETag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	for candidate := range strings.SplitSeq(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// GetTorrentCounts returns the sidebar counts for the whole instance.
func (h *TorrentsHandler) GetTorrentCounts(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	counts, err := h.syncManager.GetTorrentCounts(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:counts", "Failed to get torrent counts")
		return
	}

	RespondJSON(w, http.StatusOK, counts)
}

// GetCategories returns all categories
func (h *TorrentsHandler) GetCategories(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	categories, err := h.syncManager.GetCategories(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getCategories", "Failed to get categories")
		return
	}

	RespondJSON(w, http.StatusOK, categories)
}

type categoryRequest struct {
	Name     string `json:"name"`
	SavePath string `json:"savePath"`
}

// CreateCategory creates a new category
func (h *TorrentsHandler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req categoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		RespondError(w, http.StatusBadRequest, "Category name is required")
		return
	}

	if err := h.syncManager.CreateCategory(r.Context(), instanceID, req.Name, req.SavePath); err != nil {
		respondSyncError(w, err, instanceID, "torrents:createCategory", "Failed to create category")
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]string{
		"message": "Category created successfully",
	})
}

// EditCategory edits an existing category
func (h *TorrentsHandler) EditCategory(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req categoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		RespondError(w, http.StatusBadRequest, "Category name is required")
		return
	}

	if err := h.syncManager.EditCategory(r.Context(), instanceID, req.Name, req.SavePath); err != nil {
		respondSyncError(w, err, instanceID, "torrents:editCategory", "Failed to edit category")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Category updated successfully",
	})
}

// RemoveCategories removes categories
func (h *TorrentsHandler) RemoveCategories(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Categories []string `json:"categories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Categories) == 0 {
		RespondError(w, http.StatusBadRequest, "No categories provided")
		return
	}

	if err := h.syncManager.RemoveCategories(r.Context(), instanceID, req.Categories); err != nil {
		respondSyncError(w, err, instanceID, "torrents:removeCategories", "Failed to remove categories")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Categories removed successfully",
	})
}

// GetTags returns all tags
func (h *TorrentsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	tags, err := h.syncManager.GetTags(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getTags", "Failed to get tags")
		return
	}

	RespondJSON(w, http.StatusOK, tags)
}

// CreateTags creates new tags
func (h *TorrentsHandler) CreateTags(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Tags) == 0 {
		RespondError(w, http.StatusBadRequest, "No tags provided")
		return
	}

	if err := h.syncManager.CreateTags(r.Context(), instanceID, req.Tags); err != nil {
		respondSyncError(w, err, instanceID, "torrents:createTags", "Failed to create tags")
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]string{
		"message": "Tags created successfully",
	})
}

// DeleteTags deletes tags
func (h *TorrentsHandler) DeleteTags(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Tags) == 0 {
		RespondError(w, http.StatusBadRequest, "No tags provided")
		return
	}

	if err := h.syncManager.DeleteTags(r.Context(), instanceID, req.Tags); err != nil {
		respondSyncError(w, err, instanceID, "torrents:deleteTags", "Failed to delete tags")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Tags deleted successfully",
	})
}

// SetCategory moves torrents into a category; an empty category clears it.
func (h *TorrentsHandler) SetCategory(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Hashes   []string `json:"hashes"`
		Category string   `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Hashes) == 0 {
		RespondError(w, http.StatusBadRequest, "No torrents provided")
		return
	}

	if err := h.syncManager.SetCategory(r.Context(), instanceID, req.Hashes, req.Category); err != nil {
		respondSyncError(w, err, instanceID, "torrents:setCategory", "Failed to set category")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Category set successfully",
	})
}

type torrentTagsRequest struct {
	Hashes []string `json:"hashes"`
	Tags   []string `json:"tags"`
}

func decodeTorrentTags(w http.ResponseWriter, r *http.Request, allowEmptyTags bool) (*torrentTagsRequest, bool) {
	var req torrentTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if len(req.Hashes) == 0 {
		RespondError(w, http.StatusBadRequest, "No torrents provided")
		return nil, false
	}
	if len(req.Tags) == 0 && !allowEmptyTags {
		RespondError(w, http.StatusBadRequest, "No tags provided")
		return nil, false
	}
	return &req, true
}

// AddTorrentTags adds tags to torrents, creating unknown tags.
func (h *TorrentsHandler) AddTorrentTags(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	req, ok := decodeTorrentTags(w, r, false)
	if !ok {
		return
	}

	if err := h.syncManager.AddTags(r.Context(), instanceID, req.Hashes, strings.Join(req.Tags, ",")); err != nil {
		respondSyncError(w, err, instanceID, "torrents:addTags", "Failed to add tags")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Tags added successfully",
	})
}

// SetTorrentTags replaces the tags of torrents.
func (h *TorrentsHandler) SetTorrentTags(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	req, ok := decodeTorrentTags(w, r, true)
	if !ok {
		return
	}

	if err := h.syncManager.SetTags(r.Context(), instanceID, req.Hashes, strings.Join(req.Tags, ",")); err != nil {
		respondSyncError(w, err, instanceID, "torrents:setTags", "Failed to set tags")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Tags set successfully",
	})
}

// RemoveTorrentTags removes tags from torrents; the tags stay defined.
func (h *TorrentsHandler) RemoveTorrentTags(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	req, ok := decodeTorrentTags(w, r, false)
	if !ok {
		return
	}

	if err := h.syncManager.RemoveTags(r.Context(), instanceID, req.Hashes, strings.Join(req.Tags, ",")); err != nil {
		respondSyncError(w, err, instanceID, "torrents:removeTags", "Failed to remove tags")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Tags removed successfully",
	})
}

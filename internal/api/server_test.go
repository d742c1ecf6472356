// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

type routeKey struct {
	Method string
	Path   string
}

var expectedRoutes = []routeKey{
	{http.MethodGet, "/health"},
	{http.MethodGet, "/healthz/readiness"},
	{http.MethodGet, "/healthz/liveness"},
	{http.MethodGet, "/api/version/latest"},
	{http.MethodGet, "/api/instances"},
	{http.MethodPost, "/api/instances"},
	{http.MethodPut, "/api/instances/order"},
	{http.MethodPut, "/api/instances/{instanceID}"},
	{http.MethodDelete, "/api/instances/{instanceID}"},
	{http.MethodPut, "/api/instances/{instanceID}/status"},
	{http.MethodPost, "/api/instances/{instanceID}/test"},
	{http.MethodGet, "/api/instances/{instanceID}/capabilities"},
	{http.MethodGet, "/api/instances/{instanceID}/torrents"},
	{http.MethodGet, "/api/instances/{instanceID}/torrents/counts"},
	{http.MethodPost, "/api/instances/{instanceID}/torrents/category"},
	{http.MethodPost, "/api/instances/{instanceID}/torrents/tags"},
	{http.MethodPut, "/api/instances/{instanceID}/torrents/tags"},
	{http.MethodDelete, "/api/instances/{instanceID}/torrents/tags"},
	{http.MethodGet, "/api/instances/{instanceID}/categories"},
	{http.MethodPost, "/api/instances/{instanceID}/categories"},
	{http.MethodPut, "/api/instances/{instanceID}/categories"},
	{http.MethodDelete, "/api/instances/{instanceID}/categories"},
	{http.MethodGet, "/api/instances/{instanceID}/tags"},
	{http.MethodPost, "/api/instances/{instanceID}/tags"},
	{http.MethodDelete, "/api/instances/{instanceID}/tags"},
	{http.MethodGet, "/api/instances/{instanceID}/server-state"},
	{http.MethodGet, "/api/instances/{instanceID}/sync"},
	{http.MethodPost, "/api/instances/{instanceID}/sync/now"},
	{http.MethodPut, "/api/instances/{instanceID}/sync/view"},
	{http.MethodGet, "/api/instances/{instanceID}/alternative-speed-limits"},
	{http.MethodPost, "/api/instances/{instanceID}/alternative-speed-limits/toggle"},
	{http.MethodGet, "/api/instances/{instanceID}/view-state"},
	{http.MethodPut, "/api/instances/{instanceID}/view-state"},
}

type testEnv struct {
	handler       http.Handler
	instanceStore *models.InstanceStore
}

func newTestDependencies(t *testing.T, baseURL string) (*Dependencies, *models.InstanceStore) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	instanceStore, err := models.NewInstanceStore(db, make([]byte, 32))
	require.NoError(t, err)

	pool, err := qbittorrent.NewClientPool(instanceStore, models.NewInstanceErrorStore(db), qbittorrent.PoolOptions{})
	require.NoError(t, err)

	syncManager := qbittorrent.NewSyncManager(pool, qbittorrent.SyncManagerOptions{})

	t.Cleanup(func() {
		syncManager.Close()
		_ = pool.Close()
		require.NoError(t, db.Close())
	})

	return &Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{
				BaseURL: baseURL,
			},
		},
		Version:        "test",
		DB:             db,
		InstanceStore:  instanceStore,
		ViewStateStore: models.NewViewStateStore(db),
		ClientPool:     pool,
		SyncManager:    syncManager,
	}, instanceStore
}

func newTestEnv(t *testing.T, baseURL string) *testEnv {
	t.Helper()

	deps, store := newTestDependencies(t, baseURL)
	router, err := NewServer(deps).Handler()
	require.NoError(t, err)

	return &testEnv{handler: router, instanceStore: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAllRoutesRegistered(t *testing.T) {
	deps, _ := newTestDependencies(t, "/")
	router, err := NewServer(deps).Handler()
	require.NoError(t, err)

	actual := make(map[routeKey]struct{})
	err = chi.Walk(router, func(method string, path string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		path = strings.TrimSuffix(strings.ReplaceAll(path, "/*/", "/"), "/")
		if path == "" {
			path = "/"
		}
		actual[routeKey{Method: strings.ToUpper(method), Path: path}] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	expected := make(map[routeKey]struct{}, len(expectedRoutes))
	for _, route := range expectedRoutes {
		expected[route] = struct{}{}
	}

	assert.Empty(t, diffRoutes(actual, expected), "unexpected routes")
	assert.Empty(t, diffRoutes(expected, actual), "missing routes")
}

func diffRoutes(a, b map[routeKey]struct{}) []string {
	var out []string
	for route := range a {
		if _, ok := b[route]; !ok {
			out = append(out, fmt.Sprintf("%s %s", route.Method, route.Path))
		}
	}
	sort.Strings(out)
	return out
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, "/")

	for _, path := range []string{"/health", "/healthz/readiness", "/healthz/liveness"} {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestBaseURL(t *testing.T) {
	env := newTestEnv(t, "/qsync/")

	rec := env.do(t, http.MethodGet, "/qsync/api/instances", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Must use baseUrl")
}

func TestCreateAndListInstances(t *testing.T) {
	env := newTestEnv(t, "/")

	rec := env.do(t, http.MethodPost, "/api/instances", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// nothing listens on port 1, so the background connection attempt fails fast
	rec = env.do(t, http.MethodPost, "/api/instances", map[string]any{
		"name":     "seedbox",
		"host":     "http://127.0.0.1:1",
		"username": "admin",
		"password": "secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "seedbox", created["name"])
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = env.do(t, http.MethodPost, "/api/instances", map[string]any{
		"name": "seedbox",
		"host": "http://127.0.0.1:2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "seedbox", list[0]["name"])
	assert.Equal(t, false, list[0]["connected"])
}

func TestInstanceStatusAndDelete(t *testing.T) {
	env := newTestEnv(t, "/")
	ctx := context.Background()

	instance, err := env.instanceStore.Create(ctx, "nas", "http://127.0.0.1:1", "admin", "secret", nil, nil, false)
	require.NoError(t, err)
	base := fmt.Sprintf("/api/instances/%d", instance.ID)

	rec := env.do(t, http.MethodPut, base+"/status", map[string]any{"isActive": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "disabled", decodeBody[map[string]any](t, rec)["connectionStatus"])

	for _, path := range []string{"/torrents", "/categories", "/tags", "/server-state", "/sync"} {
		t.Run("disabled "+path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, base+path, nil)
			assert.Equal(t, http.StatusConflict, rec.Code)
		})
	}

	rec = env.do(t, http.MethodPost, base+"/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, result["connected"])
	assert.Equal(t, "Instance is disabled", result["message"])

	rec = env.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownInstance(t *testing.T) {
	env := newTestEnv(t, "/")

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{method: http.MethodGet, path: "/api/instances/99/torrents"},
		{method: http.MethodGet, path: "/api/instances/99/torrents/counts"},
		{method: http.MethodGet, path: "/api/instances/99/categories"},
		{method: http.MethodPost, path: "/api/instances/99/sync/now"},
		{method: http.MethodGet, path: "/api/instances/99/view-state"},
		{method: http.MethodPut, path: "/api/instances/99", body: map[string]any{"name": "x", "host": "http://localhost"}},
		{method: http.MethodPut, path: "/api/instances/99/status", body: map[string]any{"isActive": true}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		})
	}
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, "/")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{name: "invalid id", method: http.MethodGet, path: "/api/instances/abc/torrents"},
		{name: "zero id", method: http.MethodGet, path: "/api/instances/0/sync"},
		{name: "invalid filters", method: http.MethodGet, path: "/api/instances/1/torrents?filters=%7Bbad"},
		{name: "empty category name", method: http.MethodPost, path: "/api/instances/1/categories", body: map[string]any{"name": " "}},
		{name: "no tags", method: http.MethodPost, path: "/api/instances/1/tags", body: map[string]any{"tags": []string{}}},
		{name: "no hashes", method: http.MethodPost, path: "/api/instances/1/torrents/tags", body: map[string]any{"tags": []string{"a"}}},
		{name: "negative interval", method: http.MethodPut, path: "/api/instances/1/sync/view", body: map[string]any{"view": "search", "intervalMs": -5}},
		{name: "empty reorder", method: http.MethodPut, path: "/api/instances/order", body: map[string]any{"instanceIds": []int{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[map[string]string](t, rec)["error"])
		})
	}
}

func TestViewStateEndpoints(t *testing.T) {
	env := newTestEnv(t, "/")

	instance, err := env.instanceStore.Create(context.Background(), "nas", "http://127.0.0.1:1", "admin", "secret", nil, nil, false)
	require.NoError(t, err)
	path := fmt.Sprintf("/api/instances/%d/view-state", instance.ID)

	rec := env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decodeBody[models.ViewState](t, rec)
	assert.Equal(t, "all", state.SelectedFilter)
	assert.Nil(t, state.SelectedCategory)
	assert.Equal(t, models.ViewTransfers, state.ActiveView)

	rec = env.do(t, http.MethodPut, path, map[string]any{
		"selectedFilter":    "seeding",
		"selectedCategory":  "",
		"activeView":        "search",
		"collapsedSections": map[string]bool{"tags": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state = decodeBody[models.ViewState](t, rec)
	assert.Equal(t, "seeding", state.SelectedFilter)
	require.NotNil(t, state.SelectedCategory)
	assert.Empty(t, *state.SelectedCategory)
	assert.Equal(t, models.ViewSearch, state.ActiveView)
	assert.True(t, state.CollapsedSections["tags"])

	rec = env.do(t, http.MethodPut, path, map[string]any{"activeView": "grid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestVersionWithoutUpdateService(t *testing.T) {
	env := newTestEnv(t, "/")

	rec := env.do(t, http.MethodGet, "/api/version/latest", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

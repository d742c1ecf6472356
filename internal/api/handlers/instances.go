// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/models"
	internalqbittorrent "github.com/autobrr/qsync/internal/qbittorrent"
)

type InstancesHandler struct {
	instanceStore *models.InstanceStore
	clientPool    *internalqbittorrent.ClientPool
}

func NewInstancesHandler(instanceStore *models.InstanceStore, clientPool *internalqbittorrent.ClientPool) *InstancesHandler {
	return &InstancesHandler{
		instanceStore: instanceStore,
		clientPool:    clientPool,
	}
}

// GetInstanceCapabilities returns lightweight capability metadata for an instance.
func (h *InstancesHandler) GetInstanceCapabilities(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	client, err := h.clientPool.GetClientOffline(ctx, instanceID)
	if err != nil {
		client, err = h.clientPool.GetClientWithTimeout(ctx, instanceID, 15*time.Second)
		if err != nil {
			if respondIfInstanceDisabled(w, err, instanceID, "instances:getCapabilities") {
				return
			}
			if errors.Is(err, models.ErrInstanceNotFound) {
				RespondError(w, http.StatusNotFound, "Instance not found")
				return
			}
			log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get client for capabilities")
			RespondError(w, http.StatusServiceUnavailable, "Failed to load instance capabilities")
			return
		}
	}

	if client.GetWebAPIVersion() == "" {
		if err := client.RefreshCapabilities(ctx); err != nil {
			log.Error().
				Err(err).
				Int("instanceID", instanceID).
				Msg("Unable to refresh qBittorrent capabilities during request")
		}
	}

	RespondJSON(w, http.StatusOK, NewInstanceCapabilitiesResponse(client))
}

// CreateInstanceRequest represents a request to create a new instance
type CreateInstanceRequest struct {
	Name          string  `json:"name"`
	Host          string  `json:"host"`
	Username      string  `json:"username"`
	Password      string  `json:"password"`
	BasicUsername *string `json:"basicUsername,omitempty"`
	BasicPassword *string `json:"basicPassword,omitempty"`
	TLSSkipVerify bool    `json:"tlsSkipVerify,omitempty"`
}

// UpdateInstanceRequest represents a request to update an instance
type UpdateInstanceRequest struct {
	Name          string  `json:"name"`
	Host          string  `json:"host"`
	Username      string  `json:"username"`
	Password      string  `json:"password,omitempty"` // Optional for updates
	BasicUsername *string `json:"basicUsername,omitempty"`
	BasicPassword *string `json:"basicPassword,omitempty"`
	TLSSkipVerify *bool   `json:"tlsSkipVerify,omitempty"`
}

type UpdateInstanceStatusRequest struct {
	IsActive bool `json:"isActive"`
}

// InstanceResponse represents an instance in API responses
type InstanceResponse struct {
	ID                 int                               `json:"id"`
	Name               string                            `json:"name"`
	Host               string                            `json:"host"`
	Username           string                            `json:"username"`
	BasicUsername      *string                           `json:"basicUsername,omitempty"`
	TLSSkipVerify      bool                              `json:"tlsSkipVerify"`
	Connected          bool                              `json:"connected"`
	HasDecryptionError bool                              `json:"hasDecryptionError"`
	RecentErrors       []models.InstanceError            `json:"recentErrors,omitempty"`
	ConnectionStatus   string                            `json:"connectionStatus,omitempty"`
	SortOrder          int                               `json:"sortOrder"`
	IsActive           bool                              `json:"isActive"`
	Sync               *internalqbittorrent.PollerStatus `json:"sync,omitempty"`
}

// TestConnectionResponse represents connection test result
type TestConnectionResponse struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DeleteInstanceResponse represents delete operation result
type DeleteInstanceResponse struct {
	Message string `json:"message"`
}

func (h *InstancesHandler) buildInstanceResponsesParallel(ctx context.Context, instances []*models.Instance) []InstanceResponse {
	if len(instances) == 0 {
		return []InstanceResponse{}
	}

	type result struct {
		index    int
		response InstanceResponse
	}
	resultCh := make(chan result, len(instances))

	for i, instance := range instances {
		go func(index int, inst *models.Instance) {
			resultCh <- result{index: index, response: h.buildInstanceResponse(ctx, inst)}
		}(i, instance)
	}

	responses := make([]InstanceResponse, len(instances))
	filled := make([]bool, len(instances))
	for range len(instances) {
		select {
		case res := <-resultCh:
			responses[res.index] = res.response
			filled[res.index] = true
		case <-ctx.Done():
			for i, inst := range instances {
				if !filled[i] {
					responses[i] = h.buildQuickInstanceResponse(inst)
				}
			}
			return responses
		}
	}

	return responses
}

// buildInstanceResponse creates a consistent response for an instance
func (h *InstancesHandler) buildInstanceResponse(ctx context.Context, instance *models.Instance) InstanceResponse {
	// Use cached connection status only, do not test connection synchronously
	client, _ := h.clientPool.GetClientOffline(ctx, instance.ID)
	healthy := client != nil && client.IsHealthy() && instance.IsActive

	var connectionStatus string
	if !instance.IsActive {
		connectionStatus = "disabled"
	} else if client != nil {
		if status := strings.TrimSpace(client.GetCachedConnectionStatus()); status != "" {
			connectionStatus = strings.ToLower(status)
		}
	}

	response := InstanceResponse{
		ID:                 instance.ID,
		Name:               instance.Name,
		Host:               instance.Host,
		Username:           instance.Username,
		BasicUsername:      instance.BasicUsername,
		TLSSkipVerify:      instance.TLSSkipVerify,
		Connected:          healthy,
		HasDecryptionError: slices.Contains(h.clientPool.GetInstancesWithDecryptionErrors(), instance.ID),
		ConnectionStatus:   connectionStatus,
		SortOrder:          instance.SortOrder,
		IsActive:           instance.IsActive,
	}

	if client != nil {
		status := client.Poller().Status()
		response.Sync = &status
	}

	// Fetch recent errors for disconnected instances
	if instance.IsActive && !healthy {
		recentErrors, err := h.clientPool.GetErrorStore().GetRecentErrors(ctx, instance.ID, 5)
		if err != nil {
			log.Error().Err(err).Int("instanceID", instance.ID).Msg("Failed to get recent errors")
		} else {
			response.RecentErrors = recentErrors
		}
	}

	return response
}

// buildQuickInstanceResponse creates a response without testing connection
func (h *InstancesHandler) buildQuickInstanceResponse(instance *models.Instance) InstanceResponse {
	connectionStatus := ""
	if !instance.IsActive {
		connectionStatus = "disabled"
	}
	return InstanceResponse{
		ID:               instance.ID,
		Name:             instance.Name,
		Host:             instance.Host,
		Username:         instance.Username,
		BasicUsername:    instance.BasicUsername,
		TLSSkipVerify:    instance.TLSSkipVerify,
		SortOrder:        instance.SortOrder,
		IsActive:         instance.IsActive,
		ConnectionStatus: connectionStatus,
	}
}

// testConnectionAsync connects in the background, which also starts the
// instance's maindata sync.
func (h *InstancesHandler) testConnectionAsync(instanceID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Debug().Int("instanceID", instanceID).Msg("Testing connection asynchronously")

	client, err := h.clientPool.GetClient(ctx, instanceID)
	if err != nil {
		log.Debug().Err(err).Int("instanceID", instanceID).Msg("Async connection test failed")
		return
	}

	if err := client.HealthCheck(ctx); err != nil {
		log.Debug().Err(err).Int("instanceID", instanceID).Msg("Async health check failed")
		return
	}

	log.Debug().Int("instanceID", instanceID).Msg("Async connection test succeeded")
}

// ListInstances returns all instances
func (h *InstancesHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instanceStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list instances")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	RespondJSON(w, http.StatusOK, h.buildInstanceResponsesParallel(r.Context(), instances))
}

// UpdateInstanceOrder updates the display order for all instances
func (h *InstancesHandler) UpdateInstanceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceIDs []int `json:"instanceIds"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.InstanceIDs) == 0 {
		RespondError(w, http.StatusBadRequest, "instanceIds must not be empty")
		return
	}

	instances, err := h.instanceStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list instances for reorder")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	if len(req.InstanceIDs) != len(instances) {
		RespondError(w, http.StatusBadRequest, "instanceIds must include all instances")
		return
	}

	validIDs := make(map[int]struct{}, len(instances))
	for _, inst := range instances {
		validIDs[inst.ID] = struct{}{}
	}

	seen := make(map[int]struct{}, len(req.InstanceIDs))
	for _, id := range req.InstanceIDs {
		if _, ok := validIDs[id]; !ok {
			RespondError(w, http.StatusBadRequest, "instanceIds contains an unknown instance")
			return
		}
		if _, ok := seen[id]; ok {
			RespondError(w, http.StatusBadRequest, "instanceIds must not contain duplicates")
			return
		}
		seen[id] = struct{}{}
	}

	if err := h.instanceStore.UpdateOrder(r.Context(), req.InstanceIDs); err != nil {
		log.Error().Err(err).Msg("Failed to update instance order")
		RespondError(w, http.StatusInternalServerError, "Failed to update instance order")
		return
	}

	updatedInstances, err := h.instanceStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list instances after reorder")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	RespondJSON(w, http.StatusOK, h.buildInstanceResponsesParallel(r.Context(), updatedInstances))
}

// CreateInstance creates a new instance
func (h *InstancesHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Host) == "" {
		RespondError(w, http.StatusBadRequest, "Name and host are required")
		return
	}

	instance, err := h.instanceStore.Create(r.Context(), req.Name, req.Host, req.Username, req.Password, req.BasicUsername, req.BasicPassword, req.TLSSkipVerify)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNameTaken) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to create instance")
		RespondError(w, http.StatusInternalServerError, "Failed to create instance")
		return
	}

	go h.testConnectionAsync(instance.ID)

	RespondJSON(w, http.StatusCreated, h.buildQuickInstanceResponse(instance))
}

// UpdateInstance updates an existing instance and reconnects it, so its
// mirror starts again from a full update.
func (h *InstancesHandler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req UpdateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Host) == "" {
		RespondError(w, http.StatusBadRequest, "Name and host are required")
		return
	}

	existingInstance, err := h.instanceStore.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Msg("Failed to fetch existing instance")
		RespondError(w, http.StatusInternalServerError, "Failed to fetch instance")
		return
	}

	// Redacted secrets mean "keep the stored value"
	if req.Password != "" && domain.IsRedactedString(req.Password) {
		req.Password = ""
	}
	if req.BasicPassword != nil && *req.BasicPassword != "" && domain.IsRedactedString(*req.BasicPassword) {
		req.BasicPassword = nil
	}

	instance, err := h.instanceStore.Update(r.Context(), existingInstance.ID, req.Name, req.Host, req.Username, req.Password, req.BasicUsername, req.BasicPassword, req.TLSSkipVerify)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInstanceNotFound):
			RespondError(w, http.StatusNotFound, "Instance not found")
		case errors.Is(err, models.ErrInstanceNameTaken):
			RespondError(w, http.StatusConflict, err.Error())
		default:
			log.Error().Err(err).Msg("Failed to update instance")
			RespondError(w, http.StatusInternalServerError, "Failed to update instance")
		}
		return
	}

	h.clientPool.RemoveClient(instanceID)
	h.clientPool.ResetFailureTracking(instanceID)
	if instance.IsActive {
		go h.testConnectionAsync(instance.ID)
	}

	RespondJSON(w, http.StatusOK, h.buildQuickInstanceResponse(instance))
}

// DeleteInstance deletes an instance
func (h *InstancesHandler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	if err := h.instanceStore.Delete(r.Context(), instanceID); err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Msg("Failed to delete instance")
		RespondError(w, http.StatusInternalServerError, "Failed to delete instance")
		return
	}

	h.clientPool.RemoveClient(instanceID)

	RespondJSON(w, http.StatusOK, DeleteInstanceResponse{Message: "Instance deleted successfully"})
}

// UpdateInstanceStatus toggles whether an instance should be actively polled
func (h *InstancesHandler) UpdateInstanceStatus(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req UpdateInstanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	instance, err := h.instanceStore.SetActiveState(r.Context(), instanceID, req.IsActive)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to update instance status")
		RespondError(w, http.StatusInternalServerError, "Failed to update instance status")
		return
	}

	if !req.IsActive {
		h.clientPool.RemoveClient(instanceID)
	} else {
		// Clear backoff state and errors when re-enabling instance
		h.clientPool.ResetFailureTracking(instanceID)
		go h.testConnectionAsync(instanceID)
	}

	RespondJSON(w, http.StatusOK, h.buildQuickInstanceResponse(instance))
}

// TestConnection tests the connection to an instance
func (h *InstancesHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	client, err := h.clientPool.GetClient(r.Context(), instanceID)
	if err != nil {
		response := TestConnectionResponse{Connected: false, Error: err.Error()}
		switch {
		case errors.Is(err, internalqbittorrent.ErrInstanceDisabled):
			response.Message = "Instance is disabled"
		case errors.Is(err, models.ErrInstanceNotFound):
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		RespondJSON(w, http.StatusOK, response)
		return
	}

	if err := client.HealthCheck(r.Context()); err != nil {
		RespondJSON(w, http.StatusOK, TestConnectionResponse{Connected: false, Error: err.Error()})
		return
	}

	RespondJSON(w, http.StatusOK, TestConnectionResponse{Connected: true, Message: "Connection successful"})
}

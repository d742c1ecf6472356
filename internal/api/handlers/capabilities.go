// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	internalqbittorrent "github.com/autobrr/qsync/internal/qbittorrent"
)

// InstanceCapabilitiesResponse describes supported features for an instance.
type InstanceCapabilitiesResponse struct {
	SupportsSetTags       bool   `json:"supportsSetTags"`
	SupportsEditCategory  bool   `json:"supportsEditCategory"`
	SupportsTagManagement bool   `json:"supportsTagManagement"`
	SupportsSubcategories bool   `json:"supportsSubcategories"`
	WebAPIVersion         string `json:"webAPIVersion,omitempty"`
}

// NewInstanceCapabilitiesResponse creates a response payload from a qBittorrent client.
func NewInstanceCapabilitiesResponse(client *internalqbittorrent.Client) InstanceCapabilitiesResponse {
	capabilities := InstanceCapabilitiesResponse{
		SupportsSetTags:       client.SupportsSetTags(),
		SupportsEditCategory:  client.SupportsEditCategory(),
		SupportsTagManagement: client.SupportsTagManagement(),
		SupportsSubcategories: client.SupportsSubcategories(),
	}

	if version := client.GetWebAPIVersion(); version != "" {
		capabilities.WebAPIVersion = version
	}

	return capabilities
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/autobrr/qsync/internal/dbinterface"
)

const (
	ViewTransfers = "transfers"
	ViewSearch    = "search"
)

// DefaultCollapsedSections lists the sidebar sections, all expanded.
var DefaultCollapsedSections = map[string]bool{
	"status":     false,
	"categories": false,
	"tags":       false,
}

var ErrInvalidView = errors.New("view must be transfers or search")

// ViewState is the per-instance sidebar selection. A nil category or tag
// means "All"; an empty string selects uncategorized or untagged torrents.
type ViewState struct {
	InstanceID        int             `json:"instanceId"`
	SelectedFilter    string          `json:"selectedFilter"`
	SelectedCategory  *string         `json:"selectedCategory"`
	SelectedTag       *string         `json:"selectedTag"`
	ActiveView        string          `json:"activeView"`
	CollapsedSections map[string]bool `json:"collapsedSections"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ViewStateInput is a partial update. ClearCategory and ClearTag reset the
// selection to "All".
type ViewStateInput struct {
	SelectedFilter    string          `json:"selectedFilter,omitempty"`
	SelectedCategory  *string         `json:"selectedCategory,omitempty"`
	ClearCategory     bool            `json:"clearCategory,omitempty"`
	SelectedTag       *string         `json:"selectedTag,omitempty"`
	ClearTag          bool            `json:"clearTag,omitempty"`
	ActiveView        string          `json:"activeView,omitempty"`
	CollapsedSections map[string]bool `json:"collapsedSections,omitempty"`
}

type ViewStateStore struct {
	db dbinterface.Querier
}

func NewViewStateStore(db dbinterface.Querier) *ViewStateStore {
	return &ViewStateStore{db: db}
}

// Get returns the view state for an instance, creating defaults if none exist.
func (s *ViewStateStore) Get(ctx context.Context, instanceID int) (*ViewState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, selected_filter, selected_category, selected_tag,
		       active_view, collapsed_sections, created_at, updated_at
		FROM instance_view_state
		WHERE instance_id = ?
	`, instanceID)

	var vs ViewState
	var category, tag sql.NullString
	var collapsedJSON string

	err := row.Scan(
		&vs.InstanceID, &vs.SelectedFilter, &category, &tag,
		&vs.ActiveView, &collapsedJSON, (*timestamp)(&vs.CreatedAt), (*timestamp)(&vs.UpdatedAt),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s.createDefault(ctx, instanceID)
	}
	if err != nil {
		return nil, err
	}

	if category.Valid {
		vs.SelectedCategory = &category.String
	}
	if tag.Valid {
		vs.SelectedTag = &tag.String
	}

	vs.CollapsedSections = maps.Clone(DefaultCollapsedSections)
	if collapsedJSON != "" && collapsedJSON != "{}" {
		var stored map[string]bool
		if err := json.Unmarshal([]byte(collapsedJSON), &stored); err == nil {
			maps.Copy(vs.CollapsedSections, stored)
		}
	}

	return &vs, nil
}

// Update merges input into the stored state.
func (s *ViewStateStore) Update(ctx context.Context, instanceID int, input *ViewStateInput) (*ViewState, error) {
	if input == nil {
		return nil, errors.New("input is nil")
	}
	if input.ActiveView != "" && input.ActiveView != ViewTransfers && input.ActiveView != ViewSearch {
		return nil, ErrInvalidView
	}

	existing, err := s.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if input.SelectedFilter != "" {
		existing.SelectedFilter = input.SelectedFilter
	}
	if input.ClearCategory {
		existing.SelectedCategory = nil
	} else if input.SelectedCategory != nil {
		existing.SelectedCategory = input.SelectedCategory
	}
	if input.ClearTag {
		existing.SelectedTag = nil
	} else if input.SelectedTag != nil {
		existing.SelectedTag = input.SelectedTag
	}
	if input.ActiveView != "" {
		existing.ActiveView = input.ActiveView
	}
	maps.Copy(existing.CollapsedSections, input.CollapsedSections)

	collapsedJSON, err := json.Marshal(existing.CollapsedSections)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE instance_view_state
		SET selected_filter = ?,
		    selected_category = ?,
		    selected_tag = ?,
		    active_view = ?,
		    collapsed_sections = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ?
	`,
		existing.SelectedFilter,
		existing.SelectedCategory,
		existing.SelectedTag,
		existing.ActiveView,
		string(collapsedJSON),
		instanceID,
	)
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, instanceID)
}

func (s *ViewStateStore) createDefault(ctx context.Context, instanceID int) (*ViewState, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_view_state (instance_id, selected_filter, active_view, collapsed_sections)
		VALUES (?, 'all', ?, '{}')
	`, instanceID, ViewTransfers)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("create default view state: %w", err)
	}

	now := time.Now()
	return &ViewState{
		InstanceID:        instanceID,
		SelectedFilter:    "all",
		ActiveView:        ViewTransfers,
		CollapsedSections: maps.Clone(DefaultCollapsedSections),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

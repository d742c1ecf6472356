// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewStateStore_Defaults(t *testing.T) {
	ctx := t.Context()
	store, db := newTestInstanceStore(t)
	instance, err := store.Create(ctx, "box", "http://box", "", "", nil, nil, false)
	require.NoError(t, err)

	views := NewViewStateStore(db)
	vs, err := views.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "all", vs.SelectedFilter)
	assert.Nil(t, vs.SelectedCategory)
	assert.Nil(t, vs.SelectedTag)
	assert.Equal(t, ViewTransfers, vs.ActiveView)
	assert.Equal(t, DefaultCollapsedSections, vs.CollapsedSections)

	// second read hits the stored row
	again, err := views.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, vs.SelectedFilter, again.SelectedFilter)
}

func TestViewStateStore_PartialUpdate(t *testing.T) {
	ctx := t.Context()
	store, db := newTestInstanceStore(t)
	instance, err := store.Create(ctx, "box", "http://box", "", "", nil, nil, false)
	require.NoError(t, err)

	views := NewViewStateStore(db)
	movies := "Movies"
	untagged := ""

	vs, err := views.Update(ctx, instance.ID, &ViewStateInput{
		SelectedFilter:    "seeding",
		SelectedCategory:  &movies,
		SelectedTag:       &untagged,
		CollapsedSections: map[string]bool{"tags": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "seeding", vs.SelectedFilter)
	require.NotNil(t, vs.SelectedCategory)
	assert.Equal(t, "Movies", *vs.SelectedCategory)
	require.NotNil(t, vs.SelectedTag)
	assert.Equal(t, "", *vs.SelectedTag)
	assert.True(t, vs.CollapsedSections["tags"])
	assert.False(t, vs.CollapsedSections["status"])

	vs, err = views.Update(ctx, instance.ID, &ViewStateInput{ActiveView: ViewSearch, ClearCategory: true})
	require.NoError(t, err)
	assert.Equal(t, "seeding", vs.SelectedFilter)
	assert.Nil(t, vs.SelectedCategory)
	require.NotNil(t, vs.SelectedTag)
	assert.Equal(t, ViewSearch, vs.ActiveView)
	assert.True(t, vs.CollapsedSections["tags"])
}

func TestViewStateStore_Errors(t *testing.T) {
	ctx := t.Context()
	_, db := newTestInstanceStore(t)
	views := NewViewStateStore(db)

	_, err := views.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = views.Update(ctx, 99, &ViewStateInput{ActiveView: "preferences"})
	assert.ErrorIs(t, err, ErrInvalidView)

	_, err = views.Update(ctx, 99, nil)
	assert.Error(t, err)
}

func TestViewStateStore_DeletedWithInstance(t *testing.T) {
	ctx := t.Context()
	store, db := newTestInstanceStore(t)
	instance, err := store.Create(ctx, "box", "http://box", "", "", nil, nil, false)
	require.NoError(t, err)

	views := NewViewStateStore(db)
	_, err = views.Update(ctx, instance.ID, &ViewStateInput{SelectedFilter: "paused"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, instance.ID))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instance_view_state`).Scan(&count))
	assert.Zero(t, count)
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func torrent(hash, name, state, category, tags string) Torrent {
	return Torrent{
		"hash":     hash,
		"name":     name,
		"state":    state,
		"category": category,
		"tags":     tags,
	}
}

func hashes(torrents []Torrent) []string {
	out := make([]string, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, t.Hash())
	}
	return out
}

func TestMatchStatus(t *testing.T) {
	tests := []struct {
		state   string
		upspeed float64
		status  string
		want    bool
	}{
		{state: "downloading", status: StatusDownloading, want: true},
		{state: "stalledDL", status: StatusDownloading, want: true},
		{state: "pausedDL", status: StatusDownloading, want: true},
		{state: "uploading", status: StatusDownloading, want: false},
		{state: "uploading", status: StatusSeeding, want: true},
		{state: "checkingUP", status: StatusSeeding, want: true},
		{state: "pausedUP", status: StatusSeeding, want: false},
		{state: "pausedUP", status: StatusCompleted, want: true},
		{state: "uploading", status: StatusCompleted, want: true},
		{state: "downloading", status: StatusCompleted, want: false},
		{state: "pausedDL", status: StatusPaused, want: true},
		{state: "stoppedUP", status: StatusPaused, want: true},
		{state: "pausedDL", status: StatusResumed, want: false},
		{state: "queuedDL", status: StatusResumed, want: true},
		{state: "downloading", status: StatusActive, want: true},
		{state: "metaDL", status: StatusActive, want: true},
		{state: "stalledDL", status: StatusActive, want: false},
		{state: "stalledDL", upspeed: 10, status: StatusActive, want: true},
		{state: "stalledUP", status: StatusActive, want: false},
		{state: "stalledUP", status: StatusInactive, want: true},
		{state: "forcedUP", status: StatusInactive, want: false},
		{state: "error", status: StatusErrored, want: true},
		{state: "unknown", status: StatusErrored, want: true},
		{state: "missingFiles", status: StatusErrored, want: true},
		{state: "moving", status: StatusMoving, want: true},
		{state: "checkingResumeData", status: StatusChecking, want: true},
		{state: "stalledUP", status: StatusStalledUploading, want: true},
		{state: "stalledDL", status: StatusStalledUploading, want: false},
		{state: "anything", status: StatusAll, want: true},
		{state: "forcedDL", status: "forcedDL", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.state+"/"+tt.status, func(t *testing.T) {
			tor := torrent("h", "n", tt.state, "", "")
			tor["upspeed"] = tt.upspeed
			assert.Equal(t, tt.want, MatchStatus(tor, tt.status))
		})
	}
}

func sampleTorrents() []Torrent {
	return []Torrent{
		torrent("h1", "Ubuntu.22.04.Desktop.iso", "uploading", "linux", "iso, lts"),
		torrent("h2", "Debian 12 netinst", "downloading", "linux", ""),
		torrent("h3", "Some.Movie.2023.1080p", "pausedDL", "movies", "hd"),
		torrent("h4", "Podcast episode", "stalledUP", "", ""),
	}
}

func TestApplyFilters(t *testing.T) {
	compiler := newExprCompiler()
	defer compiler.close()

	tests := []struct {
		name string
		opts FilterOptions
		want []string
	}{
		{name: "no filters", opts: FilterOptions{}, want: []string{"h1", "h2", "h3", "h4"}},
		{name: "status", opts: FilterOptions{Status: []string{StatusSeeding}}, want: []string{"h1", "h4"}},
		{name: "exclude status", opts: FilterOptions{ExcludeStatus: []string{StatusPaused}}, want: []string{"h1", "h2", "h4"}},
		{name: "category", opts: FilterOptions{Categories: []string{"linux"}}, want: []string{"h1", "h2"}},
		{name: "uncategorized", opts: FilterOptions{Categories: []string{""}}, want: []string{"h4"}},
		{name: "exclude category", opts: FilterOptions{ExcludeCategories: []string{"linux"}}, want: []string{"h3", "h4"}},
		{name: "tag", opts: FilterOptions{Tags: []string{"lts"}}, want: []string{"h1"}},
		{name: "untagged", opts: FilterOptions{Tags: []string{""}}, want: []string{"h2", "h4"}},
		{name: "exclude tag", opts: FilterOptions{ExcludeTags: []string{"hd"}}, want: []string{"h1", "h2", "h4"}},
		{name: "hashes", opts: FilterOptions{Hashes: []string{"H3", "h4"}}, want: []string{"h3", "h4"}},
		{name: "combined", opts: FilterOptions{Status: []string{StatusDownloading}, Categories: []string{"linux"}}, want: []string{"h2"}},
		{name: "expression", opts: FilterOptions{Expr: `category == "movies" || state == "stalledUP"`}, want: []string{"h3", "h4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyFilters(sampleTorrents(), tt.opts, compiler)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hashes(got))
		})
	}
}

func TestApplyFilters_InvalidExpression(t *testing.T) {
	compiler := newExprCompiler()
	defer compiler.close()

	_, err := applyFilters(sampleTorrents(), FilterOptions{Expr: `name ==`}, compiler)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestFilterBySearch(t *testing.T) {
	tests := []struct {
		name   string
		search string
		want   []string
	}{
		{name: "empty", search: "", want: []string{"h1", "h2", "h3", "h4"}},
		{name: "substring", search: "debian", want: []string{"h2"}},
		{name: "category substring", search: "movies", want: []string{"h3"}},
		{name: "normalized", search: "some movie", want: []string{"h3"}},
		{name: "all words", search: "1080p movie", want: []string{"h3"}},
		{name: "glob", search: "*.iso", want: []string{"h1"}},
		{name: "glob on tag", search: "l?s", want: []string{"h1"}},
		{name: "no match", search: "zzzzqqq", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hashes(filterBySearch(sampleTorrents(), tt.search)))
		})
	}
}

func TestSortTorrents(t *testing.T) {
	list := []Torrent{
		{"hash": "a", "name": "beta", "size": float64(3), "eta": float64(infinityETA), "priority": float64(0), "state": "uploading"},
		{"hash": "b", "name": "Alpha", "size": float64(1), "eta": float64(60), "priority": float64(2), "state": "downloading"},
		{"hash": "c", "name": "gamma", "size": float64(2), "eta": float64(30), "priority": float64(1), "state": "error"},
	}

	tests := []struct {
		field string
		desc  bool
		want  []string
	}{
		{field: "name", want: []string{"b", "a", "c"}},
		{field: "name", desc: true, want: []string{"c", "a", "b"}},
		{field: "size", want: []string{"b", "c", "a"}},
		{field: "size", desc: true, want: []string{"a", "c", "b"}},
		{field: "eta", want: []string{"c", "b", "a"}},
		{field: "eta", desc: true, want: []string{"b", "c", "a"}},
		{field: "priority", want: []string{"c", "b", "a"}},
		{field: "state", want: []string{"b", "a", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			sorted := append([]Torrent(nil), list...)
			sortTorrents(sorted, tt.field, tt.desc)
			assert.Equal(t, tt.want, hashes(sorted))
		})
	}
}

func TestCalculateCounts(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"full_update":true,"rid":1,"categories":{"linux":{"name":"linux"},"empty":{"name":"empty"}},"tags":["iso"],"torrents":{
		"h1":{"state":"uploading","category":"linux","tags":"iso"},
		"h2":{"state":"downloading","category":"linux","tags":""},
		"h3":{"state":"pausedDL","category":"","tags":""}
	}}`))

	counts := calculateCounts(s.Torrents(), s.Categories(), s.Tags())

	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 3, counts.Status[StatusAll])
	assert.Equal(t, 2, counts.Status[StatusDownloading])
	assert.Equal(t, 1, counts.Status[StatusSeeding])
	assert.Equal(t, 1, counts.Status[StatusPaused])
	assert.Equal(t, 2, counts.Status[StatusResumed])
	assert.Equal(t, 0, counts.Status[StatusErrored])
	assert.Equal(t, 2, counts.Categories["linux"])
	assert.Equal(t, 0, counts.Categories["empty"])
	assert.Equal(t, 1, counts.Tags["iso"])
	assert.Equal(t, 1, counts.Uncategorized)
	assert.Equal(t, 2, counts.Untagged)
}

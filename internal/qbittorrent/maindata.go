// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"encoding/json"
	"fmt"
	"io"
)

// MainData is one decoded /api/v2/sync/maindata response.
//
// Every collection is nil when the server omitted it. A present but empty
// collection decodes to a non-nil empty value, so the merge can tell
// "not sent" apart from "sent empty".
type MainData struct {
	Rid               int64                    `json:"rid"`
	FullUpdate        bool                     `json:"full_update"`
	Torrents          map[string]TorrentPatch  `json:"torrents,omitempty"`
	TorrentsRemoved   []string                 `json:"torrents_removed,omitempty"`
	Categories        map[string]CategoryPatch `json:"categories,omitempty"`
	CategoriesRemoved []string                 `json:"categories_removed,omitempty"`
	Tags              []string                 `json:"tags,omitempty"`
	TagsRemoved       []string                 `json:"tags_removed,omitempty"`
	ServerState       map[string]any           `json:"server_state,omitempty"`
}

// TorrentPatch holds only the fields that changed since the previous rid.
type TorrentPatch map[string]any

// CategoryPatch leaves SavePath nil when the server did not send it.
type CategoryPatch struct {
	Name     string  `json:"name"`
	SavePath *string `json:"savePath"`
}

// DecodeMainData reads a maindata payload. Numbers keep their float64 JSON
// representation; Torrent accessors convert on read.
func DecodeMainData(r io.Reader) (*MainData, error) {
	var data MainData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode maindata: %w", err)
	}
	return &data, nil
}

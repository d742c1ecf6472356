// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
)

// Torrent is the merged view of a torrent, keyed by WebUI API field names.
type Torrent map[string]any

func (t Torrent) Hash() string     { return t.String("hash") }
func (t Torrent) Name() string     { return t.String("name") }
func (t Torrent) Category() string { return t.String("category") }
func (t Torrent) Tracker() string  { return t.String("tracker") }

func (t Torrent) State() qbt.TorrentState {
	return qbt.TorrentState(t.String("state"))
}

func (t Torrent) Progress() float64 { return t.Float("progress") }

// Tags returns the parsed tag names in server order.
func (t Torrent) Tags() []string {
	return parseTags(t.String("tags"))
}

func (t Torrent) String(key string) string {
	switch v := t[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (t Torrent) Float(key string) float64 {
	switch v := t[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

func (t Torrent) Int(key string) int64 {
	return int64(t.Float(key))
}

func (t Torrent) Bool(key string) bool {
	switch v := t[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (t Torrent) clone() Torrent {
	return maps.Clone(t)
}

// parseTags splits the comma separated tags field. Whitespace around names is
// dropped along with empty entries and duplicates.
func parseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		tag := strings.TrimSpace(part)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

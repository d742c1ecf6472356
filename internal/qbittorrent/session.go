// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Category is a locally mirrored category and the hashes assigned to it.
type Category struct {
	Name     string
	SavePath string
	torrents map[string]struct{}
}

// Tag is a locally mirrored tag and the hashes carrying it.
type Tag struct {
	Name     string
	torrents map[string]struct{}
}

// CategoryInfo is a read-only copy of a Category.
type CategoryInfo struct {
	Name     string `json:"name" yaml:"name"`
	SavePath string `json:"savePath" yaml:"savePath"`
	Count    int    `json:"count" yaml:"count"`
}

type TagInfo struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

// RenderFlags reports which sections an Apply call touched.
type RenderFlags struct {
	FullUpdate      bool `json:"fullUpdate"`
	Torrents        bool `json:"torrents"`
	Filters         bool `json:"filters"`
	Categories      bool `json:"categories"`
	Tags            bool `json:"tags"`
	ServerState     bool `json:"serverState"`
	QueueingChanged bool `json:"queueingChanged"`
	AltSpeedChanged bool `json:"altSpeedChanged"`
}

func (f RenderFlags) Any() bool {
	return f.FullUpdate || f.Torrents || f.Categories || f.Tags || f.ServerState
}

// SessionState is the local mirror of one qBittorrent instance. It is safe
// for one writer (the poller) and many concurrent readers.
type SessionState struct {
	mu sync.RWMutex

	rid         int64
	torrents    map[string]Torrent
	categories  map[string]*Category
	tags        map[string]*Tag
	serverState ServerState

	queueing   *bool
	altSpeed   *bool
	lastUpdate time.Time
}

func NewSessionState() *SessionState {
	return &SessionState{
		torrents:    make(map[string]Torrent),
		categories:  make(map[string]*Category),
		tags:        make(map[string]*Tag),
		serverState: make(ServerState),
	}
}

// Reset drops everything so the next poll starts from rid 0.
func (s *SessionState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rid = 0
	s.torrents = make(map[string]Torrent)
	s.categories = make(map[string]*Category)
	s.tags = make(map[string]*Tag)
	s.serverState = make(ServerState)
	s.queueing = nil
	s.altSpeed = nil
	s.lastUpdate = time.Time{}
}

// Apply merges one maindata response into the session.
func (s *SessionState) Apply(data *MainData) RenderFlags {
	flags := RenderFlags{Filters: true}
	if data == nil {
		return flags
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if data.FullUpdate {
		s.torrents = make(map[string]Torrent)
		s.categories = make(map[string]*Category)
		s.tags = make(map[string]*Tag)
		flags.FullUpdate = true
		flags.Torrents = true
		flags.Categories = true
		flags.Tags = true
	}

	if data.Rid != 0 {
		s.rid = data.Rid
	}

	if data.Categories != nil {
		for key, patch := range data.Categories {
			if existing, ok := s.categories[key]; ok {
				if patch.SavePath != nil {
					existing.SavePath = *patch.SavePath
				}
				continue
			}
			name := patch.Name
			if name == "" {
				name = key
			}
			cat := s.newCategory(key)
			cat.Name = name
			if patch.SavePath != nil {
				cat.SavePath = *patch.SavePath
			}
		}
		flags.Categories = true
	}

	if data.CategoriesRemoved != nil {
		for _, name := range data.CategoriesRemoved {
			delete(s.categories, name)
		}
		flags.Categories = true
	}

	if data.Tags != nil {
		for _, name := range data.Tags {
			if _, ok := s.tags[name]; !ok {
				s.newTag(name)
			}
		}
		flags.Tags = true
	}

	if data.TagsRemoved != nil {
		for _, name := range data.TagsRemoved {
			delete(s.tags, name)
		}
		flags.Tags = true
	}

	if data.Torrents != nil {
		for hash, patch := range data.Torrents {
			if s.mergeTorrent(hash, patch, &flags) {
				flags.Torrents = true
			}
		}
	}

	if data.TorrentsRemoved != nil {
		for _, hash := range data.TorrentsRemoved {
			if _, ok := s.torrents[hash]; ok {
				delete(s.torrents, hash)
				flags.Torrents = true
			}
			s.scrubCategory(hash)
			s.scrubTags(hash)
		}
		flags.Categories = true
		flags.Tags = true
	}

	if data.ServerState != nil {
		maps.Copy(s.serverState, data.ServerState)
		flags.ServerState = true

		if v, ok := s.serverState.lookupBool("queueing"); ok {
			if s.queueing != nil && *s.queueing != v {
				flags.QueueingChanged = true
			}
			s.queueing = &v
		}
		if v, ok := s.serverState.lookupBool("use_alt_speed_limits"); ok {
			if s.altSpeed != nil && *s.altSpeed != v {
				flags.AltSpeedChanged = true
			}
			s.altSpeed = &v
		}
	}

	s.lastUpdate = time.Now()

	return flags
}

// mergeTorrent applies a partial torrent object. It reports whether any
// torrent field changed.
func (s *SessionState) mergeTorrent(hash string, patch TorrentPatch, flags *RenderFlags) bool {
	current, exists := s.torrents[hash]
	if !exists {
		current = make(Torrent, len(patch)+2)
		s.torrents[hash] = current
	}

	oldTags := current.Tags()

	changed := !exists
	for k, v := range patch {
		if prev, ok := current[k]; !ok || !sameValue(prev, v) {
			changed = true
		}
		current[k] = v
	}
	current["hash"] = hash
	if state, ok := patch["state"].(string); ok && state != "" {
		current["status"] = state
	}

	if raw, ok := patch["category"]; ok {
		name, _ := raw.(string)
		if s.assignCategory(hash, name) {
			flags.Categories = true
		}
	}

	if _, ok := patch["tags"]; ok {
		if s.assignTags(hash, oldTags, current.Tags()) {
			flags.Tags = true
		}
	}

	return changed
}

// assignCategory moves hash into the named category. An empty name leaves
// the torrent uncategorized.
func (s *SessionState) assignCategory(hash, name string) bool {
	if name != "" {
		if cat, ok := s.categories[name]; ok {
			if _, member := cat.torrents[hash]; member {
				return false
			}
		}
	}

	changed := s.scrubCategory(hash)
	if name == "" {
		return changed
	}

	cat, ok := s.categories[name]
	if !ok {
		cat = s.newCategory(name)
	}
	cat.torrents[hash] = struct{}{}
	return true
}

// assignTags applies the difference between the previous and current tag
// lists to tag membership.
func (s *SessionState) assignTags(hash string, previous, current []string) bool {
	changed := false

	for _, name := range previous {
		if slices.Contains(current, name) {
			continue
		}
		if tag, ok := s.tags[name]; ok {
			if _, member := tag.torrents[hash]; member {
				delete(tag.torrents, hash)
				changed = true
			}
		}
	}

	for _, name := range current {
		tag, ok := s.tags[name]
		if !ok {
			tag = s.newTag(name)
		}
		if _, member := tag.torrents[hash]; !member {
			tag.torrents[hash] = struct{}{}
			changed = true
		}
	}

	return changed
}

func (s *SessionState) scrubCategory(hash string) bool {
	removed := false
	for _, cat := range s.categories {
		if _, ok := cat.torrents[hash]; ok {
			delete(cat.torrents, hash)
			removed = true
		}
	}
	return removed
}

func (s *SessionState) scrubTags(hash string) bool {
	removed := false
	for _, tag := range s.tags {
		if _, ok := tag.torrents[hash]; ok {
			delete(tag.torrents, hash)
			removed = true
		}
	}
	return removed
}

// newCategory registers an empty category and adopts any torrent that
// already references it.
func (s *SessionState) newCategory(name string) *Category {
	cat := &Category{Name: name, torrents: make(map[string]struct{})}
	for hash, t := range s.torrents {
		if t.Category() == name {
			cat.torrents[hash] = struct{}{}
		}
	}
	s.categories[name] = cat
	return cat
}

func (s *SessionState) newTag(name string) *Tag {
	tag := &Tag{Name: name, torrents: make(map[string]struct{})}
	for hash, t := range s.torrents {
		if slices.Contains(t.Tags(), name) {
			tag.torrents[hash] = struct{}{}
		}
	}
	s.tags[name] = tag
	return tag
}

func (s *SessionState) Rid() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rid
}

func (s *SessionState) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Torrent returns a copy of one torrent.
func (s *SessionState) Torrent(hash string) (Torrent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[hash]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Torrents returns copies of all torrents sorted by hash.
func (s *SessionState) Torrents() []Torrent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.torrentsLocked()
}

func (s *SessionState) torrentsLocked() []Torrent {
	hashes := slices.Sorted(maps.Keys(s.torrents))
	out := make([]Torrent, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, s.torrents[h].clone())
	}
	return out
}

func (s *SessionState) TorrentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.torrents)
}

// Categories returns the categories sorted by name.
func (s *SessionState) Categories() []CategoryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.categoriesLocked()
}

func (s *SessionState) categoriesLocked() []CategoryInfo {
	out := make([]CategoryInfo, 0, len(s.categories))
	for _, cat := range s.categories {
		out = append(out, CategoryInfo{Name: cat.Name, SavePath: cat.SavePath, Count: len(cat.torrents)})
	}
	slices.SortFunc(out, func(a, b CategoryInfo) int { return compareFold(a.Name, b.Name) })
	return out
}

// CategoryMembers returns the sorted hashes assigned to a category.
func (s *SessionState) CategoryMembers(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cat, ok := s.categories[name]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(cat.torrents))
}

func (s *SessionState) Tags() []TagInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tagsLocked()
}

func (s *SessionState) tagsLocked() []TagInfo {
	out := make([]TagInfo, 0, len(s.tags))
	for _, tag := range s.tags {
		out = append(out, TagInfo{Name: tag.Name, Count: len(tag.torrents)})
	}
	slices.SortFunc(out, func(a, b TagInfo) int { return compareFold(a.Name, b.Name) })
	return out
}

func (s *SessionState) TagMembers(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tag, ok := s.tags[name]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(tag.torrents))
}

// ServerState returns a copy of the merged server state.
func (s *SessionState) ServerState() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.serverState)
}

// RefreshInterval is the poll delay derived from the server's
// refresh_interval preference.
func (s *SessionState) RefreshInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverState.RefreshInterval()
}

// Snapshot is a point-in-time copy of the whole session.
type Snapshot struct {
	Rid         int64              `json:"rid" yaml:"rid"`
	LastUpdate  time.Time          `json:"lastUpdate" yaml:"lastUpdate"`
	Torrents    map[string]Torrent `json:"torrents" yaml:"torrents"`
	Categories  []CategoryInfo     `json:"categories" yaml:"categories"`
	Tags        []TagInfo          `json:"tags" yaml:"tags"`
	ServerState ServerState        `json:"serverState" yaml:"serverState"`
}

func (s *SessionState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Rid:         s.rid,
		LastUpdate:  s.lastUpdate,
		Torrents:    make(map[string]Torrent, len(s.torrents)),
		Categories:  s.categoriesLocked(),
		Tags:        s.tagsLocked(),
		ServerState: maps.Clone(s.serverState),
	}
	for h, t := range s.torrents {
		snap.Torrents[h] = t.clone()
	}
	return snap
}

// View is a copy of the session taken under one read lock, so every field
// belongs to the same rid.
type View struct {
	Rid         int64
	LastUpdate  time.Time
	Torrents    []Torrent
	Categories  []CategoryInfo
	Tags        []TagInfo
	ServerState ServerState
}

func (s *SessionState) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return View{
		Rid:         s.rid,
		LastUpdate:  s.lastUpdate,
		Torrents:    s.torrentsLocked(),
		Categories:  s.categoriesLocked(),
		Tags:        s.tagsLocked(),
		ServerState: maps.Clone(s.serverState),
	}
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func compareFold(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

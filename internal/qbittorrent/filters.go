// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"cmp"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
)

var ErrInvalidFilter = errors.New("invalid filter expression")

// Status filter names.
const (
	StatusAll                = "all"
	StatusDownloading        = "downloading"
	StatusSeeding            = "seeding"
	StatusCompleted          = "completed"
	StatusResumed            = "resumed"
	StatusPaused             = "paused"
	StatusActive             = "active"
	StatusInactive           = "inactive"
	StatusErrored            = "errored"
	StatusUploading          = "uploading"
	StatusStalled            = "stalled"
	StatusStalledUploading   = "stalled_uploading"
	StatusStalledDownloading = "stalled_downloading"
	StatusChecking           = "checking"
	StatusMoving             = "moving"
	StatusStopped            = "stopped"
	StatusRunning            = "running"
)

// StatusFilters lists every status filter in display order.
var StatusFilters = []string{
	StatusAll, StatusDownloading, StatusSeeding, StatusCompleted, StatusResumed,
	StatusPaused, StatusActive, StatusInactive, StatusErrored,
	StatusUploading, StatusStalled, StatusStalledUploading, StatusStalledDownloading,
	StatusChecking, StatusMoving, StatusStopped, StatusRunning,
}

func IsStatusFilter(name string) bool {
	return slices.Contains(StatusFilters, name)
}

var torrentStateCategories = map[string][]qbt.TorrentState{
	StatusSeeding:            {qbt.TorrentStateUploading, qbt.TorrentStateForcedUp, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp},
	StatusUploading:          {qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStateForcedUp},
	StatusErrored:            {qbt.TorrentStateError, qbt.TorrentStateUnknown, qbt.TorrentStateMissingFiles},
	StatusStalled:            {qbt.TorrentStateStalledDl, qbt.TorrentStateStalledUp},
	StatusStalledUploading:   {qbt.TorrentStateStalledUp},
	StatusStalledDownloading: {qbt.TorrentStateStalledDl},
	StatusChecking:           {qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData},
	StatusMoving:             {qbt.TorrentStateMoving},
	StatusStopped:            {qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp},
}

var activeStates = []qbt.TorrentState{
	qbt.TorrentStateMetaDl, qbt.TorrentStateDownloading, qbt.TorrentStateForcedDl,
	qbt.TorrentStateUploading, qbt.TorrentStateForcedUp,
}

func isPaused(state qbt.TorrentState) bool {
	s := string(state)
	return strings.Contains(s, "paused") || strings.Contains(s, "stopped")
}

func isActive(t Torrent) bool {
	state := t.State()
	if state == qbt.TorrentStateStalledDl {
		return t.Float("upspeed") > 0
	}
	return slices.Contains(activeStates, state)
}

// MatchStatus reports whether a torrent belongs to a status filter.
// Unknown filter names fall back to comparing the raw state.
func MatchStatus(t Torrent, status string) bool {
	state := t.State()

	switch status {
	case "", StatusAll:
		return true
	case StatusDownloading:
		return state == qbt.TorrentStateDownloading || strings.Contains(string(state), "DL")
	case StatusCompleted:
		return state == qbt.TorrentStateUploading || strings.Contains(string(state), "UP")
	case StatusPaused:
		return isPaused(state)
	case StatusResumed, StatusRunning:
		return !isPaused(state)
	case StatusActive:
		return isActive(t)
	case StatusInactive:
		return !isActive(t)
	}

	if states, ok := torrentStateCategories[status]; ok {
		return slices.Contains(states, state)
	}

	return string(state) == status
}

// FilterOptions selects torrents. An empty selection slice means "all"; the
// empty string inside Categories or Tags selects uncategorized or untagged
// torrents.
type FilterOptions struct {
	Status            []string `json:"status"`
	ExcludeStatus     []string `json:"excludeStatus"`
	Categories        []string `json:"categories"`
	ExcludeCategories []string `json:"excludeCategories"`
	Tags              []string `json:"tags"`
	ExcludeTags       []string `json:"excludeTags"`
	Hashes            []string `json:"hashes"`
	Expr              string   `json:"expr"`
}

func matchCategory(t Torrent, selected []string) bool {
	return slices.Contains(selected, t.Category())
}

func matchTags(t Torrent, selected []string) bool {
	tags := t.Tags()
	for _, want := range selected {
		if want == "" {
			if len(tags) == 0 {
				return true
			}
			continue
		}
		if slices.Contains(tags, want) {
			return true
		}
	}
	return false
}

func matchAnyStatus(t Torrent, statuses []string) bool {
	for _, status := range statuses {
		if MatchStatus(t, status) {
			return true
		}
	}
	return false
}

// exprCompiler caches compiled filter expressions.
type exprCompiler struct {
	cache *ttlcache.Cache[string, *vm.Program]
}

func newExprCompiler() *exprCompiler {
	return &exprCompiler{
		cache: ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(5 * time.Minute)),
	}
}

func (c *exprCompiler) compile(input string) (*vm.Program, error) {
	if p, ok := c.cache.Get(input); ok {
		log.Trace().Str("expr", input).Msg("Using cached expression")
		return p, nil
	}

	program, err := expr.Compile(input, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	if ok := c.cache.Set(input, program, 5*time.Minute); !ok {
		log.Warn().Str("expr", input).Msg("Failed to cache expression")
	}
	return program, nil
}

func (c *exprCompiler) close() {
	c.cache.Close()
}

// applyFilters returns the torrents matching opts, keeping input order.
func applyFilters(torrents []Torrent, opts FilterOptions, compiler *exprCompiler) ([]Torrent, error) {
	var program *vm.Program
	if opts.Expr != "" {
		p, err := compiler.compile(opts.Expr)
		if err != nil {
			return nil, err
		}
		program = p
	}

	var hashSet map[string]struct{}
	if len(opts.Hashes) > 0 {
		hashSet = make(map[string]struct{}, len(opts.Hashes))
		for _, h := range opts.Hashes {
			hashSet[strings.ToLower(h)] = struct{}{}
		}
	}

	filtered := make([]Torrent, 0, len(torrents))
	for _, t := range torrents {
		if hashSet != nil {
			if _, ok := hashSet[strings.ToLower(t.Hash())]; !ok {
				continue
			}
		}
		if len(opts.Status) > 0 && !matchAnyStatus(t, opts.Status) {
			continue
		}
		if len(opts.ExcludeStatus) > 0 && matchAnyStatus(t, opts.ExcludeStatus) {
			continue
		}
		if len(opts.Categories) > 0 && !matchCategory(t, opts.Categories) {
			continue
		}
		if len(opts.ExcludeCategories) > 0 && matchCategory(t, opts.ExcludeCategories) {
			continue
		}
		if len(opts.Tags) > 0 && !matchTags(t, opts.Tags) {
			continue
		}
		if len(opts.ExcludeTags) > 0 && matchTags(t, opts.ExcludeTags) {
			continue
		}

		if program != nil {
			result, err := expr.Run(program, map[string]any(t))
			if err != nil {
				log.Debug().Err(err).Str("hash", t.Hash()).Msg("Failed to evaluate expression")
				continue
			}
			if ok, _ := result.(bool); !ok {
				continue
			}
		}

		filtered = append(filtered, t)
	}

	return filtered, nil
}

func normalizeForSearch(text string) string {
	replacers := []string{".", "_", "-", "[", "]", "(", ")", "{", "}"}
	normalized := strings.ToLower(text)
	for _, r := range replacers {
		normalized = strings.ReplaceAll(normalized, r, " ")
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// filterBySearch matches the torrent name filter box. Glob characters switch
// to pattern matching; otherwise substring, normalized, all-words and fuzzy
// matches are tried in turn and results are ranked by the first that hit.
func filterBySearch(torrents []Torrent, search string) []Torrent {
	search = strings.TrimSpace(search)
	if search == "" {
		return torrents
	}

	if strings.ContainsAny(search, "*?[") {
		return filterByGlob(torrents, search)
	}

	type torrentMatch struct {
		torrent Torrent
		score   int
	}

	var matches []torrentMatch
	searchLower := strings.ToLower(search)
	searchNormalized := normalizeForSearch(search)
	searchWords := strings.Fields(searchNormalized)

	for _, t := range torrents {
		name := t.Name()
		category := t.Category()
		tags := t.String("tags")

		if strings.Contains(strings.ToLower(name), searchLower) ||
			strings.Contains(strings.ToLower(category), searchLower) ||
			strings.Contains(strings.ToLower(tags), searchLower) ||
			strings.Contains(strings.ToLower(t.Hash()), searchLower) {
			matches = append(matches, torrentMatch{torrent: t, score: 0})
			continue
		}

		nameNormalized := normalizeForSearch(name)
		categoryNormalized := normalizeForSearch(category)
		tagsNormalized := normalizeForSearch(tags)

		if strings.Contains(nameNormalized, searchNormalized) ||
			strings.Contains(categoryNormalized, searchNormalized) ||
			strings.Contains(tagsNormalized, searchNormalized) {
			matches = append(matches, torrentMatch{torrent: t, score: 1})
			continue
		}

		if len(searchWords) > 1 {
			all := nameNormalized + " " + categoryNormalized + " " + tagsNormalized
			found := true
			for _, word := range searchWords {
				if !strings.Contains(all, word) {
					found = false
					break
				}
			}
			if found {
				matches = append(matches, torrentMatch{torrent: t, score: 2})
				continue
			}
		}

		// fuzzy only against the name, scores under 10 are close enough
		if fuzzy.MatchNormalizedFold(searchNormalized, nameNormalized) {
			if score := fuzzy.RankMatchNormalizedFold(searchNormalized, nameNormalized); score < 10 {
				matches = append(matches, torrentMatch{torrent: t, score: 3 + score})
			}
		}
	}

	slices.SortStableFunc(matches, func(a, b torrentMatch) int { return cmp.Compare(a.score, b.score) })

	filtered := make([]Torrent, len(matches))
	for i, m := range matches {
		filtered[i] = m.torrent
	}

	log.Trace().
		Str("search", search).
		Int("totalTorrents", len(torrents)).
		Int("matchedTorrents", len(filtered)).
		Msg("Search completed")

	return filtered
}

func filterByGlob(torrents []Torrent, pattern string) []Torrent {
	patternLower := strings.ToLower(pattern)
	if _, err := filepath.Match(patternLower, ""); err != nil {
		log.Debug().Str("pattern", pattern).Err(err).Msg("Invalid glob pattern")
		return []Torrent{}
	}

	filtered := make([]Torrent, 0)
	for _, t := range torrents {
		if ok, _ := filepath.Match(patternLower, strings.ToLower(t.Name())); ok {
			filtered = append(filtered, t)
			continue
		}
		if c := t.Category(); c != "" {
			if ok, _ := filepath.Match(patternLower, strings.ToLower(c)); ok {
				filtered = append(filtered, t)
				continue
			}
		}
		for _, tag := range t.Tags() {
			if ok, _ := filepath.Match(patternLower, strings.ToLower(tag)); ok {
				filtered = append(filtered, t)
				break
			}
		}
	}
	return filtered
}

var torrentStateSortOrder = map[qbt.TorrentState]int{
	qbt.TorrentStateDownloading:        20,
	qbt.TorrentStateMetaDl:             21,
	qbt.TorrentStateForcedDl:           22,
	qbt.TorrentStateAllocating:         23,
	qbt.TorrentStateCheckingDl:         24,
	qbt.TorrentStateQueuedDl:           25,
	qbt.TorrentStateStalledDl:          30,
	qbt.TorrentStateUploading:          40,
	qbt.TorrentStateForcedUp:           41,
	qbt.TorrentStateStoppedDl:          42,
	qbt.TorrentStateStoppedUp:          43,
	qbt.TorrentStateQueuedUp:           44,
	qbt.TorrentStateStalledUp:          45,
	qbt.TorrentStatePausedDl:           50,
	qbt.TorrentStatePausedUp:           51,
	qbt.TorrentStateCheckingUp:         60,
	qbt.TorrentStateCheckingResumeData: 61,
	qbt.TorrentStateMoving:             70,
	qbt.TorrentStateError:              80,
	qbt.TorrentStateMissingFiles:       81,
}

func stateSortPriority(state qbt.TorrentState) int {
	if p, ok := torrentStateSortOrder[state]; ok {
		return p
	}
	return 1000
}

const infinityETA = 8640000

// sortTorrents orders torrents in place by a WebUI field name. Ties fall
// back to the hash so paging is stable.
func sortTorrents(torrents []Torrent, field string, desc bool) {
	if field == "" {
		field = "added_on"
	}

	compare := func(a, b Torrent) int {
		switch field {
		case "name":
			return compareFold(a.Name(), b.Name())
		case "state", "status":
			return cmp.Compare(stateSortPriority(a.State()), stateSortPriority(b.State()))
		case "category", "tags", "tracker", "save_path":
			return compareFold(a.String(field), b.String(field))
		}
		av, aok := a[field].(string)
		bv, bok := b[field].(string)
		if aok && bok {
			return compareFold(av, bv)
		}
		return cmp.Compare(a.Float(field), b.Float(field))
	}

	slices.SortStableFunc(torrents, func(a, b Torrent) int {
		switch field {
		case "eta":
			// infinite ETA always sorts last
			aInf, bInf := a.Int("eta") == infinityETA, b.Int("eta") == infinityETA
			if aInf != bInf {
				if aInf {
					return 1
				}
				return -1
			}
		case "priority":
			// queued torrents (priority > 0) before non-queued ones
			ap, bp := a.Int("priority"), b.Int("priority")
			if (ap <= 0) != (bp <= 0) {
				if ap <= 0 {
					return 1
				}
				return -1
			}
		}

		c := compare(a, b)
		if desc {
			c = -c
		}
		if c == 0 {
			c = strings.Compare(a.Hash(), b.Hash())
		}
		return c
	})
}

// TorrentCounts are the numbers shown next to each filter entry.
type TorrentCounts struct {
	Status        map[string]int `json:"status"`
	Categories    map[string]int `json:"categories"`
	Tags          map[string]int `json:"tags"`
	Uncategorized int            `json:"uncategorized"`
	Untagged      int            `json:"untagged"`
	Total         int            `json:"total"`
}

func calculateCounts(torrents []Torrent, categories []CategoryInfo, tags []TagInfo) *TorrentCounts {
	counts := &TorrentCounts{
		Status:     make(map[string]int, len(StatusFilters)),
		Categories: make(map[string]int, len(categories)),
		Tags:       make(map[string]int, len(tags)),
		Total:      len(torrents),
	}

	for _, status := range StatusFilters {
		counts.Status[status] = 0
	}
	for _, c := range categories {
		counts.Categories[c.Name] = c.Count
	}
	for _, t := range tags {
		counts.Tags[t.Name] = t.Count
	}

	for _, t := range torrents {
		for _, status := range StatusFilters {
			if MatchStatus(t, status) {
				counts.Status[status]++
			}
		}
		if t.Category() == "" {
			counts.Uncategorized++
		}
		if len(t.Tags()) == 0 {
			counts.Untagged++
		}
	}

	return counts
}

// TorrentStats summarizes a filtered torrent list.
type TorrentStats struct {
	Total              int   `json:"total"`
	Downloading        int   `json:"downloading"`
	Seeding            int   `json:"seeding"`
	Paused             int   `json:"paused"`
	Error              int   `json:"error"`
	Checking           int   `json:"checking"`
	TotalDownloadSpeed int64 `json:"totalDownloadSpeed"`
	TotalUploadSpeed   int64 `json:"totalUploadSpeed"`
	TotalSize          int64 `json:"totalSize"`
}

func calculateStats(torrents []Torrent) *TorrentStats {
	stats := &TorrentStats{Total: len(torrents)}

	for _, t := range torrents {
		stats.TotalDownloadSpeed += t.Int("dlspeed")
		stats.TotalUploadSpeed += t.Int("upspeed")
		stats.TotalSize += t.Int("size")

		switch state := t.State(); {
		case state == qbt.TorrentStateDownloading || state == qbt.TorrentStateForcedDl:
			stats.Downloading++
		case state == qbt.TorrentStateUploading || state == qbt.TorrentStateForcedUp:
			stats.Seeding++
		case isPaused(state):
			stats.Paused++
		case slices.Contains(torrentStateCategories[StatusErrored], state):
			stats.Error++
		case slices.Contains(torrentStateCategories[StatusChecking], state):
			stats.Checking++
		}
	}

	return stats
}

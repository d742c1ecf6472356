// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
)

var (
	ErrNoTorrentsFound = errors.New("no valid torrents found")
	ErrInvalidView     = errors.New("view must be transfers or search")
	ErrEmptyName       = errors.New("name cannot be empty")
	ErrUnsupported     = errors.New("not supported by this qBittorrent version")
)

const (
	ViewTransfers = "transfers"
	ViewSearch    = "search"

	defaultCommandRate = 10
)

// CacheMetadata describes how fresh the mirrored data is.
type CacheMetadata struct {
	Source      string `json:"source"`      // always "sync"
	Age         int    `json:"age"`         // seconds since the last merged response
	IsStale     bool   `json:"isStale"`     // the last poll failed
	NextRefresh string `json:"nextRefresh"` // ISO 8601
}

type TorrentResponse struct {
	Torrents         []Torrent      `json:"torrents"`
	Total            int            `json:"total"`
	Stats            *TorrentStats  `json:"stats,omitempty"`
	Counts           *TorrentCounts `json:"counts,omitempty"`
	Categories       []CategoryInfo `json:"categories,omitempty"`
	Tags             []TagInfo      `json:"tags,omitempty"`
	ServerState      *TransferInfo  `json:"serverState,omitempty"`
	UseSubcategories bool           `json:"useSubcategories"`
	HasMore          bool           `json:"hasMore"`
	Rid              int64          `json:"rid"`
	CacheMetadata    *CacheMetadata `json:"cacheMetadata,omitempty"`
}

// CategoryList is the sidebar category section: the All and Uncategorized
// pseudo-entries followed by the real categories sorted by name.
type CategoryList struct {
	All           int            `json:"all"`
	Uncategorized int            `json:"uncategorized"`
	Categories    []CategoryInfo `json:"categories"`
}

type TagList struct {
	All      int       `json:"all"`
	Untagged int       `json:"untagged"`
	Tags     []TagInfo `json:"tags"`
}

type SyncStatus struct {
	InstanceID    int       `json:"instanceId"`
	WebAPIVersion string    `json:"webAPIVersion"`
	Healthy       bool      `json:"healthy"`
	TorrentCount  int       `json:"torrentCount"`
	LastUpdate    time.Time `json:"lastUpdate"`
	PollerStatus
}

type SyncManagerOptions struct {
	// Commands per second sent to each instance.
	CommandRate int
}

// SyncManager is the read and command facade over the pooled instances.
// Reads come from the merged session state; commands go through
// go-qbittorrent and then re-arm the instance's poller.
type SyncManager struct {
	clientPool *ClientPool
	exprs      *exprCompiler
	counts     *ttlcache.Cache[string, *TorrentCounts]

	commandRate int
	limitersMu  sync.Mutex
	limiters    map[int]ratelimit.Limiter
}

func NewSyncManager(clientPool *ClientPool, opts SyncManagerOptions) *SyncManager {
	if opts.CommandRate <= 0 {
		opts.CommandRate = defaultCommandRate
	}

	return &SyncManager{
		clientPool:  clientPool,
		exprs:       newExprCompiler(),
		counts:      ttlcache.New(ttlcache.Options[string, *TorrentCounts]{}.SetDefaultTTL(time.Minute)),
		commandRate: opts.CommandRate,
		limiters:    make(map[int]ratelimit.Limiter),
	}
}

func (sm *SyncManager) Close() {
	sm.exprs.close()
	sm.counts.Close()
}

func (sm *SyncManager) getClient(ctx context.Context, instanceID int) (*Client, error) {
	client, err := sm.clientPool.GetClient(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// throttle blocks until the instance's command limiter admits another call.
func (sm *SyncManager) throttle(instanceID int) {
	sm.limitersMu.Lock()
	limiter, ok := sm.limiters[instanceID]
	if !ok {
		limiter = ratelimit.New(sm.commandRate, ratelimit.WithoutSlack)
		sm.limiters[instanceID] = limiter
	}
	sm.limitersMu.Unlock()

	limiter.Take()
}

// syncAfterModification asks the poller for an update-now poll so the
// command's effect shows up without waiting for the regular interval.
func (sm *SyncManager) syncAfterModification(instanceID int, client *Client, operation string) {
	if client == nil {
		return
	}
	log.Trace().Int("instanceID", instanceID).Str("operation", operation).Msg("Triggering sync after modification")
	client.Poller().TriggerNow()
}

// GetTorrentsWithFilters filters, searches, sorts and pages the mirrored
// torrents. Counts cover the whole instance, not the filtered page.
func (sm *SyncManager) GetTorrentsWithFilters(ctx context.Context, instanceID int, limit, offset int, sort, order, search string, filters FilterOptions) (*TorrentResponse, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	view := client.Session().View()
	all := view.Torrents
	categories := view.Categories
	tags := view.Tags
	serverState := view.ServerState

	useSubcategories := client.SupportsSubcategories()
	if v, ok := serverState.lookupBool("use_subcategories"); ok {
		useSubcategories = useSubcategories && v
	}
	if useSubcategories && len(filters.Categories) > 0 {
		filters.Categories = expandCategories(filters.Categories, categories)
	}

	filtered, err := applyFilters(all, filters, sm.exprs)
	if err != nil {
		return nil, err
	}

	search = strings.TrimSpace(search)
	if search != "" {
		filtered = filterBySearch(filtered, search)
	}

	if sort == "" {
		sort = "added_on"
	}
	sortTorrents(filtered, sort, !strings.EqualFold(order, "asc"))

	total := len(filtered)
	stats := calculateStats(filtered)

	if offset < 0 {
		offset = 0
	}
	page := filtered
	hasMore := false
	if offset >= total {
		page = []Torrent{}
	} else if limit > 0 {
		end := min(offset+limit, total)
		page = filtered[offset:end]
		hasMore = end < total
	} else {
		page = filtered[offset:]
	}

	transfer := serverState.TransferInfo()
	status := client.Poller().Status()

	metadata := &CacheMetadata{
		Source:  "sync",
		IsStale: !status.Reachable,
	}
	if !view.LastUpdate.IsZero() {
		metadata.Age = int(time.Since(view.LastUpdate).Seconds())
	}
	if !status.LastPoll.IsZero() {
		metadata.NextRefresh = status.LastPoll.Add(time.Duration(status.IntervalMs) * time.Millisecond).Format(time.RFC3339)
	}

	return &TorrentResponse{
		Torrents:         page,
		Total:            total,
		Stats:            stats,
		Counts:           sm.countsFor(instanceID, view.Rid, all, categories, tags),
		Categories:       categories,
		Tags:             tags,
		ServerState:      &transfer,
		UseSubcategories: useSubcategories,
		HasMore:          hasMore,
		Rid:              view.Rid,
		CacheMetadata:    metadata,
	}, nil
}

// countsFor caches counts per rid; a new rid means new data, so stale
// entries are never served.
func (sm *SyncManager) countsFor(instanceID int, rid int64, torrents []Torrent, categories []CategoryInfo, tags []TagInfo) *TorrentCounts {
	key := fmt.Sprintf("%d:%d", instanceID, rid)
	if rid > 0 {
		if counts, ok := sm.counts.Get(key); ok {
			return counts
		}
	}

	counts := calculateCounts(torrents, categories, tags)
	if rid > 0 {
		sm.counts.Set(key, counts, ttlcache.DefaultTTL)
	}
	return counts
}

func (sm *SyncManager) GetTorrentCounts(ctx context.Context, instanceID int) (*TorrentCounts, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	view := client.Session().View()
	return sm.countsFor(instanceID, view.Rid, view.Torrents, view.Categories, view.Tags), nil
}

func (sm *SyncManager) GetCategories(ctx context.Context, instanceID int) (*CategoryList, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	view := client.Session().View()

	list := &CategoryList{Categories: view.Categories}
	for _, t := range view.Torrents {
		list.All++
		if t.Category() == "" {
			list.Uncategorized++
		}
	}
	return list, nil
}

func (sm *SyncManager) GetTags(ctx context.Context, instanceID int) (*TagList, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	view := client.Session().View()

	list := &TagList{Tags: view.Tags}
	for _, t := range view.Torrents {
		list.All++
		if len(t.Tags()) == 0 {
			list.Untagged++
		}
	}
	return list, nil
}

// GetServerState returns the merged server state and its formatted transfer
// info.
func (sm *SyncManager) GetServerState(ctx context.Context, instanceID int) (ServerState, *TransferInfo, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	state := client.Session().ServerState()
	info := state.TransferInfo()
	return state, &info, nil
}

func (sm *SyncManager) GetSyncStatus(ctx context.Context, instanceID int) (*SyncStatus, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		InstanceID:    instanceID,
		WebAPIVersion: client.GetWebAPIVersion(),
		Healthy:       client.IsHealthy(),
		TorrentCount:  client.Session().TorrentCount(),
		LastUpdate:    client.Session().LastUpdate(),
		PollerStatus:  client.Poller().Status(),
	}, nil
}

func (sm *SyncManager) GetSnapshot(ctx context.Context, instanceID int) (*Snapshot, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	snap := client.Session().Snapshot()
	return &snap, nil
}

// SyncNow re-arms the instance's poll with the update-now delay.
func (sm *SyncManager) SyncNow(ctx context.Context, instanceID int) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}
	client.Poller().TriggerNow()
	return nil
}

// SetView switches the polling cadence. The search view polls at the custom
// interval (interval <= 0 uses the configured default); the transfers view
// returns to the server interval and polls right away.
func (sm *SyncManager) SetView(ctx context.Context, instanceID int, view string, interval time.Duration) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	switch view {
	case ViewSearch:
		client.Poller().SetIntervalOverride(interval)
	case ViewTransfers:
		client.Poller().ClearIntervalOverride()
	default:
		return ErrInvalidView
	}

	log.Debug().Int("instanceID", instanceID).Str("view", view).Dur("interval", client.Poller().Interval()).Msg("Switched sync view")
	return nil
}

// Subscribe streams poll results for one instance until unsubscribe is
// called.
func (sm *SyncManager) Subscribe(ctx context.Context, instanceID int, buffer int) (<-chan PollResult, func(), error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := client.Poller().Subscribe(buffer)
	return ch, unsubscribe, nil
}

// validateTorrentsExist checks the hashes against the mirror.
func (sm *SyncManager) validateTorrentsExist(client *Client, hashes []string, operation string) error {
	if len(hashes) == 0 {
		return fmt.Errorf("%w to %s: no hashes given", ErrNoTorrentsFound, operation)
	}
	for _, hash := range hashes {
		if _, ok := client.Session().Torrent(hash); ok {
			return nil
		}
	}
	return fmt.Errorf("%w to %s", ErrNoTorrentsFound, operation)
}

func (sm *SyncManager) CreateCategory(ctx context.Context, instanceID int, name string, path string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.CreateCategoryCtx(ctx, name, path); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "create_category")
	return nil
}

func (sm *SyncManager) EditCategory(ctx context.Context, instanceID int, name string, path string) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	if !client.SupportsEditCategory() {
		return fmt.Errorf("%w: editing categories requires WebAPI %s or newer", ErrUnsupported, editCategoryMinVersion)
	}

	sm.throttle(instanceID)
	if err := client.EditCategoryCtx(ctx, name, path); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "edit_category")
	return nil
}

func (sm *SyncManager) RemoveCategories(ctx context.Context, instanceID int, categories []string) error {
	if len(categories) == 0 {
		return nil
	}

	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.RemoveCategoriesCtx(ctx, categories); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "remove_categories")
	return nil
}

func (sm *SyncManager) CreateTags(ctx context.Context, instanceID int, tags []string) error {
	tags = cleanNames(tags)
	if len(tags) == 0 {
		return ErrEmptyName
	}

	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.CreateTagsCtx(ctx, tags); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "create_tags")
	return nil
}

func (sm *SyncManager) DeleteTags(ctx context.Context, instanceID int, tags []string) error {
	tags = cleanNames(tags)
	if len(tags) == 0 {
		return nil
	}

	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.DeleteTagsCtx(ctx, tags); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "delete_tags")
	return nil
}

// SetCategory moves torrents into category; the empty category removes it.
func (sm *SyncManager) SetCategory(ctx context.Context, instanceID int, hashes []string, category string) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := sm.validateTorrentsExist(client, hashes, "set category"); err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.SetCategoryCtx(ctx, hashes, category); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "set_category")
	return nil
}

func (sm *SyncManager) AddTags(ctx context.Context, instanceID int, hashes []string, tags string) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := sm.validateTorrentsExist(client, hashes, "add tags"); err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.AddTagsCtx(ctx, hashes, tags); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "add_tags")
	return nil
}

func (sm *SyncManager) RemoveTags(ctx context.Context, instanceID int, hashes []string, tags string) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := sm.validateTorrentsExist(client, hashes, "remove tags"); err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.RemoveTagsCtx(ctx, hashes, tags); err != nil {
		return err
	}

	sm.syncAfterModification(instanceID, client, "remove_tags")
	return nil
}

// SetTags replaces the tags of the given torrents. Older WebAPI versions
// lack setTags, so the mirrored tags are removed and the new ones added.
func (sm *SyncManager) SetTags(ctx context.Context, instanceID int, hashes []string, tags string) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := sm.validateTorrentsExist(client, hashes, "set tags"); err != nil {
		return err
	}

	sm.throttle(instanceID)
	if client.SupportsSetTags() {
		if err := client.Client.SetTags(ctx, hashes, tags); err != nil {
			return err
		}
	} else {
		existing := existingTags(client.Session(), hashes)
		log.Debug().
			Str("webAPIVersion", client.GetWebAPIVersion()).
			Strs("removedTags", existing).
			Msg("SetTags: qBittorrent version < 2.11.4, using fallback RemoveTags + AddTags")

		if len(existing) > 0 {
			if err := client.RemoveTagsCtx(ctx, hashes, strings.Join(existing, ",")); err != nil {
				return fmt.Errorf("failed to remove existing tags during fallback: %w", err)
			}
		}
		if tags != "" {
			if err := client.AddTagsCtx(ctx, hashes, tags); err != nil {
				return fmt.Errorf("failed to add new tags during fallback: %w", err)
			}
		}
	}

	sm.syncAfterModification(instanceID, client, "set_tags")
	return nil
}

// GetAlternativeSpeedLimitsMode reads the mirrored server state.
func (sm *SyncManager) GetAlternativeSpeedLimitsMode(ctx context.Context, instanceID int) (bool, error) {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return client.Session().ServerState().AltSpeedLimitsEnabled(), nil
}

func (sm *SyncManager) ToggleAlternativeSpeedLimits(ctx context.Context, instanceID int) error {
	client, err := sm.getClient(ctx, instanceID)
	if err != nil {
		return err
	}

	sm.throttle(instanceID)
	if err := client.Transport().ToggleSpeedLimitsMode(ctx); err != nil {
		return fmt.Errorf("failed to toggle alternative speed limits: %w", err)
	}

	sm.syncAfterModification(instanceID, client, "toggle_alternative_speed_limits")
	return nil
}

func existingTags(session *SessionState, hashes []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, hash := range hashes {
		t, ok := session.Torrent(hash)
		if !ok {
			continue
		}
		for _, tag := range t.Tags() {
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return out
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// expandCategories adds every subcategory ("parent/child") of the selected
// categories.
func expandCategories(selected []string, categories []CategoryInfo) []string {
	out := slices.Clone(selected)
	for _, parent := range selected {
		if parent == "" {
			continue
		}
		prefix := parent + "/"
		for _, c := range categories {
			if strings.HasPrefix(c.Name, prefix) && !slices.Contains(out, c.Name) {
				out = append(out, c.Name)
			}
		}
	}
	return out
}

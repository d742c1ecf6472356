// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	setTagsMinVersion       = semver.MustParse("2.11.4")
	editCategoryMinVersion  = semver.MustParse("2.1.0")
	tagManagementMinVersion = semver.MustParse("2.3.0")
	subcategoriesMinVersion = semver.MustParse("2.9.0")
)

// Client bundles everything kept per instance: the go-qbittorrent client used
// for commands, the raw maindata transport, the merged session state and the
// poller that keeps it fresh.
type Client struct {
	*qbt.Client
	instanceID int
	host       string
	transport  *Transport
	session    *SessionState
	poller     *Poller

	webAPIVersion         string
	supportsSetTags       bool
	supportsEditCategory  bool
	supportsTagManagement bool
	supportsSubcategories bool

	lastHealthCheck time.Time
	isHealthy       bool

	mu       sync.RWMutex
	healthMu sync.RWMutex
}

type ClientOptions struct {
	BasicUsername *string
	BasicPassword *string
	TLSSkipVerify bool
	Timeout       time.Duration
	Poller        PollerOptions
}

func NewClient(instanceID int, instanceHost, username, password string, opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	cfg := qbt.Config{
		Host:          instanceHost,
		Username:      username,
		Password:      password,
		Timeout:       int(opts.Timeout.Seconds()),
		TLSSkipVerify: opts.TLSSkipVerify,
	}

	transportCfg := TransportConfig{
		Host:          instanceHost,
		Username:      username,
		Password:      password,
		TLSSkipVerify: opts.TLSSkipVerify,
		Timeout:       opts.Timeout,
	}

	if opts.BasicUsername != nil && *opts.BasicUsername != "" {
		cfg.BasicUser = *opts.BasicUsername
		transportCfg.BasicUser = *opts.BasicUsername
		if opts.BasicPassword != nil {
			cfg.BasicPass = *opts.BasicPassword
			transportCfg.BasicPass = *opts.BasicPassword
		}
	}

	transport, err := NewTransport(transportCfg)
	if err != nil {
		return nil, err
	}

	qbtClient := qbt.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := qbtClient.LoginCtx(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", classifyLoginError(err))
	}

	client := &Client{
		Client:          qbtClient,
		instanceID:      instanceID,
		host:            instanceHost,
		transport:       transport,
		session:         NewSessionState(),
		lastHealthCheck: time.Now(),
		isHealthy:       true,
	}

	pollOpts := opts.Poller
	onResult := pollOpts.OnResult
	pollOpts.OnResult = func(result PollResult) {
		client.updateHealthStatus(result.Err == nil)
		if onResult != nil {
			onResult(result)
		}
	}
	client.poller = NewPoller(instanceID, transport, client.session, pollOpts)

	if err := client.RefreshCapabilities(ctx); err != nil {
		log.Warn().
			Err(err).
			Int("instanceID", instanceID).
			Str("host", instanceHost).
			Msg("Failed to refresh qBittorrent capabilities during client creation")
		client.updateHealthStatus(false)
	}

	log.Debug().
		Int("instanceID", instanceID).
		Str("host", instanceHost).
		Str("webAPIVersion", client.GetWebAPIVersion()).
		Bool("supportsSetTags", client.SupportsSetTags()).
		Bool("supportsSubcategories", client.SupportsSubcategories()).
		Bool("tlsSkipVerify", opts.TLSSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

// classifyLoginError maps go-qbittorrent login failures onto the transport's
// sentinels so the pool can tell bans from bad credentials.
func classifyLoginError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIPBanned) || errors.Is(err, ErrLoginFailed) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "banned") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %v", ErrIPBanned, err)
	case strings.Contains(msg, "bad credentials") || strings.Contains(msg, "fails."):
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	return err
}

func (c *Client) GetInstanceID() int {
	return c.instanceID
}

func (c *Client) Host() string {
	return c.host
}

func (c *Client) Session() *SessionState {
	return c.session
}

func (c *Client) Poller() *Poller {
	return c.poller
}

func (c *Client) Transport() *Transport {
	return c.transport
}

// StartPolling begins the maindata loop from a fresh cursor.
func (c *Client) StartPolling(ctx context.Context) {
	c.poller.Start(ctx)
}

func (c *Client) StopPolling() {
	c.poller.Stop()
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) GetLastSyncUpdate() time.Time {
	return c.session.LastUpdate()
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

// RefreshCapabilities fetches the latest WebAPI version information and recalculates feature support flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("web API version is empty")
	}

	c.mu.Lock()
	previousVersion := c.webAPIVersion
	c.applyCapabilitiesLocked(version)
	c.mu.Unlock()

	if previousVersion != version {
		log.Trace().
			Int("instanceID", c.instanceID).
			Str("previousWebAPIVersion", previousVersion).
			Str("webAPIVersion", version).
			Msg("Refreshed qBittorrent capabilities")
	}

	return nil
}

func (c *Client) applyCapabilitiesLocked(version string) {
	c.webAPIVersion = version

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().
			Int("instanceID", c.instanceID).
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; leaving capability flags unchanged")
		return
	}

	c.supportsSetTags = !v.LessThan(setTagsMinVersion)
	c.supportsEditCategory = !v.LessThan(editCategoryMinVersion)
	c.supportsTagManagement = !v.LessThan(tagManagementMinVersion)
	c.supportsSubcategories = !v.LessThan(subcategoriesMinVersion)
}

// HealthCheck is skipped while the client was healthy recently; a poll
// success counts as a health check.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.GetLastHealthCheck()) {
		return nil
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}

func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsSetTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSetTags
}

func (c *Client) SupportsEditCategory() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsEditCategory
}

func (c *Client) SupportsTagManagement() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsTagManagement
}

func (c *Client) SupportsSubcategories() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSubcategories
}

// GetCachedServerState returns the merged server state, nil before the first
// successful poll.
func (c *Client) GetCachedServerState() ServerState {
	state := c.session.ServerState()
	if len(state) == 0 {
		return nil
	}
	return state
}

func (c *Client) GetCachedConnectionStatus() string {
	state := c.GetCachedServerState()
	if state == nil {
		return ""
	}
	return string(state.ConnectionStatus())
}

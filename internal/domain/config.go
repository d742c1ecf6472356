// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Version string `toml:"-" mapstructure:"-"`

	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	SessionSecret string `toml:"sessionSecret" mapstructure:"sessionSecret"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	DataDir         string `toml:"dataDir" mapstructure:"dataDir"`
	CheckForUpdates bool   `toml:"checkForUpdates" mapstructure:"checkForUpdates"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	// Sync loop tuning, in milliseconds.
	SyncFailureRetryMs   int `toml:"syncFailureRetryMs" mapstructure:"syncFailureRetryMs"`
	SyncCustomIntervalMs int `toml:"syncCustomIntervalMs" mapstructure:"syncCustomIntervalMs"`

	// Maximum qBittorrent commands per second per instance.
	CommandRateLimit int `toml:"commandRateLimit" mapstructure:"commandRateLimit"`

	EventsEnabled bool     `toml:"eventsEnabled" mapstructure:"eventsEnabled"`
	EventsBrokers []string `toml:"eventsBrokers" mapstructure:"eventsBrokers"`
	EventsTopic   string   `toml:"eventsTopic" mapstructure:"eventsTopic"`
}

// FailureRetry is the delay before re-polling after a failed poll.
func (c *Config) FailureRetry() time.Duration {
	if c.SyncFailureRetryMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.SyncFailureRetryMs) * time.Millisecond
}

// CustomInterval is the poll interval used by the search view.
func (c *Config) CustomInterval() time.Duration {
	if c.SyncCustomIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SyncCustomIntervalMs) * time.Millisecond
}

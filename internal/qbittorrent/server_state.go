// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultRefreshInterval = 1500 * time.Millisecond
	MinRefreshInterval     = 500 * time.Millisecond
)

type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionFirewalled   ConnectionStatus = "firewalled"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// ServerState is the merged server_state object.
type ServerState map[string]any

// Number reads a numeric field, 0 when absent.
func (s ServerState) Number(key string) float64 {
	return Torrent(s).Float(key)
}

func (s ServerState) lookupBool(key string) (bool, bool) {
	v, ok := s[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// RefreshInterval follows the server's refresh_interval with a floor of
// MinRefreshInterval. DefaultRefreshInterval applies until the server has
// reported one.
func (s ServerState) RefreshInterval() time.Duration {
	if _, ok := s["refresh_interval"]; !ok {
		return DefaultRefreshInterval
	}
	d := time.Duration(s.Number("refresh_interval")) * time.Millisecond
	return max(d, MinRefreshInterval)
}

func (s ServerState) ConnectionStatus() ConnectionStatus {
	switch ConnectionStatus(Torrent(s).String("connection_status")) {
	case ConnectionConnected:
		return ConnectionConnected
	case ConnectionFirewalled:
		return ConnectionFirewalled
	default:
		return ConnectionDisconnected
	}
}

func (s ServerState) AltSpeedLimitsEnabled() bool {
	v, _ := s.lookupBool("use_alt_speed_limits")
	return v
}

func (s ServerState) QueueingEnabled() bool {
	v, _ := s.lookupBool("queueing")
	return v
}

// TransferInfo is the status bar summary of a server state.
type TransferInfo struct {
	Download         string           `json:"download"`
	Upload           string           `json:"upload"`
	FreeSpace        string           `json:"freeSpace"`
	DHTNodes         int64            `json:"dhtNodes"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	AltSpeedLimits   bool             `json:"altSpeedLimits"`
	Queueing         bool             `json:"queueing"`
	RefreshInterval  int64            `json:"refreshIntervalMs"`

	AlltimeDownload    string `json:"alltimeDownload"`
	AlltimeUpload      string `json:"alltimeUpload"`
	TotalWasted        string `json:"totalWastedSession"`
	GlobalRatio        string `json:"globalRatio"`
	TotalPeers         int64  `json:"totalPeerConnections"`
	QueuedIOJobs       int64  `json:"queuedIoJobs"`
	AverageTimeInQueue string `json:"averageTimeInQueue"`
}

func (s ServerState) TransferInfo() TransferInfo {
	return TransferInfo{
		Download:           s.transferLine("dl_info_speed", "dl_rate_limit", "dl_info_data"),
		Upload:             s.transferLine("up_info_speed", "up_rate_limit", "up_info_data"),
		FreeSpace:          formatSize(s.Number("free_space_on_disk")),
		DHTNodes:           int64(s.Number("dht_nodes")),
		ConnectionStatus:   s.ConnectionStatus(),
		AltSpeedLimits:     s.AltSpeedLimitsEnabled(),
		Queueing:           s.QueueingEnabled(),
		RefreshInterval:    s.RefreshInterval().Milliseconds(),
		AlltimeDownload:    formatSize(s.Number("alltime_dl")),
		AlltimeUpload:      formatSize(s.Number("alltime_ul")),
		TotalWasted:        formatSize(s.Number("total_wasted_session")),
		GlobalRatio:        Torrent(s).String("global_ratio"),
		TotalPeers:         int64(s.Number("total_peer_connections")),
		QueuedIOJobs:       int64(s.Number("queued_io_jobs")),
		AverageTimeInQueue: strconv.FormatInt(int64(s.Number("average_time_queue")), 10) + " ms",
	}
}

// transferLine renders "speed [limit] (session data)"; the limit is shown
// only when one is set.
func (s ServerState) transferLine(speedKey, limitKey, dataKey string) string {
	line := formatSpeed(s.Number(speedKey))
	if limit := s.Number(limitKey); limit > 0 {
		line += " [" + formatSpeed(limit) + "]"
	}
	return fmt.Sprintf("%s (%s)", line, formatSize(s.Number(dataKey)))
}

func formatSize(v float64) string {
	if v < 0 {
		return "Unknown"
	}
	return humanize.IBytes(uint64(v))
}

func formatSpeed(v float64) string {
	return formatSize(v) + "/s"
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

const collectTimeout = 5 * time.Second

// TorrentCollector reports the mirrored state of every pooled instance at
// scrape time. It never talks to qBittorrent itself.
type TorrentCollector struct {
	syncManager *qbittorrent.SyncManager
	clientPool  *qbittorrent.ClientPool

	torrentsDesc      *prometheus.Desc
	torrentsByStatus  *prometheus.Desc
	downloadSpeedDesc *prometheus.Desc
	uploadSpeedDesc   *prometheus.Desc
	connectedDesc     *prometheus.Desc
	reachableDesc     *prometheus.Desc
	ridDesc           *prometheus.Desc
	lastUpdateDesc    *prometheus.Desc
}

func NewTorrentCollector(syncManager *qbittorrent.SyncManager, clientPool *qbittorrent.ClientPool) *TorrentCollector {
	labels := []string{"instance_id"}
	return &TorrentCollector{
		syncManager: syncManager,
		clientPool:  clientPool,
		torrentsDesc: prometheus.NewDesc(
			"qsync_torrents",
			"Number of torrents in the mirrored session",
			labels, nil,
		),
		torrentsByStatus: prometheus.NewDesc(
			"qsync_torrents_by_status",
			"Number of torrents matching each status filter",
			[]string{"instance_id", "status"}, nil,
		),
		downloadSpeedDesc: prometheus.NewDesc(
			"qsync_download_speed_bytes",
			"Global download speed reported by qBittorrent",
			labels, nil,
		),
		uploadSpeedDesc: prometheus.NewDesc(
			"qsync_upload_speed_bytes",
			"Global upload speed reported by qBittorrent",
			labels, nil,
		),
		connectedDesc: prometheus.NewDesc(
			"qsync_connection_connected",
			"1 when qBittorrent reports a connected (not firewalled) network",
			labels, nil,
		),
		reachableDesc: prometheus.NewDesc(
			"qsync_instance_reachable",
			"1 when the last maindata poll succeeded",
			labels, nil,
		),
		ridDesc: prometheus.NewDesc(
			"qsync_sync_rid",
			"Current maindata response id",
			labels, nil,
		),
		lastUpdateDesc: prometheus.NewDesc(
			"qsync_sync_last_update_timestamp_seconds",
			"Unix time of the last merged maindata response",
			labels, nil,
		),
	}
}

func (c *TorrentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.torrentsDesc
	ch <- c.torrentsByStatus
	ch <- c.downloadSpeedDesc
	ch <- c.uploadSpeedDesc
	ch <- c.connectedDesc
	ch <- c.reachableDesc
	ch <- c.ridDesc
	ch <- c.lastUpdateDesc
}

func (c *TorrentCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	for _, client := range c.clientPool.Clients() {
		instanceID := strconv.Itoa(client.GetInstanceID())
		session := client.Session()
		state := session.ServerState()
		status := client.Poller().Status()

		ch <- prometheus.MustNewConstMetric(c.torrentsDesc, prometheus.GaugeValue, float64(session.TorrentCount()), instanceID)
		ch <- prometheus.MustNewConstMetric(c.downloadSpeedDesc, prometheus.GaugeValue, state.Number("dl_info_speed"), instanceID)
		ch <- prometheus.MustNewConstMetric(c.uploadSpeedDesc, prometheus.GaugeValue, state.Number("up_info_speed"), instanceID)
		ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, boolValue(state.ConnectionStatus() == qbittorrent.ConnectionConnected), instanceID)
		ch <- prometheus.MustNewConstMetric(c.reachableDesc, prometheus.GaugeValue, boolValue(status.Reachable), instanceID)
		ch <- prometheus.MustNewConstMetric(c.ridDesc, prometheus.GaugeValue, float64(session.Rid()), instanceID)

		if last := session.LastUpdate(); !last.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastUpdateDesc, prometheus.GaugeValue, float64(last.Unix()), instanceID)
		}

		counts, err := c.syncManager.GetTorrentCounts(ctx, client.GetInstanceID())
		if err != nil {
			log.Debug().Err(err).Str("instanceID", instanceID).Msg("Skipping status counts for metrics")
			continue
		}
		for statusName, n := range counts.Status {
			ch <- prometheus.MustNewConstMetric(c.torrentsByStatus, prometheus.GaugeValue, float64(n), instanceID, statusName)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

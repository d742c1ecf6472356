// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

// MetricsManager owns the registry served on the metrics port.
type MetricsManager struct {
	registry *prometheus.Registry
	polls    *PollMetrics
}

func NewMetricsManager(syncManager *qbittorrent.SyncManager, clientPool *qbittorrent.ClientPool) *MetricsManager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewTorrentCollector(syncManager, clientPool),
	)

	m := &MetricsManager{
		registry: registry,
		polls:    NewPollMetrics(registry),
	}

	clientPool.AddPollListener(m.polls.Observe)
	return m
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

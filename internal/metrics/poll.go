// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

// PollMetrics counts polls as they happen; it is registered as a pool poll
// listener.
type PollMetrics struct {
	polls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	renders   *prometheus.CounterVec
	fullSyncs *prometheus.CounterVec
}

func NewPollMetrics(reg prometheus.Registerer) *PollMetrics {
	m := &PollMetrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsync_polls_total",
			Help: "Total maindata polls by result",
		}, []string{"instance_id", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qsync_poll_duration_seconds",
			Help:    "Time spent fetching and merging maindata",
			Buckets: prometheus.DefBuckets,
		}, []string{"instance_id"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsync_render_sections_total",
			Help: "Sections that needed re-rendering after a merge",
		}, []string{"instance_id", "section"}),
		fullSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsync_full_updates_total",
			Help: "Maindata responses that replaced the whole session",
		}, []string{"instance_id"}),
	}

	reg.MustRegister(m.polls, m.duration, m.renders, m.fullSyncs)
	return m
}

func (m *PollMetrics) Observe(result qbittorrent.PollResult) {
	instanceID := strconv.Itoa(result.InstanceID)

	if result.Err != nil {
		m.polls.WithLabelValues(instanceID, "error").Inc()
		return
	}

	m.polls.WithLabelValues(instanceID, "success").Inc()
	m.duration.WithLabelValues(instanceID).Observe(result.Duration.Seconds())

	flags := result.Flags
	if flags.FullUpdate {
		m.fullSyncs.WithLabelValues(instanceID).Inc()
	}
	for section, touched := range map[string]bool{
		"torrents":    flags.Torrents,
		"filters":     flags.Filters,
		"categories":  flags.Categories,
		"tags":        flags.Tags,
		"serverState": flags.ServerState,
	} {
		if touched {
			m.renders.WithLabelValues(instanceID, section).Inc()
		}
	}
}

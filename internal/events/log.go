// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes events to a zerolog logger. The watch command uses it.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, events ...Event) error {
	for _, ev := range events {
		if ev.Error != "" {
			p.logger.Warn().
				Int("instanceID", ev.InstanceID).
				Int64("rid", ev.Rid).
				Str("error", ev.Error).
				Msg("Poll failed")
			continue
		}

		p.logger.Info().
			Int("instanceID", ev.InstanceID).
			Int64("rid", ev.Rid).
			Bool("fullUpdate", ev.Flags.FullUpdate).
			Bool("torrents", ev.Flags.Torrents).
			Bool("filters", ev.Flags.Filters).
			Bool("categories", ev.Flags.Categories).
			Bool("tags", ev.Flags.Tags).
			Bool("serverState", ev.Flags.ServerState).
			Int64("durationMs", ev.DurationMs).
			Msg("Render")
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

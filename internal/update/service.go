// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	checkInterval = 2 * time.Hour
	checkTimeout  = 30 * time.Second
)

type checkFunc func(ctx context.Context, repository, version string) (*ReleaseInfo, error)

// Service checks for new releases in the background while enabled.
type Service struct {
	log        zerolog.Logger
	repository string
	version    string
	check      checkFunc
	interval   time.Duration

	mu          sync.RWMutex
	enabled     bool
	latest      *ReleaseInfo
	lastChecked time.Time

	wake chan struct{}
}

func NewService(logger zerolog.Logger, enabled bool, version string) *Service {
	return &Service{
		log:        logger.With().Str("module", "update").Logger(),
		repository: DefaultRepository,
		version:    version,
		check:      checkLatest,
		interval:   checkInterval,
		enabled:    enabled,
		wake:       make(chan struct{}, 1),
	}
}

// Start runs the check loop until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if isDevVersion(s.version) {
		s.log.Debug().Str("version", s.version).Msg("Skipping update checks for development build")
		return
	}

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.CheckUpdates(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckUpdates(ctx)
			case <-s.wake:
				s.CheckUpdates(ctx)
			}
		}
	}()
}

func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	changed := s.enabled != enabled
	s.enabled = enabled
	if !enabled {
		s.latest = nil
	}
	s.mu.Unlock()

	if changed && enabled {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Service) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *Service) CheckUpdates(ctx context.Context) {
	if !s.IsEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	release, err := s.check(ctx, s.repository, s.version)
	if err != nil {
		s.log.Debug().Err(err).Msg("Failed to check for updates")
		return
	}

	s.mu.Lock()
	s.latest = release
	s.lastChecked = time.Now()
	s.mu.Unlock()

	if release != nil {
		s.log.Info().Str("current", s.version).Str("latest", release.TagName).Msg("A new release is available")
	}
}

// GetLatestRelease returns the newer release, nil when up to date or
// disabled.
func (s *Service) GetLatestRelease() *ReleaseInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil
	}
	return s.latest
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package update checks GitHub releases and replaces the running binary.
package update

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/rs/zerolog/log"
)

const DefaultRepository = "autobrr/qsync"

type Config struct {
	Repository string
	Version    string
}

// ReleaseInfo describes a release newer than the running version.
type ReleaseInfo struct {
	TagName     string    `json:"tagName"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"htmlUrl"`
	Body        string    `json:"body,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

type Updater struct {
	config Config
}

func NewUpdater(config Config) *Updater {
	if config.Repository == "" {
		config.Repository = DefaultRepository
	}
	return &Updater{config: config}
}

// Run replaces the running executable with the latest release.
func (u *Updater) Run(ctx context.Context) error {
	if isDevVersion(u.config.Version) {
		return fmt.Errorf("refusing to self-update a development build (%s)", u.config.Version)
	}

	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(u.config.Repository))
	if err != nil {
		return fmt.Errorf("error occurred while detecting version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest version for %s could not be found", u.config.Repository)
	}

	if latest.LessOrEqual(u.config.Version) {
		log.Info().Str("version", u.config.Version).Msg("Current binary is the latest version")
		return nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("could not locate executable path: %w", err)
	}

	if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
		return fmt.Errorf("error occurred while updating binary: %w", err)
	}

	log.Info().Str("version", latest.Version()).Msg("Successfully updated to version")
	return nil
}

// checkLatest reports the latest release when it is newer than version.
func checkLatest(ctx context.Context, repository, version string) (*ReleaseInfo, error) {
	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(repository))
	if err != nil {
		return nil, err
	}
	if !found || latest.LessOrEqual(version) {
		return nil, nil
	}

	return &ReleaseInfo{
		TagName:     "v" + latest.Version(),
		Name:        latest.Name,
		HTMLURL:     latest.URL,
		Body:        latest.ReleaseNotes,
		PublishedAt: latest.PublishedAt,
	}, nil
}

func isDevVersion(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

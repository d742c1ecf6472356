// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CheckUpdates(t *testing.T) {
	release := &ReleaseInfo{TagName: "v1.3.0"}

	tests := []struct {
		name    string
		enabled bool
		result  *ReleaseInfo
		err     error
		want    *ReleaseInfo
	}{
		{name: "newer release", enabled: true, result: release, want: release},
		{name: "up to date", enabled: true},
		{name: "check fails", enabled: true, err: errors.New("rate limited")},
		{name: "disabled", enabled: false, result: release},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			s := NewService(zerolog.Nop(), tt.enabled, "1.2.0")
			s.check = func(_ context.Context, repository, version string) (*ReleaseInfo, error) {
				calls++
				assert.Equal(t, DefaultRepository, repository)
				assert.Equal(t, "1.2.0", version)
				return tt.result, tt.err
			}

			s.CheckUpdates(context.Background())
			assert.Equal(t, tt.want, s.GetLatestRelease())
			if !tt.enabled {
				assert.Zero(t, calls)
			}
		})
	}
}

func TestService_DisableClearsRelease(t *testing.T) {
	s := NewService(zerolog.Nop(), true, "1.2.0")
	s.check = func(context.Context, string, string) (*ReleaseInfo, error) {
		return &ReleaseInfo{TagName: "v2.0.0"}, nil
	}

	s.CheckUpdates(context.Background())
	require.NotNil(t, s.GetLatestRelease())

	s.SetEnabled(false)
	assert.Nil(t, s.GetLatestRelease())
	assert.False(t, s.IsEnabled())

	s.SetEnabled(true)
	assert.True(t, s.IsEnabled())
	assert.Len(t, s.wake, 1)
}

func TestUpdater_RefusesDevBuild(t *testing.T) {
	err := NewUpdater(Config{Version: "dev"}).Run(context.Background())
	assert.ErrorContains(t, err, "development build")
}

func TestIsDevVersion(t *testing.T) {
	assert.True(t, isDevVersion(""))
	assert.True(t, isDevVersion(" dev "))
	assert.True(t, isDevVersion("0.4.0-dev"))
	assert.False(t, isDevVersion("0.4.0"))
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "custom.conf")
	require.NoError(t, os.WriteFile(existing, []byte(""), 0o644))

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "directory", in: dir, want: filepath.Join(dir, "config.toml")},
		{name: "toml file", in: filepath.Join(dir, "qsync.TOML"), want: filepath.Join(dir, "qsync.TOML")},
		{name: "existing non-toml file", in: existing, want: existing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveConfigPath(tt.in))
		})
	}
}

func testSnapshot() qbittorrent.Snapshot {
	return qbittorrent.Snapshot{
		Rid: 3,
		Torrents: map[string]qbittorrent.Torrent{
			"abc": {"name": "ubuntu.iso", "progress": 1.0},
		},
		Categories:  []qbittorrent.CategoryInfo{{Name: "linux", SavePath: "/data/linux", Count: 1}},
		Tags:        []qbittorrent.TagInfo{{Name: "iso", Count: 1}},
		ServerState: qbittorrent.ServerState{"connection_status": "connected"},
	}
}

func TestWriteSnapshot(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeSnapshot(&buf, testSnapshot(), "json"))

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.EqualValues(t, 3, decoded["rid"])
		assert.Contains(t, decoded["torrents"], "abc")
		assert.Contains(t, buf.String(), "\n  \"categories\"")
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeSnapshot(&buf, testSnapshot(), "yaml"))

		var decoded map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, 3, decoded["rid"])
		assert.Contains(t, buf.String(), "savePath: /data/linux")
		assert.Contains(t, buf.String(), "connection_status: connected")
	})
}

func TestFindInstance(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "qsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := models.NewInstanceStore(db, bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	env := &storeEnv{db: db, instanceStore: store}
	ctx := context.Background()

	created, err := store.Create(ctx, "seedbox", "http://127.0.0.1:8080", "admin", "secret", nil, nil, false)
	require.NoError(t, err)

	byName, err := env.findInstance(ctx, "seedbox")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byID, err := env.findInstance(ctx, strconv.Itoa(created.ID))
	require.NoError(t, err)
	assert.Equal(t, "seedbox", byID.Name)

	_, err = env.findInstance(ctx, "missing")
	require.ErrorIs(t, err, models.ErrInstanceNotFound)

	_, err = env.findInstance(ctx, "999")
	require.ErrorIs(t, err, models.ErrInstanceNotFound)
}

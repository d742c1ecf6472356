// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, payload string) *MainData {
	t.Helper()
	data, err := DecodeMainData(strings.NewReader(payload))
	require.NoError(t, err)
	return data
}

func categoryNames(s *SessionState) []string {
	var names []string
	for _, c := range s.Categories() {
		names = append(names, c.Name)
	}
	return names
}

func tagNames(s *SessionState) []string {
	var names []string
	for _, tag := range s.Tags() {
		names = append(names, tag.Name)
	}
	return names
}

func TestSessionState_FullUpdateSequence(t *testing.T) {
	s := NewSessionState()

	flags := s.Apply(decode(t, `{"full_update":true,"rid":1,"torrents":{"H1":{"category":"Movies","tags":"new,hd","state":"downloading"}}}`))
	assert.True(t, flags.FullUpdate)
	assert.True(t, flags.Torrents)
	assert.True(t, flags.Categories)
	assert.True(t, flags.Tags)
	assert.Equal(t, int64(1), s.Rid())

	torrent, ok := s.Torrent("H1")
	require.True(t, ok)
	assert.Equal(t, "H1", torrent.Hash())
	assert.Equal(t, "downloading", torrent.String("status"))
	assert.Equal(t, []string{"H1"}, s.CategoryMembers("Movies"))
	assert.Equal(t, []string{"H1"}, s.TagMembers("new"))
	assert.Equal(t, []string{"H1"}, s.TagMembers("hd"))

	flags = s.Apply(decode(t, `{"rid":2,"torrents":{"H1":{"category":""}}}`))
	assert.True(t, flags.Categories)
	assert.False(t, flags.Tags)
	assert.Equal(t, int64(2), s.Rid())
	assert.Empty(t, s.CategoryMembers("Movies"))
	assert.Equal(t, []string{"H1"}, s.TagMembers("new"))
	assert.Equal(t, []string{"H1"}, s.TagMembers("hd"))

	torrent, _ = s.Torrent("H1")
	assert.Equal(t, "", torrent.Category())
	assert.Equal(t, "new,hd", torrent.String("tags"))

	flags = s.Apply(decode(t, `{"rid":3,"torrents_removed":["H1"]}`))
	assert.True(t, flags.Torrents)
	assert.True(t, flags.Categories)
	assert.True(t, flags.Tags)
	assert.Equal(t, 0, s.TorrentCount())
	assert.Empty(t, s.CategoryMembers("Movies"))
	assert.Empty(t, s.TagMembers("new"))
	assert.Empty(t, s.TagMembers("hd"))
}

func TestSessionState_FullUpdateClearsCollections(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"rid":5,"categories":{"A":{"name":"A","savePath":"/a"}},"tags":["x"],"torrents":{"H1":{"category":"A","tags":"x"}},"server_state":{"dl_info_speed":10}}`))

	s.Apply(decode(t, `{"full_update":true,"rid":1,"torrents":{"H2":{"name":"two"}}}`))

	assert.Empty(t, s.Categories())
	assert.Empty(t, s.Tags())
	_, ok := s.Torrent("H1")
	assert.False(t, ok)
	_, ok = s.Torrent("H2")
	assert.True(t, ok)
	assert.Equal(t, int64(1), s.Rid())
	// server state survives a full update
	assert.Equal(t, float64(10), s.ServerState()["dl_info_speed"])
}

func TestSessionState_RidOnlyAdvancesOnNonZero(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"rid":7}`))
	assert.Equal(t, int64(7), s.Rid())

	s.Apply(decode(t, `{"rid":0,"torrents":{"H1":{"name":"one"}}}`))
	assert.Equal(t, int64(7), s.Rid())

	s.Apply(decode(t, `{"torrents":{"H1":{"name":"uno"}}}`))
	assert.Equal(t, int64(7), s.Rid())
}

func TestSessionState_Categories(t *testing.T) {
	tests := []struct {
		name     string
		payloads []string
		want     []CategoryInfo
	}{
		{
			name:     "new category uses name and save path",
			payloads: []string{`{"rid":1,"categories":{"Movies":{"name":"Movies","savePath":"/movies"}}}`},
			want:     []CategoryInfo{{Name: "Movies", SavePath: "/movies"}},
		},
		{
			name: "existing category only updates save path",
			payloads: []string{
				`{"rid":1,"categories":{"Movies":{"name":"Movies","savePath":"/movies"}},"torrents":{"H1":{"category":"Movies"}}}`,
				`{"rid":2,"categories":{"Movies":{"name":"Renamed","savePath":"/films"}}}`,
			},
			want: []CategoryInfo{{Name: "Movies", SavePath: "/films", Count: 1}},
		},
		{
			name: "update without save path keeps stored path",
			payloads: []string{
				`{"rid":1,"categories":{"Movies":{"name":"Movies","savePath":"/movies"}}}`,
				`{"rid":2,"categories":{"Movies":{"name":"Movies"}}}`,
			},
			want: []CategoryInfo{{Name: "Movies", SavePath: "/movies"}},
		},
		{
			name: "explicit empty save path clears it",
			payloads: []string{
				`{"rid":1,"categories":{"Movies":{"name":"Movies","savePath":"/movies"}}}`,
				`{"rid":2,"categories":{"Movies":{"savePath":""}}}`,
			},
			want: []CategoryInfo{{Name: "Movies", SavePath: ""}},
		},
		{
			name:     "missing name falls back to key",
			payloads: []string{`{"rid":1,"categories":{"TV":{"savePath":"/tv"}}}`},
			want:     []CategoryInfo{{Name: "TV", SavePath: "/tv"}},
		},
		{
			name: "removal deletes category and ignores unknown names",
			payloads: []string{
				`{"rid":1,"categories":{"A":{"name":"A"},"B":{"name":"B"}}}`,
				`{"rid":2,"categories_removed":["A","does-not-exist"]}`,
			},
			want: []CategoryInfo{{Name: "B"}},
		},
		{
			name:     "torrent referencing unknown category creates it",
			payloads: []string{`{"rid":1,"torrents":{"H1":{"category":"Music"}}}`},
			want:     []CategoryInfo{{Name: "Music", Count: 1}},
		},
		{
			name: "category recreated after removal adopts existing members",
			payloads: []string{
				`{"rid":1,"categories":{"A":{"name":"A"}},"torrents":{"H1":{"category":"A"}}}`,
				`{"rid":2,"categories_removed":["A"]}`,
				`{"rid":3,"categories":{"A":{"name":"A","savePath":"/a"}}}`,
			},
			want: []CategoryInfo{{Name: "A", SavePath: "/a", Count: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSessionState()
			for _, p := range tt.payloads {
				s.Apply(decode(t, p))
			}
			assert.Equal(t, tt.want, s.Categories())
		})
	}
}

func TestSessionState_CategoryMoveKeepsSingleMembership(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"rid":1,"categories":{"A":{"name":"A"},"B":{"name":"B"}},"torrents":{"H1":{"category":"A"},"H2":{"category":"A"}}}`))
	s.Apply(decode(t, `{"rid":2,"torrents":{"H1":{"category":"B"}}}`))

	assert.Equal(t, []string{"H2"}, s.CategoryMembers("A"))
	assert.Equal(t, []string{"H1"}, s.CategoryMembers("B"))

	// absent category field leaves membership alone
	s.Apply(decode(t, `{"rid":3,"torrents":{"H1":{"progress":0.5}}}`))
	assert.Equal(t, []string{"H1"}, s.CategoryMembers("B"))

	for _, torrent := range s.Torrents() {
		count := 0
		for _, c := range s.Categories() {
			for _, h := range s.CategoryMembers(c.Name) {
				if h == torrent.Hash() {
					count++
					assert.Equal(t, c.Name, torrent.Category())
				}
			}
		}
		assert.LessOrEqual(t, count, 1)
	}
}

func TestSessionState_TagSetDifference(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"rid":1,"tags":["a","b","c"],"torrents":{"H1":{"tags":"a, b"}}}`))
	assert.Equal(t, []string{"H1"}, s.TagMembers("a"))
	assert.Equal(t, []string{"H1"}, s.TagMembers("b"))
	assert.Empty(t, s.TagMembers("c"))

	flags := s.Apply(decode(t, `{"rid":2,"torrents":{"H1":{"tags":"b,c"}}}`))
	assert.True(t, flags.Tags)
	assert.Empty(t, s.TagMembers("a"))
	assert.Equal(t, []string{"H1"}, s.TagMembers("b"))
	assert.Equal(t, []string{"H1"}, s.TagMembers("c"))

	// explicitly empty clears all membership
	flags = s.Apply(decode(t, `{"rid":3,"torrents":{"H1":{"tags":""}}}`))
	assert.True(t, flags.Tags)
	assert.Empty(t, s.TagMembers("b"))
	assert.Empty(t, s.TagMembers("c"))
	assert.Equal(t, []string{"a", "b", "c"}, tagNames(s))
}

func TestSessionState_TagsAddedAndRemoved(t *testing.T) {
	s := NewSessionState()
	flags := s.Apply(decode(t, `{"rid":1,"tags":["one","two"]}`))
	assert.True(t, flags.Tags)
	assert.False(t, flags.Categories)
	assert.Equal(t, []string{"one", "two"}, tagNames(s))

	flags = s.Apply(decode(t, `{"rid":2,"tags_removed":["one","missing"]}`))
	assert.True(t, flags.Tags)
	assert.Equal(t, []string{"two"}, tagNames(s))

	// present but empty still flags the tag list
	flags = s.Apply(decode(t, `{"rid":3,"tags":[]}`))
	assert.True(t, flags.Tags)
}

func TestSessionState_Idempotent(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"full_update":true,"rid":1,"categories":{"Movies":{"name":"Movies"}},"tags":["hd"],"torrents":{"H1":{"name":"one","category":"Movies","tags":"hd"}}}`))

	payload := `{"rid":2,"torrents":{"H1":{"category":"Movies","tags":"hd,new","progress":0.25}}}`
	first := s.Apply(decode(t, payload))
	assert.True(t, first.Tags)
	before := s.Snapshot()

	second := s.Apply(decode(t, payload))
	assert.False(t, second.Categories)
	assert.False(t, second.Tags)
	assert.False(t, second.Torrents)

	after := s.Snapshot()
	assert.Equal(t, before.Torrents, after.Torrents)
	assert.Equal(t, before.Categories, after.Categories)
	assert.Equal(t, before.Tags, after.Tags)
	assert.Equal(t, before.Rid, after.Rid)
}

func TestSessionState_ServerState(t *testing.T) {
	s := NewSessionState()
	assert.Equal(t, DefaultRefreshInterval, s.RefreshInterval())

	flags := s.Apply(decode(t, `{"rid":1,"server_state":{"refresh_interval":200,"queueing":false,"use_alt_speed_limits":false,"dl_info_speed":100}}`))
	assert.True(t, flags.ServerState)
	assert.False(t, flags.QueueingChanged)
	assert.False(t, flags.AltSpeedChanged)
	assert.Equal(t, MinRefreshInterval, s.RefreshInterval())

	flags = s.Apply(decode(t, `{"rid":2,"server_state":{"refresh_interval":3000,"use_alt_speed_limits":true}}`))
	assert.True(t, flags.AltSpeedChanged)
	assert.False(t, flags.QueueingChanged)
	assert.Equal(t, 3*time.Second, s.RefreshInterval())

	state := s.ServerState()
	assert.Equal(t, float64(100), state["dl_info_speed"])
	assert.Equal(t, false, state["queueing"])

	flags = s.Apply(decode(t, `{"rid":3}`))
	assert.False(t, flags.ServerState)
}

func TestSessionState_StateCopiedToStatus(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"rid":1,"torrents":{"H1":{"state":"stalledUP"}}}`))
	s.Apply(decode(t, `{"rid":2,"torrents":{"H1":{"upspeed":5}}}`))

	torrent, ok := s.Torrent("H1")
	require.True(t, ok)
	assert.Equal(t, "stalledUP", torrent.String("status"))
	assert.Equal(t, float64(5), torrent.Float("upspeed"))
}

func TestSessionState_Reset(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"rid":9,"categories":{"A":{"name":"A"}},"tags":["t"],"torrents":{"H1":{"category":"A"}},"server_state":{"refresh_interval":4000}}`))

	s.Reset()

	assert.Equal(t, int64(0), s.Rid())
	assert.Zero(t, s.TorrentCount())
	assert.Empty(t, categoryNames(s))
	assert.Empty(t, tagNames(s))
	assert.Equal(t, DefaultRefreshInterval, s.RefreshInterval())
	assert.True(t, s.LastUpdate().IsZero())
}

func TestSessionState_TorrentCopiesAreDetached(t *testing.T) {
	s := NewSessionState()
	s.Apply(decode(t, `{"rid":1,"torrents":{"H1":{"name":"one"}}}`))

	torrent, _ := s.Torrent("H1")
	torrent["name"] = "mutated"

	again, _ := s.Torrent("H1")
	assert.Equal(t, "one", again.Name())
}

func TestSessionState_ViewIsConsistent(t *testing.T) {
	s := NewSessionState()

	// every response adds one torrent, so rid always equals the torrent count
	const polls = 200
	responses := make([]*MainData, 0, polls)
	for i := 1; i <= polls; i++ {
		responses = append(responses, decode(t, fmt.Sprintf(`{"rid":%d,"torrents":{"h%d":{"category":"c","tags":"t"}}}`, i, i)))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, data := range responses {
			s.Apply(data)
		}
	}()

	for {
		view := s.View()
		require.Equal(t, int(view.Rid), len(view.Torrents))
		if view.Rid > 0 {
			require.Len(t, view.Categories, 1)
			require.Equal(t, len(view.Torrents), view.Categories[0].Count)
			require.Equal(t, len(view.Torrents), view.Tags[0].Count)
		}
		if view.Rid == polls {
			break
		}
	}
	wg.Wait()
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "   ", want: nil},
		{in: "a", want: []string{"a"}},
		{in: "a, b", want: []string{"a", "b"}},
		{in: "a,,b, ", want: []string{"a", "b"}},
		{in: "a,a", want: []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTags(tt.in))
		})
	}
}

func TestDecodeMainData_Presence(t *testing.T) {
	data := decode(t, `{"rid":1,"tags":[],"categories":{}}`)
	assert.NotNil(t, data.Tags)
	assert.NotNil(t, data.Categories)
	assert.Nil(t, data.TagsRemoved)
	assert.Nil(t, data.Torrents)
	assert.Nil(t, data.ServerState)

	_, err := DecodeMainData(strings.NewReader(`{"rid":`))
	assert.Error(t, err)
}

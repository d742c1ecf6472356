// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (p *recordingPublisher) Publish(_ context.Context, events ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) snapshot() ([]Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...), p.closed
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestFromPollResult(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	ev := FromPollResult(qbittorrent.PollResult{
		InstanceID: 2,
		Rid:        9,
		Flags:      qbittorrent.RenderFlags{Torrents: true},
		At:         at,
		Duration:   1500 * time.Millisecond,
	})
	assert.Equal(t, Event{InstanceID: 2, Rid: 9, Flags: qbittorrent.RenderFlags{Torrents: true}, At: at, DurationMs: 1500}, ev)

	failed := FromPollResult(qbittorrent.PollResult{InstanceID: 2, Err: errors.New("connection refused")})
	assert.Equal(t, "connection refused", failed.Error)
}

func TestDispatcher_DeliversRenderingPolls(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, 8)
	d.Start()

	d.Listen(qbittorrent.PollResult{InstanceID: 1, Rid: 1, Flags: qbittorrent.RenderFlags{FullUpdate: true}})
	d.Listen(qbittorrent.PollResult{InstanceID: 1, Rid: 2})
	d.Listen(qbittorrent.PollResult{InstanceID: 1, Rid: 2, Err: errors.New("timeout")})

	d.Stop()

	events, closed := pub.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[0].Flags.FullUpdate)
	assert.Equal(t, "timeout", events[1].Error)
	assert.True(t, closed)
}

func TestDispatcher_Disabled(t *testing.T) {
	d := NewDispatcher(nil, 1)
	assert.False(t, d.Enabled())

	d.Listen(qbittorrent.PollResult{InstanceID: 1, Flags: qbittorrent.RenderFlags{Torrents: true}})
	assert.Empty(t, d.queue)

	pub := &recordingPublisher{}
	d.SetPublisher(pub)
	assert.True(t, d.Enabled())

	d.Listen(qbittorrent.PollResult{InstanceID: 1, Flags: qbittorrent.RenderFlags{Torrents: true}})
	d.Listen(qbittorrent.PollResult{InstanceID: 1, Flags: qbittorrent.RenderFlags{Tags: true}})
	assert.Len(t, d.queue, 1, "full queue drops")

	replacement := &recordingPublisher{}
	d.SetPublisher(replacement)
	_, closed := pub.snapshot()
	assert.True(t, closed)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "qsync.events"}

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	err := p.Publish(context.Background(),
		Event{InstanceID: 3, Rid: 1, Flags: qbittorrent.RenderFlags{FullUpdate: true}, At: at},
		Event{InstanceID: 3, Rid: 2, Flags: qbittorrent.RenderFlags{Torrents: true}, At: at},
		Event{InstanceID: 4, Error: "banned", At: at},
	)
	require.NoError(t, err)
	require.Len(t, w.msgs, 3)

	assert.Equal(t, "3", string(w.msgs[0].Key))
	assert.Equal(t, "sync.full", string(w.msgs[0].Headers[0].Value))
	assert.Equal(t, "sync.delta", string(w.msgs[1].Headers[0].Value))
	assert.Equal(t, "poll.failed", string(w.msgs[2].Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, int64(2), decoded.Rid)
	assert.True(t, decoded.Flags.Torrents)

	require.NoError(t, p.Publish(context.Background()))
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("leader not available")}, topic: "t"}
	err := p.Publish(context.Background(), Event{InstanceID: 1})
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "t")
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "qsync")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))

	require.NoError(t, p.Publish(context.Background(),
		Event{InstanceID: 1, Rid: 5, Flags: qbittorrent.RenderFlags{Categories: true}},
		Event{InstanceID: 1, Error: "timeout"},
	))

	out := buf.String()
	assert.Contains(t, out, `"message":"Render"`)
	assert.Contains(t, out, `"categories":true`)
	assert.Contains(t, out, `"message":"Poll failed"`)
	assert.NoError(t, p.Close())
}

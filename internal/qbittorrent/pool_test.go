// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPool_CalculateBackoff(t *testing.T) {
	cp := &ClientPool{}

	tests := []struct {
		attempts int
		initial  time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{attempts: 0, initial: initialBackoff, max: maxBackoff, want: 10 * time.Second},
		{attempts: 1, initial: initialBackoff, max: maxBackoff, want: 10 * time.Second},
		{attempts: 2, initial: initialBackoff, max: maxBackoff, want: 20 * time.Second},
		{attempts: 3, initial: initialBackoff, max: maxBackoff, want: 40 * time.Second},
		{attempts: 4, initial: initialBackoff, max: maxBackoff, want: time.Minute},
		{attempts: 40, initial: initialBackoff, max: maxBackoff, want: time.Minute},
		{attempts: 1, initial: banInitialBackoff, max: banMaxBackoff, want: 5 * time.Minute},
		{attempts: 4, initial: banInitialBackoff, max: banMaxBackoff, want: 40 * time.Minute},
		{attempts: 5, initial: banInitialBackoff, max: banMaxBackoff, want: time.Hour},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", tt.attempts, tt.initial), func(t *testing.T) {
			assert.Equal(t, tt.want, cp.calculateBackoff(tt.attempts, tt.initial, tt.max))
		})
	}
}

func TestClientPool_IsBanError(t *testing.T) {
	cp := &ClientPool{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sentinel", err: ErrIPBanned, want: true},
		{name: "wrapped sentinel", err: fmt.Errorf("login: %w", ErrIPBanned), want: true},
		{name: "message", err: errors.New("User's IP is banned for too many failed login attempts"), want: true},
		{name: "forbidden status", err: errors.New("unexpected status 403 Forbidden"), want: true},
		{name: "bad credentials", err: ErrLoginFailed, want: false},
		{name: "timeout", err: context.DeadlineExceeded, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cp.isBanError(tt.err))
		})
	}
}

func TestClientPool_TrackFailure(t *testing.T) {
	pool := newTestPool(t)

	pool.trackFailure(5, errors.New("connection refused"))
	assert.True(t, pool.isInBackoff(5))
	until := pool.BackoffUntil(5)
	assert.WithinDuration(t, time.Now().Add(initialBackoff), until, time.Second)

	pool.trackFailure(5, errors.New("connection refused"))
	assert.WithinDuration(t, time.Now().Add(2*initialBackoff), pool.BackoffUntil(5), time.Second)

	pool.trackFailure(6, ErrIPBanned)
	assert.WithinDuration(t, time.Now().Add(banInitialBackoff), pool.BackoffUntil(6), time.Second)

	_, err := pool.GetClient(context.Background(), 5)
	assert.ErrorContains(t, err, "backoff")

	pool.ResetFailureTracking(5)
	assert.False(t, pool.isInBackoff(5))
	assert.True(t, pool.BackoffUntil(5).IsZero())
}

func TestClientPool_DecryptionErrors(t *testing.T) {
	pool := newTestPool(t)

	assert.True(t, pool.isDecryptionError(errors.New("failed to decrypt password: cipher: message authentication failed")))
	assert.False(t, pool.isDecryptionError(errors.New("connection refused")))

	assert.True(t, pool.shouldLogDecryptionError(3))
	assert.False(t, pool.shouldLogDecryptionError(3))
	assert.Equal(t, []int{3}, pool.GetInstancesWithDecryptionErrors())

	pool.ResetFailureTracking(3)
	assert.Empty(t, pool.GetInstancesWithDecryptionErrors())
}

func TestClientPool_AddAndRemoveClient(t *testing.T) {
	fake := newFakeWebUI(`{"full_update":true,"rid":1,"server_state":{"refresh_interval":500},"torrents":{"h1":{"name":"one"}}}`)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	pool := newTestPool(t)

	var (
		mu      sync.Mutex
		results []PollResult
	)
	pool.AddPollListener(func(result PollResult) {
		mu.Lock()
		results = append(results, result)
		mu.Unlock()
	})

	client := newTestClient(t, srv, 1, "2.11.4")
	client.poller.opts.OnResult = pool.dispatchPollResult
	require.NoError(t, pool.addClient(client))
	assert.True(t, client.Poller().IsRunning())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) > 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, results[0].InstanceID)
	assert.Equal(t, int64(1), results[0].Rid)
	mu.Unlock()

	got, err := pool.GetClientOffline(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, client, got)
	assert.Len(t, pool.Clients(), 1)

	// a replacement stops the previous poller
	replacement := newTestClient(t, srv, 1, "2.11.4")
	require.NoError(t, pool.addClient(replacement))
	assert.False(t, client.Poller().IsRunning())
	assert.True(t, replacement.Poller().IsRunning())

	pool.RemoveClient(1)
	assert.False(t, replacement.Poller().IsRunning())
	_, err = pool.GetClientOffline(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestClientPool_Closed(t *testing.T) {
	pool := newTestPool(t)
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err := pool.GetClient(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = pool.GetClientOffline(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qsync/internal/models"
)

var (
	ErrClientNotFound   = errors.New("qBittorrent client not found")
	ErrPoolClosed       = errors.New("client pool is closed")
	ErrInstanceDisabled = errors.New("qBittorrent instance is disabled")
)

// Backoff constants
const (
	healthCheckInterval    = 30 * time.Second
	healthCheckTimeout     = 10 * time.Second
	minHealthCheckInterval = 20 * time.Second

	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour

	defaultClientTimeout = 60 * time.Second
	maxParallelConnects  = 4
)

// failureInfo tracks failure state and backoff for an instance
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

type decryptionErrorInfo struct {
	logged    bool
	lastError time.Time
}

// PoolOptions configures the pollers the pool starts for each instance.
type PoolOptions struct {
	FailureRetry   time.Duration
	CustomInterval time.Duration
	ClientTimeout  time.Duration
}

// ClientPool owns one Client per active instance and keeps its poller
// running for as long as the client is pooled.
type ClientPool struct {
	clients           map[int]*Client
	instanceStore     *models.InstanceStore
	errorStore        *models.InstanceErrorStore
	opts              PoolOptions
	mu                sync.RWMutex
	creationMu        sync.Mutex          // Serialize client creation operations
	creationLocks     map[int]*sync.Mutex // Per-instance creation locks
	closed            bool
	healthTicker      *time.Ticker
	stopHealth        chan struct{}
	failureTracker    map[int]*failureInfo
	decryptionTracker map[int]*decryptionErrorInfo

	pollCtx    context.Context
	pollCancel context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []func(PollResult)
}

func NewClientPool(instanceStore *models.InstanceStore, errorStore *models.InstanceErrorStore, opts PoolOptions) (*ClientPool, error) {
	if instanceStore == nil {
		return nil, errors.New("instance store is required")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = defaultClientTimeout
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())

	cp := &ClientPool{
		clients:           make(map[int]*Client),
		instanceStore:     instanceStore,
		errorStore:        errorStore,
		opts:              opts,
		creationLocks:     make(map[int]*sync.Mutex),
		healthTicker:      time.NewTicker(healthCheckInterval),
		stopHealth:        make(chan struct{}),
		failureTracker:    make(map[int]*failureInfo),
		decryptionTracker: make(map[int]*decryptionErrorInfo),
		pollCtx:           pollCtx,
		pollCancel:        pollCancel,
	}

	go cp.healthCheckLoop()

	return cp, nil
}

// AddPollListener registers fn to receive every poll result of every pooled
// instance. Listeners must not block.
func (cp *ClientPool) AddPollListener(fn func(PollResult)) {
	cp.listenersMu.Lock()
	defer cp.listenersMu.Unlock()
	cp.listeners = append(cp.listeners, fn)
}

func (cp *ClientPool) dispatchPollResult(result PollResult) {
	cp.listenersMu.RLock()
	listeners := cp.listeners
	cp.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(result)
	}
}

// getInstanceLock gets or creates a per-instance creation lock
func (cp *ClientPool) getInstanceLock(instanceID int) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := cp.creationLocks[instanceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	cp.creationLocks[instanceID] = lock
	return lock
}

// GetClientOffline returns the pooled client without attempting to create one.
func (cp *ClientPool) GetClientOffline(ctx context.Context, instanceID int) (*Client, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	if cp.closed {
		return nil, ErrPoolClosed
	}

	client, exists := cp.clients[instanceID]
	if !exists {
		return nil, ErrClientNotFound
	}

	return client, nil
}

// GetClient returns a qBittorrent client for the given instance ID with default timeout
func (cp *ClientPool) GetClient(ctx context.Context, instanceID int) (*Client, error) {
	return cp.GetClientWithTimeout(ctx, instanceID, cp.opts.ClientTimeout)
}

// GetClientWithTimeout returns a qBittorrent client for the given instance ID with custom timeout
func (cp *ClientPool) GetClientWithTimeout(ctx context.Context, instanceID int, timeout time.Duration) (*Client, error) {
	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}

	client, exists := cp.clients[instanceID]
	cp.mu.RUnlock()

	if exists {
		if client.IsHealthy() {
			return client, nil
		}

		if err := client.HealthCheck(ctx); err != nil {
			return nil, errors.Wrap(err, "client healthcheck failed")
		}
		return client, nil
	}

	return cp.createClientWithTimeout(ctx, instanceID, timeout)
}

func (cp *ClientPool) createClientWithTimeout(ctx context.Context, instanceID int, timeout time.Duration) (*Client, error) {
	// Use per-instance lock to prevent blocking other instances
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	if cp.isInBackoff(instanceID) {
		return nil, fmt.Errorf("instance %d is in backoff period, will retry later", instanceID)
	}

	// Double-check if client was created while we were waiting for the lock
	cp.mu.RLock()
	if client, exists := cp.clients[instanceID]; exists && client.IsHealthy() {
		cp.mu.RUnlock()
		return client, nil
	}
	cp.mu.RUnlock()

	instance, err := cp.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if !instance.IsActive {
		return nil, ErrInstanceDisabled
	}

	password, err := cp.instanceStore.GetDecryptedPassword(instance)
	if err != nil {
		if cp.isDecryptionError(err) && cp.shouldLogDecryptionError(instanceID) {
			log.Error().Err(err).Int("instanceID", instanceID).Str("instanceName", instance.Name).
				Msg("Failed to decrypt password - likely due to sessionSecret change. Instance will be unavailable until password is re-entered")
		}
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	var basicPassword *string
	if instance.BasicPasswordEncrypted != nil {
		basicPassword, err = cp.instanceStore.GetDecryptedBasicPassword(instance)
		if err != nil {
			if cp.isDecryptionError(err) && cp.shouldLogDecryptionError(instanceID) {
				log.Error().Err(err).Int("instanceID", instanceID).Str("instanceName", instance.Name).
					Msg("Failed to decrypt basic auth password - likely due to sessionSecret change. Instance will be unavailable until password is re-entered")
			}
			return nil, fmt.Errorf("failed to decrypt basic auth password: %w", err)
		}
	}

	client, err := NewClient(instanceID, instance.Host, instance.Username, password, ClientOptions{
		BasicUsername: instance.BasicUsername,
		BasicPassword: basicPassword,
		TLSSkipVerify: instance.TLSSkipVerify,
		Timeout:       timeout,
		Poller: PollerOptions{
			FailureRetry:   cp.opts.FailureRetry,
			CustomInterval: cp.opts.CustomInterval,
			OnResult:       cp.dispatchPollResult,
		},
	})
	if err != nil {
		cp.trackFailure(instanceID, err)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := cp.addClient(client); err != nil {
		return nil, err
	}

	return client, nil
}

// addClient stores client, replacing and stopping any previous one, and
// starts its poller from a fresh cursor.
func (cp *ClientPool) addClient(client *Client) error {
	instanceID := client.GetInstanceID()

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return ErrPoolClosed
	}
	previous := cp.clients[instanceID]
	cp.clients[instanceID] = client
	cp.resetFailureTrackingLocked(instanceID)
	ctx := cp.pollCtx
	cp.mu.Unlock()

	if previous != nil && previous != client {
		previous.StopPolling()
	}

	client.StartPolling(ctx)

	log.Info().Int("instanceID", instanceID).Str("host", client.Host()).Msg("Started maindata sync")
	return nil
}

// RemoveClient stops the instance's poller and drops it from the pool. Its
// session state goes with it.
func (cp *ClientPool) RemoveClient(instanceID int) {
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()

	cp.mu.Lock()
	client := cp.clients[instanceID]
	delete(cp.clients, instanceID)
	cp.mu.Unlock()

	if client != nil {
		client.StopPolling()
	}

	instanceLock.Unlock()

	// Clean up the per-instance lock after unlocking to prevent memory leaks
	cp.creationMu.Lock()
	delete(cp.creationLocks, instanceID)
	cp.creationMu.Unlock()

	log.Info().Int("instanceID", instanceID).Msg("Removed client from pool")
}

// ReconnectClient drops the pooled client and connects again, so the next
// poll starts from rid 0 and receives a full update.
func (cp *ClientPool) ReconnectClient(ctx context.Context, instanceID int) (*Client, error) {
	cp.RemoveClient(instanceID)
	cp.ResetFailureTracking(instanceID)
	return cp.GetClient(ctx, instanceID)
}

// ConnectAll connects every active instance in parallel. Failures are logged
// and tracked; they do not stop the remaining connections.
func (cp *ClientPool) ConnectAll(ctx context.Context) error {
	instances, err := cp.instanceStore.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelConnects)

	for _, instance := range instances {
		if !instance.IsActive {
			continue
		}

		g.Go(func() error {
			if _, err := cp.GetClient(gctx, instance.ID); err != nil {
				log.Warn().Err(err).Int("instanceID", instance.ID).Str("instanceName", instance.Name).Msg("Failed to connect instance")
			}
			return nil
		})
	}

	return g.Wait()
}

// Clients returns a snapshot of the pooled clients.
func (cp *ClientPool) Clients() []*Client {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	clients := make([]*Client, 0, len(cp.clients))
	for _, client := range cp.clients {
		clients = append(clients, client)
	}
	return clients
}

// healthCheckLoop periodically checks the health of all clients
func (cp *ClientPool) healthCheckLoop() {
	for {
		select {
		case <-cp.healthTicker.C:
			cp.performHealthChecks()
		case <-cp.stopHealth:
			return
		}
	}
}

func (cp *ClientPool) performHealthChecks() {
	for _, client := range cp.Clients() {
		instanceID := client.GetInstanceID()

		if time.Since(client.GetLastHealthCheck()) < minHealthCheckInterval {
			continue
		}

		if cp.isInBackoff(instanceID) {
			continue
		}

		go func(client *Client, instanceID int) {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()

			if err := client.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Int("instanceID", instanceID).Msg("Health check failed")
				cp.trackFailure(instanceID, err)
				return
			}
			cp.ResetFailureTracking(instanceID)
		}(client, instanceID)
	}
}

func (cp *ClientPool) GetErrorStore() *models.InstanceErrorStore {
	return cp.errorStore
}

// Close stops every poller and releases resources
func (cp *ClientPool) Close() error {
	cp.mu.Lock()

	if cp.closed {
		cp.mu.Unlock()
		return nil
	}

	cp.closed = true
	close(cp.stopHealth)
	cp.healthTicker.Stop()

	clients := make([]*Client, 0, len(cp.clients))
	for id, client := range cp.clients {
		clients = append(clients, client)
		delete(cp.clients, id)
	}
	cp.failureTracker = make(map[int]*failureInfo)

	cp.mu.Unlock()

	for _, client := range clients {
		client.StopPolling()
	}
	cp.pollCancel()

	log.Info().Msg("Client pool closed")
	return nil
}

func (cp *ClientPool) isInBackoff(instanceID int) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.isInBackoffLocked(instanceID)
}

// isInBackoffLocked checks if an instance is in backoff period (caller must hold lock)
func (cp *ClientPool) isInBackoffLocked(instanceID int) bool {
	info, exists := cp.failureTracker[instanceID]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

// BackoffUntil reports when the instance may be retried, zero when it is not
// backing off.
func (cp *ClientPool) BackoffUntil(instanceID int) time.Time {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	if info, exists := cp.failureTracker[instanceID]; exists && time.Now().Before(info.nextRetry) {
		return info.nextRetry
	}
	return time.Time{}
}

// trackFailure records a failure and applies exponential backoff
func (cp *ClientPool) trackFailure(instanceID int, err error) {
	cp.mu.Lock()
	info, exists := cp.failureTracker[instanceID]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[instanceID] = info
	}

	info.attempts++

	var backoffDuration time.Duration
	if cp.isBanError(err) {
		backoffDuration = cp.calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = cp.calculateBackoff(info.attempts, initialBackoff, maxBackoff)
		log.Debug().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	info.nextRetry = time.Now().Add(backoffDuration)
	cp.mu.Unlock()

	if cp.errorStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if recordErr := cp.errorStore.RecordError(ctx, instanceID, err); recordErr != nil {
		log.Error().Err(recordErr).Int("instanceID", instanceID).Msg("Failed to record error to database")
	}
}

// calculateBackoff returns exponential backoff duration with limits
func (cp *ClientPool) calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears failure tracking for successful connections or explicit user actions
func (cp *ClientPool) ResetFailureTracking(instanceID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.resetFailureTrackingLocked(instanceID)
}

func (cp *ClientPool) resetFailureTrackingLocked(instanceID int) {
	hadFailures := false

	if _, exists := cp.failureTracker[instanceID]; exists {
		delete(cp.failureTracker, instanceID)
		hadFailures = true
		log.Debug().Int("instanceID", instanceID).Msg("Reset failure tracking after successful connection")
	}

	if _, exists := cp.decryptionTracker[instanceID]; exists {
		delete(cp.decryptionTracker, instanceID)
		hadFailures = true
	}

	if cp.errorStore == nil || !hadFailures {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if clearErr := cp.errorStore.ClearErrors(ctx, instanceID); clearErr != nil {
		log.Error().Err(clearErr).Int("instanceID", instanceID).Msg("Failed to clear errors from database")
	}
}

// isBanError checks if the error indicates an IP ban
func (cp *ClientPool) isBanError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIPBanned) {
		return true
	}

	errorStr := strings.ToLower(err.Error())

	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit") ||
		strings.Contains(errorStr, "403") ||
		strings.Contains(errorStr, "forbidden")
}

// shouldLogDecryptionError returns true only the first time a decryption
// error is seen for an instance.
func (cp *ClientPool) shouldLogDecryptionError(instanceID int) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if info, exists := cp.decryptionTracker[instanceID]; exists {
		return !info.logged
	}

	cp.decryptionTracker[instanceID] = &decryptionErrorInfo{
		logged:    true,
		lastError: time.Now(),
	}
	return true
}

func (cp *ClientPool) isDecryptionError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "cipher: message authentication failed") ||
		strings.Contains(errorStr, "failed to decrypt password")
}

// GetInstancesWithDecryptionErrors returns a list of instance IDs that have decryption errors
func (cp *ClientPool) GetInstancesWithDecryptionErrors() []int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	var instanceIDs []int
	for id, info := range cp.decryptionTracker {
		if info.logged {
			instanceIDs = append(instanceIDs, id)
		}
	}

	return instanceIDs
}

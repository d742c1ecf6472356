// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package events fans poll results out to external consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

const (
	defaultQueueSize = 256
	publishTimeout   = 10 * time.Second
)

// Event is the published form of one poll.
type Event struct {
	InstanceID int                     `json:"instanceId"`
	Rid        int64                   `json:"rid"`
	Flags      qbittorrent.RenderFlags `json:"flags"`
	Error      string                  `json:"error,omitempty"`
	At         time.Time               `json:"at"`
	DurationMs int64                   `json:"durationMs"`
}

func FromPollResult(result qbittorrent.PollResult) Event {
	ev := Event{
		InstanceID: result.InstanceID,
		Rid:        result.Rid,
		Flags:      result.Flags,
		At:         result.At,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		ev.Error = result.Err.Error()
	} else if result.Error != "" {
		ev.Error = result.Error
	}
	return ev
}

// Publisher delivers events somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Dispatcher decouples pollers from publishers. Poll listeners must not
// block, so results are queued and dropped when the queue is full.
type Dispatcher struct {
	queue chan Event

	mu        sync.RWMutex
	publisher Publisher

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func NewDispatcher(publisher Publisher, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		queue:     make(chan Event, queueSize),
		publisher: publisher,
		done:      make(chan struct{}),
	}
}

// SetPublisher swaps the publisher, closing the previous one. A nil
// publisher disables delivery.
func (d *Dispatcher) SetPublisher(publisher Publisher) {
	d.mu.Lock()
	previous := d.publisher
	d.publisher = publisher
	d.mu.Unlock()

	if previous != nil && previous != publisher {
		if err := previous.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close previous event publisher")
		}
	}
}

func (d *Dispatcher) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.publisher != nil
}

// Listen is a qbittorrent poll listener.
func (d *Dispatcher) Listen(result qbittorrent.PollResult) {
	if !d.Enabled() {
		return
	}
	if result.Err == nil && !result.Flags.Any() {
		return
	}

	select {
	case d.queue <- FromPollResult(result):
	default:
		log.Warn().Int("instanceID", result.InstanceID).Int64("rid", result.Rid).Msg("Event queue full, dropping poll event")
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.done:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	d.mu.RLock()
	publisher := d.publisher
	d.mu.RUnlock()

	if publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Int("instanceID", ev.InstanceID).Int64("rid", ev.Rid).Msg("Failed to publish poll event")
	}
}

// Stop drains the queue and closes the publisher.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		d.SetPublisher(nil)
	})
}

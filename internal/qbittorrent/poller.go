// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFailureRetry   = 2000 * time.Millisecond
	DefaultCustomInterval = 30000 * time.Millisecond
	UpdateNowDelay        = 100 * time.Millisecond

	UnreachableWarning = "qBittorrent client is not reachable"
)

var ErrPollInFlight = errors.New("a maindata poll is already in flight")

type mainDataSource interface {
	MainData(ctx context.Context, rid int64) (*MainData, error)
}

// PollResult is delivered to subscribers after every poll.
type PollResult struct {
	InstanceID int           `json:"instanceId"`
	Rid        int64         `json:"rid"`
	Flags      RenderFlags   `json:"flags"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
}

type PollerStatus struct {
	Reachable       bool      `json:"reachable"`
	Warning         string    `json:"warning,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	Rid             int64     `json:"rid"`
	IntervalMs      int64     `json:"intervalMs"`
	CustomInterval  bool      `json:"customInterval"`
	InFlight        bool      `json:"inFlight"`
	LastPoll        time.Time `json:"lastPoll"`
	LastSuccess     time.Time `json:"lastSuccess"`
	ConsecutiveFail int       `json:"consecutiveFailures"`
}

type PollerOptions struct {
	// Delay before retrying after a failed poll.
	FailureRetry time.Duration
	// Interval used while an override is active, e.g. the search view.
	CustomInterval time.Duration
	// Called synchronously after each poll, before subscribers.
	OnResult func(PollResult)
}

// Poller drives the maindata loop for one instance. At most one request is
// in flight at any time; triggers that arrive during a request re-arm the
// loop once it completes.
type Poller struct {
	instanceID int
	source     mainDataSource
	session    *SessionState
	opts       PollerOptions
	failure    backoff.BackOff

	inFlight atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	running  bool
	rerun    bool
	override time.Duration
	status   PollerStatus

	subsMu  sync.RWMutex
	subs    map[int]chan PollResult
	nextSub int
}

func NewPoller(instanceID int, source mainDataSource, session *SessionState, opts PollerOptions) *Poller {
	if opts.FailureRetry <= 0 {
		opts.FailureRetry = DefaultFailureRetry
	}
	if opts.CustomInterval <= 0 {
		opts.CustomInterval = DefaultCustomInterval
	}

	return &Poller{
		instanceID: instanceID,
		source:     source,
		session:    session,
		opts:       opts,
		failure:    backoff.NewConstantBackOff(opts.FailureRetry),
		subs:       make(map[int]chan PollResult),
	}
}

func (p *Poller) Session() *SessionState {
	return p.session
}

// Start polls immediately and keeps polling until ctx is done or Stop is
// called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.mu.Unlock()

	p.schedule(0)
}

func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.cancel()
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// schedule replaces any pending timer with one firing after d.
func (p *Poller) schedule(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, p.tick)
}

func (p *Poller) tick() {
	p.mu.Lock()
	ctx := p.ctx
	running := p.running
	// this poll covers every trigger recorded so far
	p.rerun = false
	p.mu.Unlock()

	if !running {
		return
	}

	result, err := p.PollOnce(ctx)
	if errors.Is(err, ErrPollInFlight) {
		// a manual poll holds the slot; check back shortly
		p.schedule(UpdateNowDelay)
		return
	}
	if ctx.Err() != nil {
		return
	}

	p.schedule(p.nextDelay(result))
}

// nextDelay picks the delay after a finished poll and consumes any trigger
// that arrived since the poll started.
func (p *Poller) nextDelay(result PollResult) time.Duration {
	p.mu.Lock()
	rerun := p.rerun
	p.rerun = false
	p.mu.Unlock()

	switch {
	case rerun:
		return UpdateNowDelay
	case result.Err != nil:
		return p.failure.NextBackOff()
	default:
		return p.Interval()
	}
}

// PollOnce performs a single poll and merges the result. It returns
// ErrPollInFlight without doing anything when another poll is running.
func (p *Poller) PollOnce(ctx context.Context) (PollResult, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.mu.Lock()
		p.rerun = true
		p.mu.Unlock()
		return PollResult{}, ErrPollInFlight
	}
	defer p.inFlight.Store(false)

	start := time.Now()
	result := PollResult{InstanceID: p.instanceID, At: start}

	data, err := p.source.MainData(ctx, p.session.Rid())
	result.Duration = time.Since(start)

	p.mu.Lock()
	p.status.LastPoll = start
	if err != nil {
		p.status.Reachable = false
		p.status.Warning = UnreachableWarning
		p.status.LastError = err.Error()
		p.status.ConsecutiveFail++
		fails := p.status.ConsecutiveFail
		p.mu.Unlock()

		result.Err = err
		result.Error = err.Error()
		result.Rid = p.session.Rid()

		if ctx.Err() == nil {
			log.Warn().
				Err(err).
				Int("instanceID", p.instanceID).
				Int("consecutiveFailures", fails).
				Msg(UnreachableWarning)
		}
		p.publish(result)
		return result, nil
	}

	p.status.Reachable = true
	p.status.Warning = ""
	p.status.LastError = ""
	p.status.ConsecutiveFail = 0
	p.status.LastSuccess = time.Now()
	p.mu.Unlock()

	result.Flags = p.session.Apply(data)
	result.Rid = p.session.Rid()

	log.Trace().
		Int("instanceID", p.instanceID).
		Int64("rid", result.Rid).
		Bool("fullUpdate", result.Flags.FullUpdate).
		Int("torrents", len(data.Torrents)).
		Dur("duration", result.Duration).
		Msg("Merged maindata")

	p.publish(result)
	return result, nil
}

// TriggerNow re-arms the loop with the short update-now delay.
func (p *Poller) TriggerNow() {
	p.mu.Lock()
	p.rerun = true
	p.mu.Unlock()

	if p.inFlight.Load() {
		return
	}
	p.schedule(UpdateNowDelay)
}

// SetIntervalOverride switches to the custom interval. A zero duration uses
// PollerOptions.CustomInterval.
func (p *Poller) SetIntervalOverride(d time.Duration) {
	if d <= 0 {
		d = p.opts.CustomInterval
	}
	p.mu.Lock()
	p.override = d
	p.mu.Unlock()
}

// ClearIntervalOverride returns to the server interval and polls shortly.
func (p *Poller) ClearIntervalOverride() {
	p.mu.Lock()
	p.override = 0
	p.mu.Unlock()
	p.TriggerNow()
}

// Interval is the delay between successful polls.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	override := p.override
	p.mu.Unlock()

	if override > 0 {
		return override
	}
	return p.session.RefreshInterval()
}

func (p *Poller) Status() PollerStatus {
	interval := p.Interval()

	p.mu.Lock()
	status := p.status
	status.CustomInterval = p.override > 0
	p.mu.Unlock()

	status.Rid = p.session.Rid()
	status.IntervalMs = interval.Milliseconds()
	status.InFlight = p.inFlight.Load()
	return status
}

// Subscribe returns a channel receiving every poll result. Slow subscribers
// miss results rather than blocking the loop.
func (p *Poller) Subscribe(buffer int) (<-chan PollResult, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan PollResult, buffer)

	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subsMu.Lock()
			delete(p.subs, id)
			p.subsMu.Unlock()
			close(ch)
		})
	}
}

func (p *Poller) publish(result PollResult) {
	if p.opts.OnResult != nil {
		p.opts.OnResult(result)
	}

	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- result:
		default:
		}
	}
}

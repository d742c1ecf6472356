// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/buildinfo"
)

var (
	ErrLoginFailed = errors.New("qBittorrent rejected the credentials")
	ErrIPBanned    = errors.New("qBittorrent has banned this client IP")
	ErrUnexpected  = errors.New("unexpected qBittorrent response")
)

type TransportConfig struct {
	Host          string
	Username      string
	Password      string
	BasicUser     string
	BasicPass     string
	TLSSkipVerify bool
	Timeout       time.Duration
}

// Transport speaks the raw WebUI API. The maindata endpoint is read here
// instead of through go-qbittorrent so that absent and empty collections
// stay distinguishable.
type Transport struct {
	cfg     TransportConfig
	baseURL *url.URL
	http    *retryablehttp.Client
	log     zerolog.Logger

	loginMu  sync.Mutex
	loggedIn bool
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.Host, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid qBittorrent host %q: %w", cfg.Host, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid qBittorrent host %q: missing scheme or host", cfg.Host)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not create cookie jar")
	}

	logger := log.With().Str("component", "transport").Str("host", base.Host).Logger()

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = retryLogger{logger: logger}
	client.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
		Jar:     jar,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}, //nolint:gosec // opt-in per instance
		},
	}

	return &Transport{
		cfg:     cfg,
		baseURL: base,
		http:    client,
		log:     logger,
	}, nil
}

func (t *Transport) endpoint(path string, query url.Values) string {
	u := t.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (t *Transport) newRequest(ctx context.Context, method, path string, query url.Values, form url.Values) (*retryablehttp.Request, error) {
	var body any
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, t.endpoint(path, query), body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not build request for %s", path)
	}

	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	// qBittorrent's CSRF protection compares Referer/Origin to the host
	req.Header.Set("Referer", t.baseURL.String())
	if t.cfg.BasicUser != "" {
		req.SetBasicAuth(t.cfg.BasicUser, t.cfg.BasicPass)
	}

	return req, nil
}

// Login authenticates and stores the session cookie. Transient failures are
// retried; rejected credentials and bans are returned immediately.
func (t *Transport) Login(ctx context.Context) error {
	t.loginMu.Lock()
	defer t.loginMu.Unlock()

	err := retry.Do(
		func() error { return t.login(ctx) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrLoginFailed) && !errors.Is(err, ErrIPBanned) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			t.log.Debug().Err(err).Uint("attempt", n+1).Msg("Retrying qBittorrent login")
		}),
	)
	t.loggedIn = err == nil
	return err
}

func (t *Transport) login(ctx context.Context) error {
	form := url.Values{
		"username": {t.cfg.Username},
		"password": {t.cfg.Password},
	}

	req, err := t.newRequest(ctx, http.MethodPost, "api/v2/auth/login", nil, form)
	if err != nil {
		return err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "login request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return ErrIPBanned
	default:
		return fmt.Errorf("%w: login returned status %d", ErrUnexpected, resp.StatusCode)
	}

	if strings.TrimSpace(string(body)) == "Fails." {
		return ErrLoginFailed
	}

	return nil
}

// MainData fetches the changes since rid. A 403 means the session expired;
// the transport logs in again and retries once.
func (t *Transport) MainData(ctx context.Context, rid int64) (*MainData, error) {
	t.loginMu.Lock()
	needLogin := !t.loggedIn
	t.loginMu.Unlock()

	if needLogin {
		if err := t.Login(ctx); err != nil {
			return nil, err
		}
	}

	data, status, err := t.fetchMainData(ctx, rid)
	if status == http.StatusForbidden {
		t.log.Debug().Msg("Session expired, logging in again")
		if err := t.Login(ctx); err != nil {
			return nil, err
		}
		data, _, err = t.fetchMainData(ctx, rid)
	}
	return data, err
}

func (t *Transport) fetchMainData(ctx context.Context, rid int64) (*MainData, int, error) {
	query := url.Values{"rid": {strconv.FormatInt(rid, 10)}}

	req, err := t.newRequest(ctx, http.MethodGet, "api/v2/sync/maindata", query, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "maindata request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("%w: maindata returned status %d", ErrUnexpected, resp.StatusCode)
	}

	data, err := DecodeMainData(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// ToggleSpeedLimitsMode flips the alternative speed limits.
func (t *Transport) ToggleSpeedLimitsMode(ctx context.Context) error {
	return t.post(ctx, "api/v2/transfer/toggleSpeedLimitsMode", url.Values{})
}

func (t *Transport) post(ctx context.Context, path string, form url.Values) error {
	req, err := t.newRequest(ctx, http.MethodPost, path, nil, form)
	if err != nil {
		return err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", path)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusForbidden {
		t.loginMu.Lock()
		t.loggedIn = false
		t.loginMu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrUnexpected, path, resp.StatusCode)
	}
	return nil
}

// retryLogger routes retryablehttp's leveled logging through zerolog.
type retryLogger struct {
	logger zerolog.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

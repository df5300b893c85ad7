// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost relays messages between Mattermost channels and the
// rest of the bridge.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/storage"
)

// ErrWebSocketClosed is returned by a listen pass when the server closes the
// event stream.
var ErrWebSocketClosed = errors.New("websocket event channel closed")

// stableConnection is how long a WebSocket must stay up before the reconnect
// backoff starts over.
const stableConnection = time.Minute

// EventSender hands inbound events to the relay. Tests inject a mock
// instead of a full broadcaster.
type EventSender interface {
	Broadcast(ctx context.Context, group *config.Group, evt relay.Event, origin relay.Source) error
}

// Options carries the shared relay resources a client needs.
type Options struct {
	Sender   EventSender
	IDs      *relay.IDAllocator
	Stager   *storage.Stager
	URLs     *storage.URLProvider
	InFlight *relay.InFlight
	Metrics  *relay.Metrics
	Cache    relay.CacheOptions
}

// Client is the Mattermost side of the relay. It listens for posts over the
// WebSocket API and applies relayed events through the REST API.
type Client struct {
	cfg      *config.Config
	sender   EventSender
	ids      *relay.IDAllocator
	stager   *storage.Stager
	urls     *storage.URLProvider
	inflight *relay.InFlight
	metrics  *relay.Metrics
	cache    *relay.CorrelationCache[string]
	limiter  *rate.Limiter

	api       *model.Client4
	userID    string
	serverURL string

	log zerolog.Logger
}

var (
	_ relay.Receiver   = (*Client)(nil)
	_ storage.Uploader = (*Client)(nil)
)

// NewClient creates a client for the configured server. Call Connect before
// Run.
func NewClient(cfg *config.Config, opts Options, log zerolog.Logger) *Client {
	api := model.NewAPIv4Client(cfg.Mattermost.ServerURL)
	api.SetToken(cfg.Mattermost.Token)

	c := &Client{
		cfg:       cfg,
		sender:    opts.Sender,
		ids:       opts.IDs,
		stager:    opts.Stager,
		urls:      opts.URLs,
		inflight:  opts.InFlight,
		metrics:   opts.Metrics,
		cache:     relay.NewCorrelationCache[string](relay.SourceMattermost, opts.Cache),
		limiter:   newLimiter(cfg.Mattermost.RateLimit),
		api:       api,
		serverURL: strings.TrimSuffix(cfg.Mattermost.ServerURL, "/"),
		log:       log.With().Str("component", "mm_client").Logger(),
	}
	if c.ids == nil {
		c.ids = relay.NewIDAllocator()
	}
	if c.inflight == nil {
		c.inflight = relay.NewInFlight()
	}
	return c
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Cache returns the client's correlation cache.
func (c *Client) Cache() *relay.CorrelationCache[string] {
	return c.cache
}

// Connect verifies the token and remembers the bot's own user ID for echo
// prevention.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Str("server_url", c.serverURL).Msg("Connecting to Mattermost")
	me, _, err := c.api.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	c.userID = me.Id
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// Run listens for WebSocket events until ctx is cancelled, reconnecting
// with exponential backoff when the connection drops.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	for {
		connectedAt := time.Now()
		err := c.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(connectedAt) > stableConnection {
			b.Reset()
		}
		delay := b.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("WebSocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) listen(ctx context.Context) error {
	wsURL := httpToWS(c.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.api.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	defer ws.Close()
	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ws.EventChannel:
			if !ok {
				return ErrWebSocketClosed
			}
			if evt == nil {
				continue
			}
			c.handleEvent(ctx, evt)
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// logger returns the logger carried by ctx, or the client's own when ctx
// has none.
func (c *Client) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &c.log
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix relays messages between Matrix rooms and the rest of the
// bridge.
package matrix

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/storage"
)

// stableSync is how long a sync loop must run before the restart backoff
// starts over.
const stableSync = time.Minute

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
	InFlight *relay.InFlight
	Metrics  *relay.Metrics
	Cache    relay.CacheOptions
}

// Client is the Matrix side of the relay. It follows rooms through /sync
// and applies relayed events through the client-server API.
type Client struct {
	cfg      *config.Config
	sender   EventSender
	ids      *relay.IDAllocator
	stager   *storage.Stager
	inflight *relay.InFlight
	metrics  *relay.Metrics
	cache    *relay.CorrelationCache[id.EventID]
	limiter  *rate.Limiter

	api       *mautrix.Client
	userID    id.UserID
	startedAt time.Time

	log zerolog.Logger
}

var _ relay.Receiver = (*Client)(nil)

// NewClient creates a client for the configured homeserver and registers
// its sync handlers. Call Connect before Run.
func NewClient(cfg *config.Config, opts Options, log zerolog.Logger) (*Client, error) {
	api, err := mautrix.NewClient(cfg.Matrix.HomeserverURL, cfg.Matrix.UserID, cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	c := &Client{
		cfg:       cfg,
		sender:    opts.Sender,
		ids:       opts.IDs,
		stager:    opts.Stager,
		inflight:  opts.InFlight,
		metrics:   opts.Metrics,
		cache:     relay.NewCorrelationCache[id.EventID](relay.SourceMatrix, opts.Cache),
		limiter:   newLimiter(cfg.Matrix.RateLimit),
		api:       api,
		userID:    cfg.Matrix.UserID,
		startedAt: time.Now(),
		log:       log.With().Str("component", "mx_client").Logger(),
	}
	if c.ids == nil {
		c.ids = relay.NewIDAllocator()
	}
	if c.inflight == nil {
		c.inflight = relay.NewInFlight()
	}
	api.Log = c.log

	syncer, ok := api.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, fmt.Errorf("unexpected syncer type %T", api.Syncer)
	}
	syncer.OnSync(api.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventRedaction, c.handleRedaction)
	return c, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Cache returns the client's correlation cache.
func (c *Client) Cache() *relay.CorrelationCache[id.EventID] {
	return c.cache
}

// Connect verifies the access token belongs to the configured user.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Str("homeserver", c.cfg.Matrix.HomeserverURL).Msg("Connecting to Matrix")
	resp, err := c.api.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", err)
	}
	if resp.UserID != c.userID {
		return fmt.Errorf("access token belongs to %s, not %s", resp.UserID, c.userID)
	}
	c.log.Info().Stringer("user_id", resp.UserID).Msg("Authenticated")
	return nil
}

// Run syncs until ctx is cancelled, restarting the sync loop with
// exponential backoff when it fails.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	for {
		startedAt := time.Now()
		err := c.api.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(startedAt) > stableSync {
			b.Reset()
		}
		delay := b.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("Sync failed, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// logger returns the logger carried by ctx, or the client's own when ctx
// has none.
func (c *Client) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &c.log
}

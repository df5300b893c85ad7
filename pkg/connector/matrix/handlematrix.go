// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/connector/matrixfmt"
	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/storage"
)

const (
	// relayedKey is set on every event the relay sends so that other relay
	// instances sharing the room skip it.
	relayedKey = "fi.mau.relaybridge.relayed"
	// spoilerKey marks media that should be hidden until clicked (MSC4193).
	spoilerKey = "page.codeberg.everypizza.msc4193.spoiler"
)

// skip applies echo prevention and the startup cutoff. It returns the
// group relaying the event's room, or nil to ignore the event.
func (c *Client) skip(evt *event.Event) *config.Group {
	// Echo prevention: skip own events.
	if evt.Sender == c.userID {
		return nil
	}
	// Echo prevention: skip events sent by any relay instance.
	if _, ok := evt.Content.Raw[relayedKey]; ok {
		c.log.Debug().Stringer("event_id", evt.ID).Msg("Skipping relayed event (echo prevention)")
		return nil
	}
	if evt.Timestamp < c.startedAt.UnixMilli() {
		return nil
	}
	group := c.cfg.GroupByMatrixRoom(evt.RoomID)
	if group == nil || group.Matrix.DisableInbound {
		return nil
	}
	return group
}

// begin registers an in-flight relay and detaches ctx from cancellation so
// relays started before shutdown can finish. The returned func must be
// called when the relay is done; ok is false if the client is draining.
func (c *Client) begin(ctx context.Context) (context.Context, func(), bool) {
	if !c.inflight.Begin() {
		return nil, nil, false
	}
	return context.WithoutCancel(ctx), c.inflight.End, true
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	group := c.skip(evt)
	if group == nil {
		return
	}
	ctx, done, ok := c.begin(ctx)
	if !ok {
		c.log.Debug().Stringer("event_id", evt.ID).Msg("Shutting down, dropping event")
		return
	}
	defer done()

	log := c.log.With().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Logger()
	content := evt.Content.AsMessage()

	if editTarget := content.RelatesTo.GetReplaceID(); editTarget != "" {
		c.handleEdit(ctx, log, group, editTarget, content)
		return
	}
	c.metrics.ObserveInbound(relay.SourceMatrix, "create")
	log.Debug().Msg("Received new message")

	msg, err := c.convertMessage(ctx, evt, content)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to convert message")
		return
	}
	defer msg.Release()

	c.cache.Record(msg.ID, evt.ID, msg.Author, "")
	if err := c.sender.Broadcast(ctx, group, relay.CreateEvent{Message: msg}, relay.SourceMatrix); err != nil {
		log.Warn().Err(err).Uint64("message_id", msg.ID).Msg("Failed to relay message")
	}
}

func (c *Client) handleEdit(ctx context.Context, log zerolog.Logger, group *config.Group, target id.EventID, content *event.MessageEventContent) {
	c.metrics.ObserveInbound(relay.SourceMatrix, "update")
	internalID, _, err := c.cache.MustResolveInternal(target)
	if err != nil {
		c.metrics.ObserveMiss(relay.SourceMatrix)
		log.Warn().Err(err).Msg("Not relaying edit")
		return
	}
	newContent := content.NewContent
	if newContent == nil {
		// Clients that omit m.new_content send the fallback body only.
		stripped := *content
		stripped.Body = strings.TrimPrefix(stripped.Body, "* ")
		stripped.FormattedBody = strings.TrimPrefix(stripped.FormattedBody, "* ")
		newContent = &stripped
	}
	update := relay.UpdateEvent{ID: internalID, Content: messageText(newContent)}
	if err := c.sender.Broadcast(ctx, group, update, relay.SourceMatrix); err != nil {
		log.Warn().Err(err).Msg("Failed to relay edit")
	}
}

func (c *Client) handleRedaction(ctx context.Context, evt *event.Event) {
	group := c.skip(evt)
	if group == nil {
		return
	}
	ctx, done, ok := c.begin(ctx)
	if !ok {
		return
	}
	defer done()
	c.metrics.ObserveInbound(relay.SourceMatrix, "delete")

	target := evt.Redacts
	if target == "" {
		target = evt.Content.AsRedaction().Redacts
	}
	internalID, _, err := c.cache.MustResolveInternal(target)
	if err != nil {
		c.metrics.ObserveMiss(relay.SourceMatrix)
		c.log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Not relaying redaction")
		return
	}
	if err := c.sender.Broadcast(ctx, group, relay.DeleteEvent{ID: internalID}, relay.SourceMatrix); err != nil {
		c.log.Warn().Err(err).Stringer("redacts", target).Msg("Failed to relay redaction")
	}
}

// messageText converts text message content to relay markdown. Emotes get
// a /me prefix.
func messageText(content *event.MessageEventContent) string {
	text := matrixfmt.Parse(content)
	if content.MsgType == event.MsgEmote {
		text = "/me " + text
	}
	return text
}

// convertMessage builds the relay form of a Matrix message. Media that
// cannot be downloaded is dropped with a warning.
func (c *Client) convertMessage(ctx context.Context, evt *event.Event, content *event.MessageEventContent) (*relay.Message, error) {
	author, err := c.fetchAuthor(ctx, evt.Sender)
	if err != nil {
		return nil, err
	}

	var text string
	var attachments []relay.Attachment
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text = messageText(content)
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		filename := content.GetFileName()
		if content.FileName != "" && content.Body != content.FileName {
			text = matrixfmt.Parse(content)
		}
		_, spoilered := evt.Content.Raw[spoilerKey]
		if att, err := c.fetchMedia(ctx, content, filename, spoilered); err != nil {
			c.log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Failed to fetch media")
		} else {
			attachments = append(attachments, att)
		}
	default:
		author.Avatar.Release()
		return nil, fmt.Errorf("unsupported message type %s", content.MsgType)
	}

	var inReplyTo *uint64
	var replyAuthor *relay.Author
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		if internalID, a, ok := c.cache.ResolveInternal(replyTo); ok {
			inReplyTo, replyAuthor = &internalID, a
		} else {
			c.metrics.ObserveMiss(relay.SourceMatrix)
			c.log.Debug().Stringer("reply_to", replyTo).Msg("Reply target not in cache, relaying without reply")
		}
	}

	return relay.NewMessage(c.ids, author, text, attachments, inReplyTo, replyAuthor), nil
}

func (c *Client) fetchAuthor(ctx context.Context, userID id.UserID) (*relay.Author, error) {
	author := &relay.Author{
		Username: strings.TrimPrefix(string(userID), "@"),
		Source:   relay.SourceMatrix,
	}
	profile, err := c.api.GetProfile(ctx, userID)
	if err != nil {
		// Profiles can be hidden; the user ID alone is enough to relay.
		c.log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to get profile")
		return author, nil
	}
	author.DisplayName = profile.DisplayName

	if c.cfg.Storage.FetchAvatars && c.stager != nil && !profile.AvatarURL.IsEmpty() {
		avatar, err := c.download(ctx, profile.AvatarURL, userID.Localpart()+".png")
		if err != nil {
			c.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to fetch avatar")
		} else {
			author.Avatar = avatar
		}
	}
	return author, nil
}

func (c *Client) fetchMedia(ctx context.Context, content *event.MessageEventContent, filename string, spoilered bool) (relay.Attachment, error) {
	if c.stager == nil {
		return relay.Attachment{}, fmt.Errorf("no staging directory configured")
	}
	if content.File != nil {
		return relay.Attachment{}, fmt.Errorf("encrypted media is not supported")
	}
	uri, err := content.URL.Parse()
	if err != nil {
		return relay.Attachment{}, fmt.Errorf("invalid media URL %q: %w", content.URL, err)
	}
	f, err := c.download(ctx, uri, filename)
	if err != nil {
		return relay.Attachment{}, err
	}
	return relay.Attachment{File: f, Filename: filename, Spoilered: spoilered}, nil
}

func (c *Client) download(ctx context.Context, uri id.ContentURI, filename string) (*storage.File, error) {
	resp, err := c.api.Download(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	defer resp.Body.Close()
	return c.stager.Stage(ctx, filename, resp.Body)
}

// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/relay"
)

// relayedProp is set on every post the relay creates so that other relay
// instances sharing the server skip it.
const relayedProp = "relaybridge_relayed"

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (c *Client) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted, model.WebsocketEventPostEdited, model.WebsocketEventPostDeleted:
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}

	if !c.inflight.Begin() {
		c.log.Debug().Str("event_type", string(evt.EventType())).Msg("Shutting down, dropping event")
		return
	}
	defer c.inflight.End()
	// Relays started before shutdown are allowed to finish.
	ctx = context.WithoutCancel(ctx)

	switch evt.EventType() {
	case model.WebsocketEventPosted:
		c.handlePosted(ctx, evt)
	case model.WebsocketEventPostEdited:
		c.handlePostEdited(ctx, evt)
	case model.WebsocketEventPostDeleted:
		c.handlePostDeleted(ctx, evt)
	}
}

// parsePostEvent extracts a post from a WebSocket event, applying all echo
// prevention layers. Returns (nil, nil) to skip silently, (nil, err) to log
// an error, or (post, nil) to proceed.
func (c *Client) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts.
	if post.UserId == c.userID {
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Echo prevention: skip posts created by any relay instance.
	if post.GetProp(relayedProp) != nil {
		c.log.Debug().Str("post_id", post.Id).Msg("Skipping relayed post (echo prevention)")
		return nil, nil
	}

	// Echo prevention: skip posts from usernames matching known bridge patterns.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, c.cfg.Mattermost.BotPrefix) {
		c.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

// inboundGroup returns the group relaying channelID, or nil if the channel
// is not relayed or its inbound direction is disabled.
func (c *Client) inboundGroup(channelID string) *config.Group {
	group := c.cfg.GroupByMattermostChannel(channelID)
	if group == nil || group.Mattermost.DisableInbound {
		return nil
	}
	return group
}

func (c *Client) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := c.parsePostEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}
	group := c.inboundGroup(post.ChannelId)
	if group == nil {
		return
	}
	c.metrics.ObserveInbound(relay.SourceMattermost, "create")

	log := c.log.With().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Logger()
	log.Debug().Msg("Received new message")

	msg, err := c.convertPost(ctx, post)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to convert post")
		return
	}
	defer msg.Release()

	c.cache.Record(msg.ID, post.Id, msg.Author, "")
	if err := c.sender.Broadcast(ctx, group, relay.CreateEvent{Message: msg}, relay.SourceMattermost); err != nil {
		log.Warn().Err(err).Uint64("message_id", msg.ID).Msg("Failed to relay message")
	}
}

func (c *Client) handlePostEdited(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := c.parsePostEvent(evt)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to parse post edited event")
		return
	}
	if post == nil {
		return
	}
	group := c.inboundGroup(post.ChannelId)
	if group == nil {
		return
	}
	c.metrics.ObserveInbound(relay.SourceMattermost, "update")

	internalID, _, err := c.cache.MustResolveInternal(post.Id)
	if err != nil {
		c.metrics.ObserveMiss(relay.SourceMattermost)
		c.log.Warn().Err(err).Str("post_id", post.Id).Msg("Not relaying edit")
		return
	}
	evtUpdate := relay.UpdateEvent{ID: internalID, Content: post.Message}
	if err := c.sender.Broadcast(ctx, group, evtUpdate, relay.SourceMattermost); err != nil {
		c.log.Warn().Err(err).Str("post_id", post.Id).Msg("Failed to relay edit")
	}
}

func (c *Client) handlePostDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := c.parsePostEvent(evt)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to parse post deleted event")
		return
	}
	if post == nil {
		return
	}
	group := c.inboundGroup(post.ChannelId)
	if group == nil {
		return
	}
	c.metrics.ObserveInbound(relay.SourceMattermost, "delete")

	internalID, _, err := c.cache.MustResolveInternal(post.Id)
	if err != nil {
		c.metrics.ObserveMiss(relay.SourceMattermost)
		c.log.Warn().Err(err).Str("post_id", post.Id).Msg("Not relaying delete")
		return
	}
	if err := c.sender.Broadcast(ctx, group, relay.DeleteEvent{ID: internalID}, relay.SourceMattermost); err != nil {
		c.log.Warn().Err(err).Str("post_id", post.Id).Msg("Failed to relay delete")
	}
}

// convertPost builds the relay form of a Mattermost post. Attachments that
// cannot be fetched are skipped.
func (c *Client) convertPost(ctx context.Context, post *model.Post) (*relay.Message, error) {
	author, err := c.fetchAuthor(ctx, post.UserId)
	if err != nil {
		return nil, err
	}

	var inReplyTo *uint64
	var replyAuthor *relay.Author
	if post.RootId != "" {
		if id, a, ok := c.cache.ResolveInternal(post.RootId); ok {
			inReplyTo, replyAuthor = &id, a
		} else {
			c.metrics.ObserveMiss(relay.SourceMattermost)
			c.log.Debug().Str("root_id", post.RootId).Msg("Reply target not in cache, relaying without reply")
		}
	}

	return relay.NewMessage(c.ids, author, post.Message, c.fetchAttachments(ctx, post.FileIds), inReplyTo, replyAuthor), nil
}

func (c *Client) fetchAuthor(ctx context.Context, userID string) (*relay.Author, error) {
	user, _, err := c.api.GetUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	displayName := c.cfg.Mattermost.FormatDisplayname(config.DisplaynameParams{
		Username:  user.Username,
		Nickname:  user.Nickname,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
	if displayName == user.Username {
		displayName = ""
	}
	author := &relay.Author{
		Username:    user.Username,
		DisplayName: displayName,
		Source:      relay.SourceMattermost,
	}

	if c.cfg.Storage.FetchAvatars && c.stager != nil {
		data, _, err := c.api.GetProfileImage(ctx, userID, "")
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to fetch avatar")
			return author, nil
		}
		author.Avatar, err = c.stager.Stage(ctx, userID+".png", bytes.NewReader(data))
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to stage avatar")
		}
	}
	return author, nil
}

func (c *Client) fetchAttachments(ctx context.Context, fileIDs []string) []relay.Attachment {
	if c.stager == nil {
		return nil
	}
	var attachments []relay.Attachment
	for _, fileID := range fileIDs {
		log := c.log.With().Str("file_id", fileID).Logger()
		info, _, err := c.api.GetFileInfo(ctx, fileID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to get file info")
			continue
		}
		data, _, err := c.api.GetFile(ctx, fileID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to download file")
			continue
		}
		name, spoilered := ParseSpoilerFilename(info.Name)
		f, err := c.stager.Stage(ctx, name, bytes.NewReader(data))
		if err != nil {
			log.Error().Err(err).Msg("Failed to stage file")
			continue
		}
		attachments = append(attachments, relay.Attachment{File: f, Filename: name, Spoilered: spoilered})
	}
	return attachments
}

// isBridgeUsername returns true if the username belongs to a relay bot that
// should never be relayed. It checks against the default bot username and
// an optional configurable prefix.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "relaybridge":
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

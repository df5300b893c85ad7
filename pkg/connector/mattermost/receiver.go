// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/storage"
)

// Post props understood by the Mattermost webapp.
const (
	propOverrideUsername = "override_username"
	propOverrideIconURL  = "override_icon_url"
	propFromWebhook      = "from_webhook"
)

// overrideUsernameMax is the longest override_username the webapp shows in full.
const overrideUsernameMax = 64

// Source implements relay.Receiver.
func (c *Client) Source() relay.Source {
	return relay.SourceMattermost
}

// Receive implements relay.Receiver.
func (c *Client) Receive(ctx context.Context, group *config.Group, evt relay.Event) error {
	if group.Mattermost == nil || group.Mattermost.DisableOutbound {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	switch evt := evt.(type) {
	case relay.CreateEvent:
		return c.receiveCreate(ctx, group.Mattermost.ChannelID, evt.Message)
	case relay.UpdateEvent:
		return c.receiveUpdate(ctx, evt)
	case relay.DeleteEvent:
		return c.receiveDelete(ctx, evt)
	default:
		return fmt.Errorf("unsupported event %T", evt)
	}
}

func (c *Client) receiveCreate(ctx context.Context, channelID string, msg *relay.Message) error {
	header, rootID := c.replyHeader(ctx, msg)

	post := &model.Post{ChannelId: channelID, RootId: rootID}
	post.AddProp(relayedProp, true)
	if c.cfg.Mattermost.UseOverrideUsername {
		post.AddProp(propFromWebhook, "true")
		post.AddProp(propOverrideUsername, msg.Author.FullName(overrideUsernameMax))
		if iconURL := c.avatarURL(ctx, msg.Author); iconURL != "" {
			post.AddProp(propOverrideIconURL, iconURL)
		}
	} else {
		header = "**" + msg.Author.FullName(0) + "**\n" + header
	}
	post.Message = header + msg.Content

	for _, att := range msg.Attachments {
		fileID, err := c.uploadAttachment(ctx, channelID, att)
		if err != nil {
			return err
		}
		post.FileIds = append(post.FileIds, fileID)
	}

	created, _, err := c.api.CreatePost(ctx, post)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	c.cache.Record(msg.ID, created.Id, msg.Author, header)
	c.logger(ctx).Debug().
		Uint64("message_id", msg.ID).
		Str("post_id", created.Id).
		Str("channel_id", channelID).
		Msg("Relayed message")
	return nil
}

// replyHeader renders the "In reply to" line and finds the thread the reply
// belongs in. A reply target missing from the cache yields no header.
func (c *Client) replyHeader(ctx context.Context, msg *relay.Message) (header, rootID string) {
	if msg.InReplyTo == nil {
		return "", ""
	}
	postID, _, ok := c.cache.ResolvePlatform(*msg.InReplyTo)
	if !ok {
		c.metrics.ObserveMiss(relay.SourceMattermost)
		c.logger(ctx).Debug().Uint64("reply_to", *msg.InReplyTo).Msg("Reply target not in cache")
		return "", ""
	}

	rootID = postID
	if target, _, err := c.api.GetPost(ctx, postID, ""); err != nil {
		c.logger(ctx).Warn().Err(err).Str("post_id", postID).Msg("Failed to get reply target")
	} else if target.RootId != "" {
		rootID = target.RootId
	}
	header = fmt.Sprintf("*In reply to **%s** (%s)*\n", replyName(msg.ReplyAuthor), Permalink(c.serverURL, postID))
	return header, rootID
}

func replyName(a *relay.Author) string {
	switch {
	case a == nil:
		return "???"
	case a.Source == relay.SourceMattermost:
		return "@" + a.Username
	default:
		return a.FullName(0)
	}
}

func (c *Client) avatarURL(ctx context.Context, a *relay.Author) string {
	if a == nil || a.Avatar == nil || c.urls == nil {
		return ""
	}
	url, err := c.urls.GetURL(ctx, a.Avatar)
	if err != nil {
		if !errors.Is(err, storage.ErrNoUploader) {
			c.logger(ctx).Warn().Err(err).Str("username", a.Username).Msg("Failed to publish avatar")
		}
		return ""
	}
	return url
}

func (c *Client) uploadAttachment(ctx context.Context, channelID string, att relay.Attachment) (string, error) {
	data, err := att.File.ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to read staged attachment %s: %w", att.Filename, err)
	}
	name := att.Filename
	if att.Spoilered {
		name = SpoilerFilename(name)
	}
	resp, _, err := c.api.UploadFile(ctx, data, channelID, name)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	if len(resp.FileInfos) == 0 {
		return "", fmt.Errorf("upload of %s returned no file", name)
	}
	return resp.FileInfos[0].Id, nil
}

func (c *Client) receiveUpdate(ctx context.Context, evt relay.UpdateEvent) error {
	postID, header, err := c.cache.MustResolvePlatform(evt.ID)
	if err != nil {
		c.metrics.ObserveMiss(relay.SourceMattermost)
		return err
	}
	message := header + evt.Content
	if _, _, err := c.api.PatchPost(ctx, postID, &model.PostPatch{Message: &message}); err != nil {
		return fmt.Errorf("failed to edit post %s: %w", postID, err)
	}
	return nil
}

func (c *Client) receiveDelete(ctx context.Context, evt relay.DeleteEvent) error {
	postID, _, err := c.cache.MustResolvePlatform(evt.ID)
	if err != nil {
		c.metrics.ObserveMiss(relay.SourceMattermost)
		return err
	}
	if _, err := c.api.DeletePost(ctx, postID); err != nil {
		return fmt.Errorf("failed to delete post %s: %w", postID, err)
	}
	return nil
}

// UploadPublic implements storage.Uploader by uploading to the avatar
// channel and returning the file's public link.
func (c *Client) UploadPublic(ctx context.Context, f *storage.File) (string, error) {
	channelID := c.cfg.Mattermost.AvatarChannelID
	if channelID == "" {
		return "", storage.ErrNoUploader
	}
	data, err := f.ReadAll()
	if err != nil {
		return "", err
	}
	resp, _, err := c.api.UploadFile(ctx, data, channelID, f.Name)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", f.Name, err)
	}
	if len(resp.FileInfos) == 0 {
		return "", fmt.Errorf("upload of %s returned no file", f.Name)
	}
	link, _, err := c.api.GetFileLink(ctx, resp.FileInfos[0].Id)
	if err != nil {
		return "", fmt.Errorf("failed to get public link: %w", err)
	}
	return link, nil
}

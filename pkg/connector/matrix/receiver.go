// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/relay"
)

// Source implements relay.Receiver.
func (c *Client) Source() relay.Source {
	return relay.SourceMatrix
}

// Receive implements relay.Receiver.
func (c *Client) Receive(ctx context.Context, group *config.Group, evt relay.Event) error {
	if group.Matrix == nil || group.Matrix.DisableOutbound {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	roomID := group.Matrix.RoomID
	switch evt := evt.(type) {
	case relay.CreateEvent:
		return c.receiveCreate(ctx, roomID, evt.Message)
	case relay.UpdateEvent:
		return c.receiveUpdate(ctx, roomID, evt)
	case relay.DeleteEvent:
		return c.receiveDelete(ctx, roomID, evt)
	default:
		return fmt.Errorf("unsupported event %T", evt)
	}
}

// send posts a message event carrying the relayed marker and any extra
// top-level keys.
func (c *Client) send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, extra map[string]any) (id.EventID, error) {
	raw := map[string]any{relayedKey: true}
	for k, v := range extra {
		raw[k] = v
	}
	resp, err := c.api.SendMessageEvent(ctx, roomID, event.EventMessage, &event.Content{Parsed: content, Raw: raw})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) receiveCreate(ctx context.Context, roomID id.RoomID, msg *relay.Message) error {
	header := "**" + msg.Author.FullName(0) + "**\n"
	content := renderContent(header + msg.Content)
	if msg.InReplyTo != nil {
		if target, _, ok := c.cache.ResolvePlatform(*msg.InReplyTo); ok {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: target}}
		} else {
			c.metrics.ObserveMiss(relay.SourceMatrix)
			c.logger(ctx).Debug().Uint64("reply_to", *msg.InReplyTo).Msg("Reply target not in cache")
		}
	}

	eventID, err := c.send(ctx, roomID, content, nil)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.cache.Record(msg.ID, eventID, msg.Author, header)

	for _, att := range msg.Attachments {
		mediaID, err := c.sendAttachment(ctx, roomID, att)
		if err != nil {
			return err
		}
		c.cache.RecordAlias(msg.ID, mediaID)
	}
	c.logger(ctx).Debug().
		Uint64("message_id", msg.ID).
		Stringer("event_id", eventID).
		Stringer("room_id", roomID).
		Int("attachments", len(msg.Attachments)).
		Msg("Relayed message")
	return nil
}

func (c *Client) sendAttachment(ctx context.Context, roomID id.RoomID, att relay.Attachment) (id.EventID, error) {
	f, err := att.File.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open staged attachment %s: %w", att.Filename, err)
	}
	defer f.Close()

	upload, err := c.api.UploadMedia(ctx, mautrix.ReqUploadMedia{
		Content:       f,
		ContentLength: att.File.Size,
		ContentType:   att.File.MIME,
		FileName:      att.Filename,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", att.Filename, err)
	}

	content := &event.MessageEventContent{
		MsgType:  mediaMsgType(att.File.MIME),
		Body:     att.Filename,
		FileName: att.Filename,
		URL:      upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: att.File.MIME,
			Size:     int(att.File.Size),
		},
	}
	var extra map[string]any
	if att.Spoilered {
		extra = map[string]any{spoilerKey: map[string]any{}}
	}
	eventID, err := c.send(ctx, roomID, content, extra)
	if err != nil {
		return "", fmt.Errorf("failed to send %s: %w", att.Filename, err)
	}
	return eventID, nil
}

func (c *Client) receiveUpdate(ctx context.Context, roomID id.RoomID, evt relay.UpdateEvent) error {
	target, header, err := c.cache.MustResolvePlatform(evt.ID)
	if err != nil {
		c.metrics.ObserveMiss(relay.SourceMatrix)
		return err
	}
	if _, err := c.send(ctx, roomID, editContent(target, renderContent(header+evt.Content)), nil); err != nil {
		return fmt.Errorf("failed to edit %s: %w", target, err)
	}
	return nil
}

// receiveDelete redacts the text event and every media event sent for the
// message.
func (c *Client) receiveDelete(ctx context.Context, roomID id.RoomID, evt relay.DeleteEvent) error {
	targets, ok := c.cache.ResolveAll(evt.ID)
	if !ok {
		c.metrics.ObserveMiss(relay.SourceMatrix)
		return &relay.CorrelationMissError{Source: relay.SourceMatrix, InternalID: evt.ID}
	}
	for _, target := range targets {
		if _, err := c.api.RedactEvent(ctx, roomID, target); err != nil {
			return fmt.Errorf("failed to redact %s: %w", target, err)
		}
	}
	return nil
}

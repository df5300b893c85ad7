// Copyright 2024-2026 Aiku AI

package matrix

import (
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/entities"
)

// renderContent converts relay markdown to a Matrix text message. HTML is
// only attached when the text carries formatting.
func renderContent(text string) *event.MessageEventContent {
	t := entities.Convert(text)
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    t.String(),
	}
	if len(t.Spans) > 0 {
		content.Format = event.FormatHTML
		content.FormattedBody = entities.RenderHTML(t)
	}
	return content
}

// editContent wraps content as an m.replace edit of target, with the
// conventional "* " fallback for clients that do not support edits.
func editContent(target id.EventID, content *event.MessageEventContent) *event.MessageEventContent {
	edit := &event.MessageEventContent{
		MsgType:    content.MsgType,
		Body:       "* " + content.Body,
		NewContent: content,
		RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: target},
	}
	if content.Format == event.FormatHTML {
		edit.Format = event.FormatHTML
		edit.FormattedBody = "* " + content.FormattedBody
	}
	return edit
}

// mediaMsgType picks the message type for a file from its MIME type.
func mediaMsgType(mime string) event.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mime, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mime, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"sync"
	"unicode/utf16"

	"github.com/aiku/relaybridge/pkg/storage"
)

// Source identifies the chat platform a message or receiver belongs to.
type Source int

const (
	SourceUnknown Source = iota
	SourceMattermost
	SourceMatrix
)

// Sources lists every known platform in registration order.
var Sources = []Source{SourceMattermost, SourceMatrix}

// Tag returns the short platform tag used in rendered author names.
func (s Source) Tag() string {
	switch s {
	case SourceMattermost:
		return "mm"
	case SourceMatrix:
		return "mx"
	default:
		return "??"
	}
}

func (s Source) String() string {
	switch s {
	case SourceMattermost:
		return "mattermost"
	case SourceMatrix:
		return "matrix"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid reports whether s is one of the known platforms.
func (s Source) Valid() bool {
	return s == SourceMattermost || s == SourceMatrix
}

// Author is an immutable snapshot of a message sender. Snapshots are shared
// by pointer between messages, caches and reply headers and must not be
// mutated after construction.
type Author struct {
	Username    string
	DisplayName string
	Source      Source
	Avatar      *storage.File
}

// FullName renders the author as "Display Name (@tag/username)". If the
// combined string is longer than maxLen UTF-16 units it falls back to the
// display name alone, and to the username if that is still too long. A
// maxLen of 0 disables truncation.
func (a *Author) FullName(maxLen int) string {
	if a == nil {
		return ""
	}
	if a.DisplayName == "" {
		return a.Username
	}
	combined := fmt.Sprintf("%s (@%s/%s)", a.DisplayName, a.Source.Tag(), a.Username)
	if maxLen == 0 || utf16Len(combined) <= maxLen {
		return combined
	}
	if utf16Len(a.DisplayName) <= maxLen {
		return a.DisplayName
	}
	return a.Username
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Attachment is a file attached to a message, already staged on local disk.
type Attachment struct {
	File      *storage.File
	Filename  string
	Spoilered bool
}

// Message is the platform-agnostic form of a chat message. It is immutable
// after construction.
type Message struct {
	ID          uint64
	Author      *Author
	Content     string
	Attachments []Attachment
	InReplyTo   *uint64
	ReplyAuthor *Author
}

// NewMessage builds a message with a fresh internal ID taken from ids.
func NewMessage(ids *IDAllocator, author *Author, content string, attachments []Attachment, inReplyTo *uint64, replyAuthor *Author) *Message {
	return &Message{
		ID:          ids.Next(),
		Author:      author,
		Content:     content,
		Attachments: attachments,
		InReplyTo:   inReplyTo,
		ReplyAuthor: replyAuthor,
	}
}

// Release drops the message's references to its staged files.
func (m *Message) Release() {
	for _, att := range m.Attachments {
		att.File.Release()
	}
	if m.Author != nil {
		m.Author.Avatar.Release()
	}
}

// IDAllocator hands out internal message IDs. IDs start at 1 and are
// strictly increasing.
type IDAllocator struct {
	mu   sync.Mutex
	last uint64
}

// NewIDAllocator returns an allocator whose first ID is 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Next returns the next internal ID.
func (a *IDAllocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last++
	return a.last
}

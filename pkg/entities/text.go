// Copyright 2024-2026 Aiku AI

package entities

import (
	"unicode/utf16"
)

// SpanKind is the kind of formatting a span applies.
type SpanKind int

const (
	Bold SpanKind = iota + 1
	Italic
	Underline
	Strikethrough
	Code
	Pre
	Quote
	TextLink
	Spoiler
)

var spanKindNames = map[SpanKind]string{
	Bold:          "bold",
	Italic:        "italic",
	Underline:     "underline",
	Strikethrough: "strikethrough",
	Code:          "code",
	Pre:           "pre",
	Quote:         "quote",
	TextLink:      "text_link",
	Spoiler:       "spoiler",
}

func (k SpanKind) String() string {
	if name, ok := spanKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Span is a formatting range over a Text. Offset and Length count UTF-16
// code units.
type Span struct {
	Kind   SpanKind
	Offset int
	Length int
	// URL is set for TextLink spans.
	URL string
	// Language is the fence info of Pre spans, if any.
	Language string
}

// End returns the offset just past the span.
func (s Span) End() int {
	return s.Offset + s.Length
}

// Text is plain text with formatting spans. Span order carries no meaning.
type Text struct {
	UTF16 []uint16
	Spans []Span
}

// String decodes the text to a Go string.
func (t Text) String() string {
	return string(utf16.Decode(t.UTF16))
}

// Len returns the text length in UTF-16 code units.
func (t Text) Len() int {
	return len(t.UTF16)
}

// Slice returns the substring covered by s.
func (t Text) Slice(s Span) string {
	if s.Offset < 0 || s.End() > len(t.UTF16) || s.Length < 0 {
		return ""
	}
	return string(utf16.Decode(t.UTF16[s.Offset:s.End()]))
}

func (t *Text) appendString(s string) {
	for _, r := range s {
		t.UTF16 = utf16.AppendRune(t.UTF16, r)
	}
}

func (t *Text) endsWith(r rune) bool {
	return len(t.UTF16) > 0 && rune(t.UTF16[len(t.UTF16)-1]) == r
}

// join appends other, shifting its spans past the text accumulated so far.
func (t *Text) join(other Text) {
	shift := len(t.UTF16)
	for _, s := range other.Spans {
		s.Offset += shift
		t.Spans = append(t.Spans, s)
	}
	t.UTF16 = append(t.UTF16, other.UTF16...)
}

// wrap prepends a span covering the whole text. Empty texts get no span.
func (t Text) wrap(s Span) Text {
	if len(t.UTF16) == 0 {
		return t
	}
	s.Offset = 0
	s.Length = len(t.UTF16)
	t.Spans = append([]Span{s}, t.Spans...)
	return t
}

func plain(s string) Text {
	var t Text
	t.appendString(s)
	return t
}

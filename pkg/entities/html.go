// Copyright 2024-2026 Aiku AI

package entities

import (
	"html"
	"net/url"
	"sort"
	"strings"
	"unicode/utf16"
)

var safeSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"mailto": true,
}

// IsSafeURL reports whether a link target may be rendered as a hyperlink.
func IsSafeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return safeSchemes[strings.ToLower(u.Scheme)]
}

func openTag(s Span) string {
	switch s.Kind {
	case Bold:
		return "<strong>"
	case Italic:
		return "<em>"
	case Underline:
		return "<u>"
	case Strikethrough:
		return "<del>"
	case Code:
		return "<code>"
	case Pre:
		if s.Language != "" {
			return `<pre><code class="language-` + html.EscapeString(s.Language) + `">`
		}
		return "<pre><code>"
	case Quote:
		return "<blockquote>"
	case TextLink:
		if !IsSafeURL(s.URL) {
			return ""
		}
		return `<a href="` + html.EscapeString(s.URL) + `">`
	case Spoiler:
		return "<span data-mx-spoiler>"
	default:
		return ""
	}
}

func closeTag(s Span) string {
	switch s.Kind {
	case Bold:
		return "</strong>"
	case Italic:
		return "</em>"
	case Underline:
		return "</u>"
	case Strikethrough:
		return "</del>"
	case Code:
		return "</code>"
	case Pre:
		return "</code></pre>"
	case Quote:
		return "</blockquote>"
	case TextLink:
		if !IsSafeURL(s.URL) {
			return ""
		}
		return "</a>"
	case Spoiler:
		return "</span>"
	default:
		return ""
	}
}

// RenderHTML renders t as Matrix formatted_body HTML. Text is escaped and
// line breaks outside code blocks become <br/>. Spans that cross each other
// are split so the output is always well nested.
func RenderHTML(t Text) string {
	spans := make([]Span, 0, len(t.Spans))
	for _, s := range t.Spans {
		if s.Length > 0 && s.Offset >= 0 && s.End() <= len(t.UTF16) {
			spans = append(spans, s)
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Offset != spans[j].Offset {
			return spans[i].Offset < spans[j].Offset
		}
		return spans[i].Length > spans[j].Length
	})

	var sb strings.Builder
	var stack []Span
	preDepth := 0
	next := 0

	closeTop := func() Span {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sb.WriteString(closeTag(top))
		if top.Kind == Pre {
			preDepth--
		}
		return top
	}
	open := func(s Span) {
		sb.WriteString(openTag(s))
		if s.Kind == Pre {
			preDepth++
		}
		stack = append(stack, s)
	}

	for pos := 0; pos <= len(t.UTF16); {
		// Close spans ending here, reopening any inner span that continues.
		var reopen []Span
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].End() > pos {
				continue
			}
			for len(stack) > i {
				top := closeTop()
				if top.End() > pos {
					reopen = append(reopen, top)
				}
			}
		}
		for i := len(reopen) - 1; i >= 0; i-- {
			open(reopen[i])
		}
		for next < len(spans) && spans[next].Offset == pos {
			open(spans[next])
			next++
		}
		if pos == len(t.UTF16) {
			break
		}

		end := len(t.UTF16)
		for _, s := range stack {
			end = min(end, s.End())
		}
		if next < len(spans) {
			end = min(end, spans[next].Offset)
		}
		writeText(&sb, string(utf16.Decode(t.UTF16[pos:end])), preDepth > 0)
		pos = end
	}
	for len(stack) > 0 {
		closeTop()
	}
	return sb.String()
}

func writeText(sb *strings.Builder, s string, pre bool) {
	escaped := html.EscapeString(s)
	if pre {
		sb.WriteString(escaped)
		return
	}
	sb.WriteString(strings.ReplaceAll(escaped, "\n", "<br/>"))
}

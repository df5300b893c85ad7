// Copyright 2024-2026 Aiku AI

// Package entities converts the relay's markdown dialect into plain text
// with formatting spans measured in UTF-16 code units, and renders such
// text back into Matrix HTML.
//
// The dialect is CommonMark plus ~~strikethrough~~, __underline__ and
// ||spoiler||. Single underscores remain italic.
package entities

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// SpoilerURL is the pseudo-URL spoilers are rewritten to before parsing.
const SpoilerURL = "x-relaybridge:spoiler"

var spoilerRe = regexp.MustCompile(`\|\|(.+?)\|\|`)

// labelEscaper keeps brackets in spoiler text from closing the link label.
var labelEscaper = strings.NewReplacer("[", `\[`, "]", `\]`)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.Strikethrough,
		extension.Linkify,
		UnderlineExtension,
	),
)

// Convert parses content and renders it to text with spans. It never fails:
// constructs outside the dialect render as a placeholder.
func Convert(content string) Text {
	if content == "" {
		return Text{}
	}
	source := []byte(spoilerRe.ReplaceAllStringFunc(content, func(match string) string {
		inner := spoilerRe.FindStringSubmatch(match)[1]
		return "[" + labelEscaper.Replace(inner) + "](" + SpoilerURL + ")"
	}))
	doc := markdown.Parser().Parse(text.NewReader(source))
	r := &renderer{source: source}
	return r.render(doc)
}

type renderer struct {
	source []byte
}

func (r *renderer) children(n ast.Node) Text {
	var out Text
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		out.join(r.render(c))
	}
	return out
}

// blocks renders block children, separating each from the next.
func (r *renderer) blocks(n ast.Node) Text {
	var out Text
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		out.join(r.render(c))
		if c.NextSibling() == nil {
			break
		}
		switch c.Kind() {
		case ast.KindList, ast.KindTextBlock:
			out.appendString("\n")
		default:
			out.appendString("\n\n")
		}
	}
	return out
}

func (r *renderer) render(n ast.Node) Text {
	switch n := n.(type) {
	case *ast.Document, *ast.Blockquote, *ast.ListItem:
		inner := r.blocks(n)
		if _, ok := n.(*ast.Blockquote); ok {
			return inner.wrap(Span{Kind: Quote})
		}
		return inner
	case *ast.Paragraph, *ast.TextBlock:
		return r.children(n)
	case *ast.Heading:
		out := plain(strings.Repeat("#", n.Level) + " ")
		out.join(r.children(n))
		return out.wrap(Span{Kind: Bold})
	case *ast.List:
		return r.list(n)
	case *ast.Text:
		out := plain(r.inlineText(n.Segment.Value(r.source)))
		if n.SoftLineBreak() || n.HardLineBreak() {
			out.appendString("\n")
		}
		return out
	case *ast.String:
		if n.IsCode() {
			return plain(string(n.Value))
		}
		return plain(r.inlineText(n.Value))
	case *ast.Emphasis:
		kind := Italic
		if n.Level == 2 {
			kind = Bold
		}
		return r.children(n).wrap(Span{Kind: kind})
	case *UnderlineNode:
		return r.children(n).wrap(Span{Kind: Underline})
	case *east.Strikethrough:
		return r.children(n).wrap(Span{Kind: Strikethrough})
	case *ast.CodeSpan:
		return plain(r.codeSpan(n)).wrap(Span{Kind: Code})
	case *ast.FencedCodeBlock:
		return plain(r.lines(n)).wrap(Span{Kind: Pre, Language: string(n.Language(r.source))})
	case *ast.CodeBlock:
		return plain(r.lines(n)).wrap(Span{Kind: Pre})
	case *ast.Link:
		return r.link(r.children(n), string(n.Destination))
	case *ast.AutoLink:
		url := string(n.URL(r.source))
		if n.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(strings.ToLower(url), "mailto:") {
			url = "mailto:" + url
		}
		return plain(string(n.Label(r.source))).wrap(Span{Kind: TextLink, URL: url})
	case *ast.Image:
		return r.link(r.children(n), string(n.Destination))
	case *ast.RawHTML:
		var sb strings.Builder
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			sb.Write(seg.Value(r.source))
		}
		return plain(sb.String())
	case *ast.HTMLBlock:
		out := plain(strings.TrimSuffix(r.lines(n), "\n"))
		if n.HasClosure() {
			out.appendString(string(n.ClosureLine.Value(r.source)))
		}
		return out
	default:
		return plain(fmt.Sprintf("[unsupported: %s]", n.Kind()))
	}
}

func (r *renderer) list(n *ast.List) Text {
	var out Text
	number := n.Start
	for item := n.FirstChild(); item != nil; item = item.NextSibling() {
		if n.IsOrdered() {
			out.appendString(strconv.Itoa(number) + ". ")
			number++
		} else {
			out.appendString("• ")
		}
		rendered := r.render(item)
		out.join(rendered)
		if !rendered.endsWith('\n') {
			out.appendString("\n")
		}
	}
	return out
}

func (r *renderer) link(label Text, dest string) Text {
	if dest == SpoilerURL {
		return label.wrap(Span{Kind: Spoiler})
	}
	return label.wrap(Span{Kind: TextLink, URL: dest})
}

func (r *renderer) codeSpan(n *ast.CodeSpan) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			v := c.Segment.Value(r.source)
			if len(v) > 0 && v[len(v)-1] == '\n' {
				v = append(v[:len(v)-1:len(v)-1], ' ')
			}
			sb.Write(v)
		case *ast.String:
			sb.Write(c.Value)
		}
	}
	return sb.String()
}

func (r *renderer) lines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(r.source))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func (r *renderer) inlineText(v []byte) string {
	return string(util.UnescapePunctuations(util.ResolveNumericReferences(util.ResolveEntityNames(v))))
}

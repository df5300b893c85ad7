// Copyright 2024-2026 Aiku AI

package entities

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// KindUnderline is the node kind of UnderlineNode.
var KindUnderline = ast.NewNodeKind("Underline")

// UnderlineNode is text wrapped in double underscores.
type UnderlineNode struct {
	ast.BaseInline
}

func (n *UnderlineNode) Kind() ast.NodeKind {
	return KindUnderline
}

func (n *UnderlineNode) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, nil, nil)
}

// underlineDelimiterProcessor takes over '_' from the emphasis parser:
// a single underscore is still italic, a double one is underline.
type underlineDelimiterProcessor struct{}

func (p *underlineDelimiterProcessor) IsDelimiter(b byte) bool {
	return b == '_'
}

func (p *underlineDelimiterProcessor) CanOpenCloser(opener, closer *parser.Delimiter) bool {
	return opener.Char == closer.Char
}

func (p *underlineDelimiterProcessor) OnMatch(consumes int) ast.Node {
	if consumes == 2 {
		return &UnderlineNode{}
	}
	return ast.NewEmphasis(consumes)
}

var defaultUnderlineDelimiterProcessor = &underlineDelimiterProcessor{}

type underlineParser struct{}

func (s *underlineParser) Trigger() []byte {
	return []byte{'_'}
}

func (s *underlineParser) Parse(parent ast.Node, block text.Reader, pc parser.Context) ast.Node {
	before := block.PrecendingCharacter()
	line, segment := block.PeekLine()
	node := parser.ScanDelimiter(line, before, 1, defaultUnderlineDelimiterProcessor)
	if node == nil {
		return nil
	}
	node.Segment = segment.WithStop(segment.Start + node.OriginalLength)
	block.Advance(node.OriginalLength)
	pc.PushDelimiter(node)
	return node
}

func (s *underlineParser) CloseBlock(parent ast.Node, pc parser.Context) {}

type underline struct{}

// UnderlineExtension makes goldmark parse __text__ as underline instead of
// strong emphasis.
var UnderlineExtension goldmark.Extender = &underline{}

func (e *underline) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(parser.WithInlineParsers(
		util.Prioritized(&underlineParser{}, 450),
	))
}

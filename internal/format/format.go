// Package format converts agent markdown replies into each platform's
// native rich-text encoding and enforces the platform message-length
// ceiling by chunking on paragraph and line boundaries.
package format

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Target selects the platform encoding.
type Target int

const (
	// TargetSignal renders to plain text because Signal has no markdown.
	TargetSignal Target = iota
	// TargetDiscord passes markdown through; Discord renders it natively.
	TargetDiscord
)

// MaxLen returns the platform's message-length ceiling in runes.
func (t Target) MaxLen() int {
	switch t {
	case TargetDiscord:
		return 2000
	default:
		return 2000
	}
}

// Render converts a markdown reply into one or more platform-native
// message bodies, each within the platform ceiling. Empty input yields
// no messages.
func Render(markdown string, target Target) []string {
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return nil
	}

	var body string
	switch target {
	case TargetSignal:
		body = plainText(markdown)
	default:
		body = markdown
	}

	return chunk(body, target.MaxLen())
}

// plainText flattens a markdown document into readable plain text:
// links become "text (url)", list items get a bullet, code blocks are
// kept verbatim, and emphasis markers are dropped.
func plainText(markdown string) string {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	renderNode(&sb, doc, source, 0)
	return strings.TrimRight(sb.String(), "\n")
}

// renderNode appends the plain-text rendering of n and its children.
func renderNode(sb *strings.Builder, n ast.Node, source []byte, listDepth int) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Heading:
			sb.WriteString(inlineText(v, source))
			sb.WriteString("\n\n")
		case *ast.Paragraph, *ast.TextBlock:
			sb.WriteString(inlineText(v, source))
			if _, isItem := n.(*ast.ListItem); !isItem {
				sb.WriteString("\n\n")
			}
		case *ast.List:
			renderList(sb, v, source, listDepth)
			if listDepth == 0 {
				sb.WriteString("\n")
			}
		case *ast.FencedCodeBlock:
			writeCodeLines(sb, v, source)
			sb.WriteString("\n")
		case *ast.CodeBlock:
			writeCodeLines(sb, v, source)
			sb.WriteString("\n")
		case *ast.Blockquote:
			inner := &strings.Builder{}
			renderNode(inner, v, source, listDepth)
			for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
				sb.WriteString("> " + line + "\n")
			}
			sb.WriteString("\n")
		case *ast.ThematicBreak:
			sb.WriteString("—\n\n")
		default:
			renderNode(sb, c, source, listDepth)
		}
	}
}

// renderList writes each item with a bullet or ordinal prefix.
func renderList(sb *strings.Builder, list *ast.List, source []byte, depth int) {
	indent := strings.Repeat("  ", depth)
	ordinal := 1
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		if list.IsOrdered() {
			sb.WriteString(indent)
			sb.WriteString(itoa(ordinal))
			sb.WriteString(". ")
			ordinal++
		} else {
			sb.WriteString(indent + "• ")
		}
		inner := &strings.Builder{}
		renderNode(inner, item, source, depth+1)
		sb.WriteString(strings.TrimRight(inner.String(), "\n"))
		sb.WriteString("\n")
	}
}

// inlineText flattens the inline children of a block node.
func inlineText(n ast.Node, source []byte) string {
	var sb strings.Builder
	writeInline(&sb, n, source)
	return sb.String()
}

func writeInline(sb *strings.Builder, n ast.Node, source []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.CodeSpan:
			writeInline(sb, v, source)
		case *ast.Link:
			label := inlineText(v, source)
			dest := string(v.Destination)
			if label == "" || label == dest {
				sb.WriteString(dest)
			} else {
				sb.WriteString(label + " (" + dest + ")")
			}
		case *ast.AutoLink:
			sb.Write(v.URL(source))
		case *ast.Image:
			// Keep only the alt text; the attachment travels separately.
			sb.WriteString(inlineText(v, source))
		default:
			writeInline(sb, c, source)
		}
	}
}

func writeCodeLines(sb *strings.Builder, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
}

// chunk splits body into pieces no longer than maxLen runes, preferring
// paragraph breaks, then line breaks, then word boundaries. A single
// word longer than maxLen is split mid-word as a last resort.
func chunk(body string, maxLen int) []string {
	runes := []rune(body)
	if len(runes) <= maxLen {
		return []string{body}
	}

	var out []string
	for len(runes) > maxLen {
		cut := findCut(runes, maxLen)
		out = append(out, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// findCut picks the split index within runes[:maxLen+1], scanning
// backwards over the rune window so multibyte text splits correctly.
func findCut(runes []rune, maxLen int) int {
	window := runes[:maxLen+1]

	for i := len(window) - 1; i > 0; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i - 1
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == '\n' {
			return i
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	return maxLen
}

// itoa avoids strconv for the tiny ordinal range used in lists.
func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

package chat

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// RenderHTML converts model Markdown into the HTML subset Telegram accepts:
// <b>, <i>, <s>, <code>, <pre>, <a href>. Going through the AST guarantees
// well-formed tags, which raw Markdown parse mode does not; a single stray
// asterisk in model output would otherwise reject the whole message.
func RenderHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	src := []byte(markdown)
	md := goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
	doc := md.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	r := htmlRenderer{src: src}
	r.children(&buf, doc)
	return strings.TrimRight(buf.String(), "\n")
}

type htmlRenderer struct {
	src []byte
}

func (r htmlRenderer) children(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		r.node(w, child)
	}
}

func (r htmlRenderer) node(w *bytes.Buffer, node ast.Node) {
	switch n := node.(type) {
	case *ast.Paragraph:
		r.children(w, n)
		w.WriteString("\n\n")

	case *ast.Heading:
		// No heading tags in the allowed set; bold stands in.
		w.WriteString("<b>")
		r.children(w, n)
		w.WriteString("</b>\n\n")

	case *ast.ThematicBreak:
		w.WriteString("———\n\n")

	case *ast.Blockquote:
		var inner bytes.Buffer
		r.children(&inner, n)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			w.WriteString("▎")
			w.WriteString(line)
			w.WriteString("\n")
		}
		w.WriteString("\n")

	case *ast.FencedCodeBlock:
		if lang := string(n.Language(r.src)); lang != "" {
			fmt.Fprintf(w, "<pre><code class=\"language-%s\">", html.EscapeString(lang))
		} else {
			w.WriteString("<pre><code>")
		}
		r.rawLines(w, n.Lines())
		w.WriteString("</code></pre>\n\n")

	case *ast.CodeBlock:
		w.WriteString("<pre><code>")
		r.rawLines(w, n.Lines())
		w.WriteString("</code></pre>\n\n")

	case *ast.List:
		r.list(w, n)

	case *ast.ListItem:
		r.children(w, n)

	case *ast.TextBlock:
		r.children(w, n)
		w.WriteString("\n")

	case *ast.Text:
		w.WriteString(html.EscapeString(string(n.Segment.Value(r.src))))
		if n.SoftLineBreak() || n.HardLineBreak() {
			w.WriteString("\n")
		}

	case *ast.String:
		w.WriteString(html.EscapeString(string(n.Value)))

	case *ast.CodeSpan:
		w.WriteString("<code>")
		r.codeSpanText(w, n)
		w.WriteString("</code>")

	case *ast.Emphasis:
		tag := "i"
		if n.Level == 2 {
			tag = "b"
		}
		w.WriteString("<" + tag + ">")
		r.children(w, n)
		w.WriteString("</" + tag + ">")

	case *east.Strikethrough:
		w.WriteString("<s>")
		r.children(w, n)
		w.WriteString("</s>")

	case *ast.Link:
		fmt.Fprintf(w, "<a href=\"%s\">", html.EscapeString(string(n.Destination)))
		r.children(w, n)
		w.WriteString("</a>")

	case *ast.AutoLink:
		url := html.EscapeString(string(n.URL(r.src)))
		fmt.Fprintf(w, "<a href=\"%s\">%s</a>", url, url)

	case *ast.Image:
		// Inline images are not deliverable; show the destination.
		fmt.Fprintf(w, "[image: %s]", html.EscapeString(string(n.Destination)))

	case *ast.RawHTML:
		// Unknown tags reject the whole message, so escape instead of
		// passing through.
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			w.WriteString(html.EscapeString(string(seg.Value(r.src))))
		}

	case *ast.HTMLBlock:
		var raw bytes.Buffer
		r.rawLinesTo(&raw, n.Lines())
		w.WriteString(html.EscapeString(raw.String()))
		w.WriteString("\n")

	default:
		r.children(w, node)
	}
}

func (r htmlRenderer) rawLines(w *bytes.Buffer, lines *text.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.WriteString(html.EscapeString(string(seg.Value(r.src))))
	}
}

func (r htmlRenderer) rawLinesTo(w *bytes.Buffer, lines *text.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.Write(seg.Value(r.src))
	}
}

func (r htmlRenderer) codeSpanText(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			w.WriteString(html.EscapeString(string(t.Segment.Value(r.src))))
		} else {
			r.codeSpanText(w, child)
		}
	}
}

func (r htmlRenderer) list(w *bytes.Buffer, list *ast.List) {
	idx := list.Start
	for child := list.FirstChild(); child != nil; child = child.NextSibling() {
		if list.IsOrdered() {
			fmt.Fprintf(w, "%d. ", idx)
			idx++
		} else {
			w.WriteString("• ")
		}
		var item bytes.Buffer
		r.children(&item, child)
		for i, line := range strings.Split(strings.TrimRight(item.String(), "\n"), "\n") {
			if i > 0 {
				w.WriteString("\n  ")
			}
			w.WriteString(line)
		}
		w.WriteString("\n")
	}
	w.WriteString("\n")
}

var stripPattern = regexp.MustCompile("(?s)```[^`]*```|`[^`]+`|\\*\\*|__|\\*|_|~~|#{1,6} |!\\[[^]]*\\]\\([^)]+\\)|\\[([^]]+)\\]\\([^)]+\\)")

// StripToPlain removes Markdown formatting for the plain-text fallback
// path: link text survives, code fences keep their content, markers go.
func StripToPlain(md string) string {
	return stripPattern.ReplaceAllStringFunc(md, func(match string) string {
		switch {
		case strings.HasPrefix(match, "!["):
			return ""
		case strings.HasPrefix(match, "["):
			if idx := strings.Index(match, "]("); idx > 0 {
				return match[1:idx]
			}
		case strings.HasPrefix(match, "```"):
			inner := strings.TrimSuffix(strings.TrimPrefix(match, "```"), "```")
			if idx := strings.Index(inner, "\n"); idx >= 0 {
				inner = inner[idx+1:]
			}
			return inner
		case strings.HasPrefix(match, "`"):
			return strings.Trim(match, "`")
		case match == "**" || match == "__" || match == "*" || match == "_" || match == "~~":
			return ""
		case strings.HasPrefix(match, "#"):
			return ""
		}
		return match
	})
}

// Package extract turns raw page HTML into clean text or markdown for
// analysis, stripping scripts, styles, and other noise while preserving
// the reading order of the document.
package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Format selects the shape of extracted content.
type Format string

const (
	// FormatMarkdown prefixes the page title as a heading (default).
	FormatMarkdown Format = "markdown"

	// FormatText is plain text only.
	FormatText Format = "text"
)

// DefaultMaxLength bounds extracted content size in characters.
const DefaultMaxLength = 50000

// Result is the extracted content plus page metadata.
type Result struct {
	Content   string
	Title     string
	Truncated bool
}

// Options configures extraction.
type Options struct {
	// Format selects text or markdown output. Empty means markdown.
	Format Format

	// MaxLength limits the content length in characters. Zero means
	// DefaultMaxLength.
	MaxLength int
}

// Page extracts content from raw HTML.
func Page(rawHTML string, opts Options) (*Result, error) {
	if opts.Format == "" {
		opts.Format = FormatMarkdown
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := &Result{Title: findTitle(doc)}

	var builder strings.Builder
	collectText(doc, &builder)
	text := normalizeWhitespace(builder.String())

	if len(text) > opts.MaxLength {
		text = text[:opts.MaxLength] +
			fmt.Sprintf("\n\n[Content truncated: %d of %d characters shown]", opts.MaxLength, len(text))
		result.Truncated = true
	}

	switch opts.Format {
	case FormatMarkdown:
		if result.Title != "" {
			result.Content = fmt.Sprintf("# %s\n\n%s", result.Title, text)
		} else {
			result.Content = text
		}
	case FormatText:
		result.Content = text
	default:
		return nil, fmt.Errorf("unsupported format: %s", opts.Format)
	}

	return result, nil
}

// collectText walks the document appending visible text, inserting
// newlines around block-level elements to keep reading order.
func collectText(n *html.Node, builder *strings.Builder) {
	if n.Type == html.CommentNode {
		return
	}
	if n.Type == html.ElementNode {
		tag := strings.ToLower(n.Data)
		if isSkippedElement(tag) {
			return
		}
		if isBlockElement(tag) {
			builder.WriteString("\n")
		}
	}
	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			builder.WriteString(text)
			builder.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, builder)
	}
	if n.Type == html.ElementNode && isBlockElement(strings.ToLower(n.Data)) {
		builder.WriteString("\n")
	}
}

// findTitle returns the page title from the <title> element.
func findTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "title") {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// normalizeWhitespace collapses runs of blank lines and trailing spaces
// left behind by block-element boundaries.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// isSkippedElement returns true for elements that should be completely removed
func isSkippedElement(tagName string) bool {
	switch tagName {
	case "script", "style", "noscript", "iframe", "embed", "object", "svg", "head", "template":
		return true
	}
	return false
}

// isBlockElement returns true for block-level elements (for formatting)
func isBlockElement(tagName string) bool {
	switch tagName {
	case "div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "table", "tr", "td", "th",
		"form", "fieldset", "blockquote", "pre", "br", "hr":
		return true
	}
	return false
}

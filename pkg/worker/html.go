package worker

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// cleanedHTML is page markup with scripts, styles and noise removed.
type cleanedHTML struct {
	HTML        string
	Title       string
	Description string
	Truncated   bool
}

var (
	skippedElements = set("head", "script", "style", "noscript", "iframe", "embed", "object", "svg", "template")

	blockElements = set("div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "table", "tr", "td", "th",
		"form", "fieldset", "blockquote", "pre")

	voidElements = set("area", "base", "br", "col", "embed", "hr", "img", "input", "link", "meta",
		"param", "source", "track", "wbr")

	keptAttributes = set("id", "class", "role", "name", "aria-label", "aria-describedby")
)

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// cleanHTML keeps the semantic structure of raw and the attributes useful
// for targeting elements, up to limit bytes of content.
func cleanHTML(raw string, limit int) (*cleanedHTML, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	c := &cleaner{limit: limit}
	c.walk(doc, 0)

	title, description := metadata(doc)
	return &cleanedHTML{
		HTML:        strings.TrimSpace(c.b.String()),
		Title:       title,
		Description: description,
		Truncated:   c.full,
	}, nil
}

type cleaner struct {
	b     strings.Builder
	n     int
	limit int
	full  bool
}

func (c *cleaner) walk(n *html.Node, depth int) {
	if c.full {
		return
	}
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		c.text(n.Data)
		return
	case html.ElementNode:
		c.element(n, depth)
		return
	}
	for child := n.FirstChild; child != nil && !c.full; child = child.NextSibling {
		c.walk(child, depth)
	}
}

func (c *cleaner) text(data string) {
	text := strings.TrimSpace(data)
	if text == "" {
		return
	}
	if c.n+len(text) > c.limit {
		text, _ = truncate(text, c.limit-c.n)
		c.full = true
		c.b.WriteString(html.EscapeString(text))
		c.b.WriteString("...")
		c.n = c.limit
		return
	}
	c.b.WriteString(html.EscapeString(text))
	c.n += len(text)
}

func (c *cleaner) element(n *html.Node, depth int) {
	tag := strings.ToLower(n.Data)
	if skippedElements[tag] {
		return
	}

	block := blockElements[tag]
	if block && depth > 0 {
		c.newline(depth)
	}
	c.b.WriteString("<" + tag)
	for _, a := range n.Attr {
		if keepAttribute(tag, strings.ToLower(a.Key)) {
			fmt.Fprintf(&c.b, ` %s="%s"`, a.Key, html.EscapeString(a.Val))
		}
	}
	c.b.WriteString(">")
	c.n += len(tag) + 2

	for child := n.FirstChild; child != nil && !c.full; child = child.NextSibling {
		c.walk(child, depth+1)
	}

	if voidElements[tag] {
		return
	}
	if block {
		c.newline(depth)
	}
	c.b.WriteString("</" + tag + ">")
	c.n += len(tag) + 3
}

func (c *cleaner) newline(depth int) {
	c.b.WriteString("\n")
	c.b.WriteString(strings.Repeat("  ", depth))
}

func keepAttribute(tag, attr string) bool {
	if keptAttributes[attr] || strings.HasPrefix(attr, "data-") {
		return true
	}
	switch tag {
	case "a":
		return attr == "href" || attr == "target"
	case "img":
		return attr == "src" || attr == "alt"
	case "input", "textarea", "select":
		return attr == "type" || attr == "placeholder" || attr == "value"
	case "button":
		return attr == "type"
	case "form":
		return attr == "action" || attr == "method"
	}
	return false
}

// metadata returns the document title and meta description.
func metadata(doc *html.Node) (title, description string) {
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				if description == "" && attr(n, "name") == "description" {
					description = strings.TrimSpace(attr(n, "content"))
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if title != "" && description != "" {
				return
			}
			visit(child)
		}
	}
	visit(doc)
	return title, description
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

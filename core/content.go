package core

import (
	"strings"

	"golang.org/x/net/html"
)

// ExtractContentPreview returns the text of every <p> element in a storage
// format document, entity-decoded and with whitespace collapsed. It returns
// "" when the document has no paragraphs.
func ExtractContentPreview(doc string) string {
	root, err := parseFragment(doc)
	if err != nil {
		return ""
	}

	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "p" {
			parts = append(parts, textOf(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return collapseSpace(strings.Join(parts, " "))
}

// ExtractText returns all visible text of an HTML document with whitespace
// collapsed. Script and style contents are dropped.
func ExtractText(doc string) string {
	root, err := parseFragment(doc)
	if err != nil {
		return ""
	}
	return collapseSpace(textOf(root))
}

// textOf concatenates the text nodes under n, separating elements with a
// space so adjacent blocks do not run together.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			b.WriteByte(' ')
		}
	}
	walk(n)
	return b.String()
}

// parseFragment parses doc as the body of an HTML document.
func parseFragment(doc string) (*html.Node, error) {
	if strings.TrimSpace(doc) == "" {
		return &html.Node{Type: html.DocumentNode}, nil
	}
	return html.Parse(strings.NewReader(doc))
}

// collapseSpace replaces runs of whitespace, including non-breaking spaces,
// with one space and trims the ends.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package loader

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// loadHTML emits one item per top-level section: content between h1/h2
// boundaries, with the heading chain as the section path.
func loadHTML(path string) ([]domain.DocumentItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open html: %w", err)
	}
	defer f.Close()

	root, err := html.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	collector := &htmlCollector{path: path}
	collector.walk(root)
	collector.flush()
	return collector.items, nil
}

type htmlCollector struct {
	path    string
	items   []domain.DocumentItem
	section []string
	buf     strings.Builder
}

func (c *htmlCollector) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "head":
			return
		case "h1", "h2":
			c.flush()
			heading := strings.TrimSpace(textContent(n))
			if heading != "" {
				if n.Data == "h1" {
					c.section = []string{heading}
				} else if len(c.section) > 0 {
					c.section = []string{c.section[0], heading}
				} else {
					c.section = []string{heading}
				}
			}
			return
		case "p", "li", "td", "th", "h3", "h4", "h5", "h6", "pre", "blockquote":
			text := strings.TrimSpace(textContent(n))
			if text != "" {
				c.buf.WriteString(text)
				c.buf.WriteString("\n")
			}
			return
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.walk(child)
	}
}

func (c *htmlCollector) flush() {
	text := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	if text == "" {
		return
	}
	c.items = append(c.items, domain.DocumentItem{
		Text: text,
		Metadata: domain.ItemMetadata{
			Source:      c.path,
			ContentType: contentTypeHTML,
			SectionPath: strings.Join(c.section, "|"),
		},
	})
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			rec(child)
		}
	}
	rec(n)
	return b.String()
}

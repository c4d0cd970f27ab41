// Package parse turns HTML into visible text, outbound links, and a
// position-tagged term stream.
package parse

import (
	"bytes"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/crawlidx/crawlidx/internal/crawl"
	"github.com/crawlidx/crawlidx/internal/urlx"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Parser extracts document structure from HTML. Malformed HTML never
// fails: the permissive parser yields whatever it can, down to an empty
// document.
type Parser struct {
	logger *zap.Logger
}

// New constructs a Parser.
func New(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse walks the DOM once, collecting the title (first <title> element),
// visible text (script/style subtrees skipped, text nodes space-joined in
// document order), and <a href> links resolved against the document URL
// with their anchor text. The text is then tokenized into a term stream
// whose positions index the raw token sequence.
func (p *Parser) Parse(url string, body []byte) crawl.ParsedDocument {
	doc := crawl.ParsedDocument{
		URL:           url,
		TermPositions: make(map[string][]uint32),
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		// html.Parse recovers from almost anything; treat the rest as an
		// empty document.
		p.logger.Debug("html parse failed", zap.String("url", url), zap.Error(err))
		return doc
	}

	w := &walker{base: url}
	w.walk(root)

	doc.Title = w.title
	doc.Text = strings.Join(w.text, " ")
	doc.OutboundLinks = w.links

	p.tokenize(&doc)
	return doc
}

func (p *Parser) tokenize(doc *crawl.ParsedDocument) {
	doc.Tokens = tokenPattern.FindAllString(doc.Text, -1)
	for i, raw := range doc.Tokens {
		term := NormalizeTerm(raw)
		if term == "" {
			continue
		}
		doc.TermPositions[term] = append(doc.TermPositions[term], uint32(i))
	}
}

// NormalizeTerm lowercases a raw token and strips every non-alphanumeric
// rune. The empty string means the token normalizes away entirely.
func NormalizeTerm(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// walker accumulates the single-pass DOM traversal state.
type walker struct {
	base       string
	title      string
	titleFound bool
	text       []string
	links      []crawl.Link
}

func (w *walker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			w.text = append(w.text, t)
		}
		return

	case html.ElementNode:
		switch n.Data {
		case "script", "style":
			return
		case "title":
			if !w.titleFound {
				w.title = strings.TrimSpace(textContent(n))
				w.titleFound = true
			}
		case "a":
			if href, ok := attr(n, "href"); ok {
				w.addLink(href, textContent(n))
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *walker) addLink(href, anchor string) {
	resolved, err := urlx.Resolve(w.base, href)
	if err != nil {
		return
	}
	w.links = append(w.links, crawl.Link{
		URL:        resolved,
		AnchorText: strings.TrimSpace(anchor),
	})
}

// textContent concatenates the descendant text nodes of n.
func textContent(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if t := strings.TrimSpace(c.Data); t != "" {
				parts = append(parts, t)
			}
		case html.ElementNode:
			if t := textContent(c); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

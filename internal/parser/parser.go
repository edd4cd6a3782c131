// Package parser extracts plain text and outbound links from fetched HTML.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Parser parses HTML content.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a new HTML parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parsed holds the outputs of one page parse.
type Parsed struct {
	TextContent string
	Links       []string
}

// Parse extracts the page's plain text and its set of absolutized,
// de-fragmented http(s) links.
func (p *Parser) Parse(htmlContent []byte, baseURL string) (*Parsed, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	parsed := &Parsed{
		Links: p.extractLinks(doc, base),
	}

	// Strip non-content elements before reading text.
	doc.Find("script, style, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	parsed.TextContent = collapseWhitespace(doc.Find("body").Text())

	return parsed, nil
}

func (p *Parser) extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "data:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			p.logger.Debug("skipping unparseable href", zap.String("href", href))
			return
		}

		resolved := base.ResolveReference(ref)
		resolved.Fragment = ""
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}

		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})

	return links
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

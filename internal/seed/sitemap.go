package seed

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/fetcher"
)

// maxSitemapDepth bounds recursion through nested sitemap indexes.
const maxSitemapDepth = 3

// SitemapLoader seeds the frontier from XML sitemaps, following sitemap
// indexes recursively.
type SitemapLoader struct {
	frontier Frontier
	fetch    *fetcher.Client
	logger   *zap.Logger
}

// NewSitemapLoader builds a sitemap seeder.
func NewSitemapLoader(frontier Frontier, fetch *fetcher.Client, logger *zap.Logger) *SitemapLoader {
	return &SitemapLoader{
		frontier: frontier,
		fetch:    fetch,
		logger:   logger,
	}
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Load fetches a sitemap URL and adds every listed page at depth 0.
func (sl *SitemapLoader) Load(ctx context.Context, sitemapURL string) (int, error) {
	return sl.load(ctx, sitemapURL, 0)
}

func (sl *SitemapLoader) load(ctx context.Context, sitemapURL string, depth int) (int, error) {
	if depth > maxSitemapDepth {
		sl.logger.Warn("sitemap nesting too deep, stopping",
			zap.String("url", sitemapURL),
		)
		return 0, nil
	}

	result := sl.fetch.Fetch(ctx, sitemapURL, true)
	if result.Err != "" {
		return 0, fmt.Errorf("failed to fetch sitemap %s: %s", sitemapURL, result.Err)
	}
	if result.StatusCode != 200 {
		return 0, fmt.Errorf("sitemap %s returned status %d", sitemapURL, result.StatusCode)
	}

	content := []byte(result.Body)
	if strings.HasSuffix(sitemapURL, ".gz") {
		gz, err := gzip.NewReader(strings.NewReader(result.Body))
		if err != nil {
			return 0, fmt.Errorf("failed to decompress sitemap %s: %w", sitemapURL, err)
		}
		defer gz.Close()
		content, err = io.ReadAll(gz)
		if err != nil {
			return 0, fmt.Errorf("failed to read sitemap %s: %w", sitemapURL, err)
		}
	}

	// A sitemap index delegates to child sitemaps.
	var index sitemapIndex
	if err := xml.Unmarshal(content, &index); err == nil && len(index.Sitemaps) > 0 {
		added := 0
		for _, child := range index.Sitemaps {
			n, err := sl.load(ctx, child.Loc, depth+1)
			if err != nil {
				sl.logger.Warn("failed to load child sitemap",
					zap.String("parent", sitemapURL),
					zap.String("child", child.Loc),
					zap.Error(err),
				)
				continue
			}
			added += n
		}
		return added, nil
	}

	var set urlSet
	if err := xml.Unmarshal(content, &set); err != nil {
		return 0, fmt.Errorf("failed to parse sitemap %s: %w", sitemapURL, err)
	}

	urls := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}

	added := 0
	for start := 0; start < len(urls); start += batchSize {
		end := start + batchSize
		if end > len(urls) {
			end = len(urls)
		}
		n, err := sl.frontier.AddBatch(ctx, urls[start:end], 0)
		if err != nil {
			return added, fmt.Errorf("failed to add sitemap batch: %w", err)
		}
		added += n
	}

	sl.logger.Info("sitemap loaded",
		zap.String("url", sitemapURL),
		zap.Int("added", added),
	)
	return added, nil
}

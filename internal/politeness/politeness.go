// Package politeness decides whether and when a URL may be fetched: manual
// exclusions, robots.txt rules, and the per-domain crawl delay.
package politeness

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/segmentio/agecache"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/fetcher"
	"github.com/pageharvest/crawler/internal/kv"
	"github.com/pageharvest/crawler/internal/urlutil"
)

// errorTTL is the robots cache lifetime after a fetch error, short enough to
// retry the domain soon without hammering it.
const errorTTL = 1 * time.Hour

const exclusionBatchSize = 500

// Options configures the enforcer.
type Options struct {
	UAToken       string
	MinCrawlDelay time.Duration
	RobotsTTL     time.Duration
	CacheSize     int
}

// Enforcer caches robots.txt per domain and applies the crawl policy.
type Enforcer struct {
	store  *kv.Store
	fetch  *fetcher.Client
	logger *zap.Logger
	opts   Options

	robots     *agecache.Cache // domain -> *robotsEntry
	exclusions *agecache.Cache // domain -> bool

	now func() time.Time
}

// robotsEntry is one parsed robots.txt. A nil data means allow-all.
type robotsEntry struct {
	data    *robotstxt.RobotsData
	expires int64
}

// NewEnforcer builds the enforcer with its fixed-capacity caches.
func NewEnforcer(store *kv.Store, fetch *fetcher.Client, opts Options, logger *zap.Logger) *Enforcer {
	if opts.UAToken == "" {
		opts.UAToken = "PageHarvestBot"
	}
	if opts.MinCrawlDelay == 0 {
		opts.MinCrawlDelay = 70 * time.Second
	}
	if opts.RobotsTTL == 0 {
		opts.RobotsTTL = 24 * time.Hour
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 10000
	}

	return &Enforcer{
		store:  store,
		fetch:  fetch,
		logger: logger,
		opts:   opts,
		robots: agecache.New(agecache.Config{
			Capacity:       opts.CacheSize,
			MaxAge:         opts.RobotsTTL,
			ExpirationType: agecache.PassiveExpration,
		}),
		exclusions: agecache.New(agecache.Config{
			Capacity:       opts.CacheSize,
			MaxAge:         opts.RobotsTTL,
			ExpirationType: agecache.PassiveExpration,
		}),
		now: time.Now,
	}
}

// IsAllowed reports whether the URL may be fetched. Manual exclusion is
// authoritative and checked first; robots failures fail open.
func (e *Enforcer) IsAllowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}

	domain, err := urlutil.RegisteredDomain(rawURL)
	if err != nil {
		return false
	}

	if e.isExcluded(ctx, domain) {
		return false
	}

	entry := e.robotsFor(ctx, u, domain)
	if entry.data == nil {
		return true
	}

	group := entry.data.FindGroup(e.opts.UAToken)
	if group == nil {
		group = entry.data.FindGroup("*")
	}
	if group == nil {
		return true
	}
	return group.Test(u.RequestURI())
}

// CrawlDelay returns max(robots Crawl-delay for our UA or *, the configured
// floor) for a domain.
func (e *Enforcer) CrawlDelay(ctx context.Context, domain string) time.Duration {
	delay := e.opts.MinCrawlDelay

	u := &url.URL{Scheme: "http", Host: domain, Path: "/"}
	entry := e.robotsFor(ctx, u, domain)
	if entry.data != nil {
		group := entry.data.FindGroup(e.opts.UAToken)
		if group == nil {
			group = entry.data.FindGroup("*")
		}
		if group != nil && group.CrawlDelay > delay {
			delay = group.CrawlDelay
		}
	}
	return delay
}

// RecordFetchAttempt computes the domain's next fetch time, persists it on
// the domain entry, and returns it. Called immediately before dispatch.
func (e *Enforcer) RecordFetchAttempt(ctx context.Context, domain string) (time.Time, error) {
	next := e.now().Add(e.CrawlDelay(ctx, domain))
	if err := e.store.SetNextFetchTime(ctx, domain, next.Unix()); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// LoadManualExclusions reads a newline-delimited file of excluded domains and
// flags them in the KV store in batches. Returns the number of domains set.
func (e *Enforcer) LoadManualExclusions(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open exclusions file: %w", err)
	}
	defer f.Close()

	total := 0
	batch := make([]string, 0, exclusionBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.store.MarkExcluded(ctx, batch); err != nil {
			return err
		}
		for _, d := range batch {
			e.exclusions.Set(d, true)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		domain := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if domain == "" || strings.HasPrefix(domain, "#") {
			continue
		}
		batch = append(batch, domain)
		if len(batch) >= exclusionBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("failed to read exclusions file: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}

	e.logger.Info("loaded manual exclusions", zap.Int("count", total))
	return total, nil
}

func (e *Enforcer) isExcluded(ctx context.Context, domain string) bool {
	if v, ok := e.exclusions.Get(domain); ok {
		return v.(bool)
	}

	excluded, err := e.store.IsExcluded(ctx, domain)
	if err != nil {
		e.logger.Warn("exclusion lookup failed, allowing",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return false
	}
	e.exclusions.Set(domain, excluded)
	return excluded
}

// robotsFor returns the parsed robots entry for a domain, consulting the
// in-process LRU, then the KV-persisted body, then the network.
func (e *Enforcer) robotsFor(ctx context.Context, u *url.URL, domain string) *robotsEntry {
	nowUnix := e.now().Unix()

	if v, ok := e.robots.Get(domain); ok {
		entry := v.(*robotsEntry)
		if entry.expires > nowUnix {
			return entry
		}
	}

	body, expires, err := e.store.Robots(ctx, domain)
	if err != nil {
		e.logger.Warn("robots cache read failed, allowing",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return &robotsEntry{}
	}
	if expires > nowUnix {
		entry := e.parseEntry(domain, body, expires)
		e.robots.Set(domain, entry)
		return entry
	}

	body, ok := e.fetchRobots(ctx, u)
	ttl := e.opts.RobotsTTL
	if !ok {
		// Network trouble: allow-all, but only briefly.
		body = ""
		ttl = errorTTL
	}
	if len(body) > fetcher.MaxBodyBytes {
		body = body[:fetcher.MaxBodyBytes]
	}

	expires = e.now().Add(ttl).Unix()
	if err := e.store.SetRobots(ctx, domain, body, expires); err != nil {
		e.logger.Warn("robots cache write failed",
			zap.String("domain", domain),
			zap.Error(err),
		)
	}

	entry := e.parseEntry(domain, body, expires)
	e.robots.Set(domain, entry)
	return entry
}

// fetchRobots tries http first, then https. A 4xx is an empty allow-all body;
// anything else unsuccessful reports !ok.
func (e *Enforcer) fetchRobots(ctx context.Context, u *url.URL) (string, bool) {
	schemes := []string{"http", "https"}

	for _, scheme := range schemes {
		robotsURL := scheme + "://" + u.Host + "/robots.txt"
		result := e.fetch.Fetch(ctx, robotsURL, true)
		if result.Err != "" {
			continue
		}
		switch {
		case result.StatusCode >= 200 && result.StatusCode < 300:
			return result.Body, true
		case result.StatusCode >= 400 && result.StatusCode < 500:
			return "", true
		}
	}

	e.logger.Debug("robots fetch failed on both schemes, allowing",
		zap.String("host", u.Host),
	)
	return "", false
}

func (e *Enforcer) parseEntry(domain, body string, expires int64) *robotsEntry {
	if body == "" {
		return &robotsEntry{expires: expires}
	}
	data, err := robotstxt.FromString(body)
	if err != nil {
		e.logger.Warn("robots parse failed, allowing",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return &robotsEntry{expires: expires}
	}
	return &robotsEntry{data: data, expires: expires}
}

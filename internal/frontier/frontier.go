// Package frontier implements the crawl frontier: per-domain append-only URL
// logs on disk, a ready-domain index in the KV store, and atomic claiming of
// the next fetchable URL.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/kv"
	"github.com/pageharvest/crawler/internal/urlutil"
)

// maxSkipsPerClaim bounds how many filtered or malformed lines a single Next
// call may consume from one domain before yielding, so a domain full of
// blocked URLs cannot starve the other ready domains.
const maxSkipsPerClaim = 8

// Politeness is the slice of the politeness enforcer the frontier needs.
type Politeness interface {
	IsAllowed(ctx context.Context, url string) bool
	RecordFetchAttempt(ctx context.Context, domain string) (time.Time, error)
}

// Claim is a URL handed to exactly one worker.
type Claim struct {
	URL    string
	Domain string
	Depth  int
}

// Manager owns the frontier data plane.
type Manager struct {
	store  *kv.Store
	files  *FileStore
	policy Politeness
	locks  domainLocks
	logger *zap.Logger

	now func() time.Time
}

// NewManager wires the frontier over its KV store, file store, and politeness
// enforcer.
func NewManager(store *kv.Store, files *FileStore, policy Politeness, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		files:  files,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// AddBatch filters, deduplicates, and appends a batch of discovered URLs at a
// shared depth. It returns the number of URL lines actually written to disk.
func (m *Manager) AddBatch(ctx context.Context, rawURLs []string, depth int) (int, error) {
	candidates := m.prefilter(rawURLs)
	if len(candidates) == 0 {
		return 0, nil
	}

	// Optimistic pre-check: a concurrent worker adding the same URL between
	// here and the BF.ADD below only costs a rare duplicate line, which the
	// probabilistic semantics absorb.
	seen, err := m.store.BloomExists(ctx, candidates...)
	if err != nil {
		return 0, fmt.Errorf("bloom pre-check failed: %w", err)
	}

	var fresh []string
	for i, u := range candidates {
		if !seen[i] {
			fresh = append(fresh, u)
		}
	}

	var allowed []string
	for _, u := range fresh {
		if m.policy.IsAllowed(ctx, u) {
			allowed = append(allowed, u)
		}
	}

	groups := make(map[string][]string)
	var order []string
	for _, u := range allowed {
		domain, err := urlutil.RegisteredDomain(u)
		if err != nil {
			m.logger.Debug("dropping URL with no registrable domain", zap.String("url", u))
			continue
		}
		if _, ok := groups[domain]; !ok {
			order = append(order, domain)
		}
		groups[domain] = append(groups[domain], u)
	}

	written := 0
	for _, domain := range order {
		urls := groups[domain]
		n, err := m.appendGroup(ctx, domain, urls, depth)
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// prefilter normalizes, length/pattern-filters, and dedupes within the batch.
func (m *Manager) prefilter(rawURLs []string) []string {
	inBatch := make(map[string]struct{}, len(rawURLs))
	var out []string
	for _, raw := range rawURLs {
		if urlutil.TooLong(raw) {
			continue
		}
		u, err := urlutil.Normalize(raw)
		if err != nil {
			continue
		}
		if urlutil.TooLong(u) || urlutil.LikelyNonText(u) {
			continue
		}
		if _, dup := inBatch[u]; dup {
			continue
		}
		inBatch[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (m *Manager) appendGroup(ctx context.Context, domain string, urls []string, depth int) (int, error) {
	mu := m.locks.lock(domain)
	defer mu.Unlock()

	bytes, err := m.files.Append(domain, urls, depth)
	if err != nil {
		return 0, fmt.Errorf("frontier append failed for %s: %w", domain, err)
	}

	err = m.store.CommitFrontierWrite(ctx, kv.FrontierWrite{
		Domain:   domain,
		URLs:     urls,
		Bytes:    bytes,
		FilePath: m.files.RelPath(domain),
		Now:      float64(m.now().Unix()),
	})
	if err != nil {
		return 0, err
	}
	return len(urls), nil
}

// Next claims the next fetchable URL, or returns (nil, nil) when nothing is
// ready right now. A returned claim has already had its domain's next fetch
// time recorded and rescheduled.
func (m *Manager) Next(ctx context.Context) (*Claim, error) {
	domain, score, ok, err := m.store.QueuePopMin(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	now := m.now()
	if score > float64(now.Unix()) {
		// Not ready yet; put it back untouched and let the caller sleep.
		if err := m.store.QueueAdd(ctx, domain, score); err != nil {
			return nil, err
		}
		return nil, nil
	}

	mu := m.locks.lock(domain)
	defer mu.Unlock()

	for skips := 0; skips < maxSkipsPerClaim; skips++ {
		offset, size, err := m.store.FrontierBounds(ctx, domain)
		if err != nil {
			return nil, err
		}
		if offset >= size {
			// Exhausted: leave it out of the queue until new URLs arrive.
			return nil, nil
		}

		url, depth, newOffset, err := m.files.ReadLineAt(domain, offset)
		if err != nil {
			var malformed *ErrMalformedLine
			if errors.As(err, &malformed) {
				m.logger.Warn("skipping malformed frontier line",
					zap.String("domain", domain),
					zap.Int64("offset", offset),
				)
				if err := m.store.SetFrontierOffset(ctx, domain, offset+malformed.BytesConsumed); err != nil {
					return nil, err
				}
				continue
			}
			if errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("frontier file missing, treating domain as exhausted",
					zap.String("domain", domain),
				)
				return nil, nil
			}
			return nil, err
		}

		if err := m.store.SetFrontierOffset(ctx, domain, newOffset); err != nil {
			return nil, err
		}

		if urlutil.LikelyNonText(url) || !m.policy.IsAllowed(ctx, url) {
			continue
		}

		nextFetch, err := m.policy.RecordFetchAttempt(ctx, domain)
		if err != nil {
			return nil, err
		}
		if err := m.store.QueueAdd(ctx, domain, float64(nextFetch.Unix())); err != nil {
			return nil, err
		}

		return &Claim{URL: url, Domain: domain, Depth: depth}, nil
	}

	// Skip allowance spent without a dispatchable URL. The domain is re-queued
	// so any unread lines stay claimable; if none remain, the next pop finds
	// it exhausted and drops it.
	if err := m.store.QueueAddLT(ctx, domain, float64(now.Unix())); err != nil {
		return nil, err
	}
	return nil, nil
}

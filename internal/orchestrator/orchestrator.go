// Package orchestrator drives the fetch workers: claim a URL, fetch it,
// parse, enqueue discovered links, and record the outcome.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pageharvest/crawler/internal/events"
	"github.com/pageharvest/crawler/internal/fetcher"
	"github.com/pageharvest/crawler/internal/frontier"
	"github.com/pageharvest/crawler/internal/kv"
	"github.com/pageharvest/crawler/internal/parser"
	"github.com/pageharvest/crawler/internal/storage"
)

// Frontier is the claiming surface the workers drive.
type Frontier interface {
	Next(ctx context.Context) (*frontier.Claim, error)
	AddBatch(ctx context.Context, urls []string, depth int) (int, error)
}

// Fetcher fetches one URL, returning a result even on failure.
type Fetcher interface {
	Fetch(ctx context.Context, url string, robotsMode bool) *fetcher.Result
}

// PageParser extracts text and links from HTML.
type PageParser interface {
	Parse(htmlContent []byte, baseURL string) (*parser.Parsed, error)
}

// ContentSaver persists extracted text.
type ContentSaver interface {
	Save(urlSHA256, text string) (string, error)
}

// Recorder persists visit outcomes.
type Recorder interface {
	Record(ctx context.Context, rec *kv.VisitedRecord) error
}

// Config tunes the worker pool and stop conditions.
type Config struct {
	Workers     int
	IdleSleep   time.Duration
	ErrorSleep  time.Duration
	MaxPages    int64
	MaxDuration time.Duration
	GlobalRate  float64
	MaintTick   time.Duration
}

// Orchestrator runs the fetch loop across N workers.
type Orchestrator struct {
	frontier Frontier
	fetch    Fetcher
	parse    PageParser
	content  ContentSaver
	recorder Recorder
	archive  *storage.MongoArchive
	events   *events.Publisher
	store    *kv.Store
	logger   *zap.Logger
	config   Config

	pagesFetched atomic.Int64
	urlsAdded    atomic.Int64
	workerErrors atomic.Int64
	fetchErrors  atomic.Int64
	startedAt    time.Time

	cancel context.CancelFunc
}

// New wires the orchestrator. archive and eventsPub may be nil.
func New(
	f Frontier,
	fetch Fetcher,
	parse PageParser,
	content ContentSaver,
	recorder Recorder,
	archive *storage.MongoArchive,
	eventsPub *events.Publisher,
	store *kv.Store,
	config Config,
	logger *zap.Logger,
) *Orchestrator {
	if config.Workers == 0 {
		config.Workers = 500
	}
	if config.IdleSleep == 0 {
		config.IdleSleep = 10 * time.Second
	}
	if config.ErrorSleep == 0 {
		config.ErrorSleep = 1 * time.Second
	}
	if config.MaintTick == 0 {
		config.MaintTick = 60 * time.Second
	}

	return &Orchestrator{
		frontier: f,
		fetch:    fetch,
		parse:    parse,
		content:  content,
		recorder: recorder,
		archive:  archive,
		events:   eventsPub,
		store:    store,
		config:   config,
		logger:   logger,
	}
}

// Run blocks until a stop condition fires or the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancel = cancel
	o.startedAt = time.Now()

	var limiter *rate.Limiter
	if o.config.GlobalRate > 0 {
		burst := int(o.config.GlobalRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(o.config.GlobalRate), burst)
	}

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < o.config.Workers; i++ {
		workerLogger := o.logger.With(zap.Int("worker", i))
		g.Go(func() error {
			o.runWorker(ctx, workerLogger, limiter)
			return nil
		})
	}

	g.Go(func() error {
		o.runMaintenance(ctx)
		return nil
	})

	if o.config.MaxDuration > 0 {
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-time.After(o.config.MaxDuration):
				o.logger.Info("max duration reached, stopping")
				cancel()
			}
			return nil
		})
	}

	err := g.Wait()
	o.logger.Info("orchestrator stopped",
		zap.Int64("pages_fetched", o.pagesFetched.Load()),
		zap.Int64("urls_added", o.urlsAdded.Load()),
		zap.Int64("worker_errors", o.workerErrors.Load()),
	)
	return err
}

// Stop requests shutdown; workers exit at their next iteration boundary.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// runWorker is the forgiving outer loop: cancellation propagates, every other
// failure is logged and absorbed with a short sleep.
func (o *Orchestrator) runWorker(ctx context.Context, logger *zap.Logger, limiter *rate.Limiter) {
	for {
		if ctx.Err() != nil {
			return
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := o.iterate(ctx, logger); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			o.workerErrors.Add(1)
			logger.Error("worker iteration failed", zap.Error(err))
			if !sleepCtx(ctx, o.config.ErrorSleep) {
				return
			}
		}
	}
}

func (o *Orchestrator) iterate(ctx context.Context, logger *zap.Logger) error {
	claim, err := o.frontier.Next(ctx)
	if err != nil {
		return err
	}
	if claim == nil {
		sleepCtx(ctx, o.config.IdleSleep)
		return nil
	}

	result := o.fetch.Fetch(ctx, claim.URL, false)

	sum := sha256.Sum256([]byte(claim.URL))
	rec := &kv.VisitedRecord{
		URL:        claim.URL,
		URLSHA256:  hex.EncodeToString(sum[:]),
		Domain:     claim.Domain,
		StatusCode: result.StatusCode,
		FetchedAt:  time.Now().Unix(),
	}

	if result.Err != "" {
		rec.Error = result.Err
		o.fetchErrors.Add(1)
		return o.finishVisit(ctx, rec)
	}

	rec.ContentType = result.ContentType
	if result.IsRedirect {
		rec.RedirectedTo = result.FinalURL
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 && result.Body != "" && looksHTML(result.ContentType) {
		o.processPage(ctx, logger, claim, result, rec)
	}

	if err := o.finishVisit(ctx, rec); err != nil {
		return err
	}

	pages := o.pagesFetched.Add(1)
	if o.config.MaxPages > 0 && pages >= o.config.MaxPages {
		o.logger.Info("max pages reached, stopping", zap.Int64("pages", pages))
		o.cancel()
	}
	return nil
}

// processPage parses a successful HTML response, enqueues its links, and
// saves its extracted text. Parse and enqueue failures degrade to "no links"
// rather than failing the visit.
func (o *Orchestrator) processPage(ctx context.Context, logger *zap.Logger, claim *frontier.Claim, result *fetcher.Result, rec *kv.VisitedRecord) {
	parsed, err := o.parse.Parse([]byte(result.Body), result.FinalURL)
	if err != nil {
		logger.Warn("parse failed",
			zap.String("url", claim.URL),
			zap.Error(err),
		)
		return
	}

	if len(parsed.Links) > 0 {
		added, err := o.frontier.AddBatch(ctx, parsed.Links, claim.Depth+1)
		if err != nil {
			logger.Warn("failed to enqueue discovered links",
				zap.String("url", claim.URL),
				zap.Error(err),
			)
		} else {
			o.urlsAdded.Add(int64(added))
		}
	}

	if parsed.TextContent != "" {
		textSum := sha256.Sum256([]byte(parsed.TextContent))
		rec.ContentHash = hex.EncodeToString(textSum[:])

		path, err := o.content.Save(rec.URLSHA256, parsed.TextContent)
		if err != nil {
			logger.Warn("failed to save content",
				zap.String("url", claim.URL),
				zap.Error(err),
			)
		} else {
			rec.ContentPath = path
		}

		if o.archive != nil {
			doc := &storage.ContentDoc{
				URLSHA256: rec.URLSHA256,
				URL:       claim.URL,
				Domain:    claim.Domain,
				Text:      parsed.TextContent,
				FetchedAt: time.Unix(rec.FetchedAt, 0),
			}
			if err := o.archive.SaveContent(ctx, doc); err != nil {
				logger.Warn("content archive write failed",
					zap.String("url", claim.URL),
					zap.Error(err),
				)
			}
		}
	}
}

func (o *Orchestrator) finishVisit(ctx context.Context, rec *kv.VisitedRecord) error {
	if err := o.recorder.Record(ctx, rec); err != nil {
		return fmt.Errorf("failed to record visit: %w", err)
	}
	if err := o.events.PublishVisit(ctx, rec); err != nil {
		o.logger.Warn("visit event publish failed",
			zap.String("url", rec.URL),
			zap.Error(err),
		)
	}
	return nil
}

func (o *Orchestrator) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(o.config.MaintTick)
	defer ticker.Stop()

	lastPages := int64(0)
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pages := o.pagesFetched.Load()
			elapsed := now.Sub(lastTick).Seconds()
			var pps float64
			if elapsed > 0 {
				pps = float64(pages-lastPages) / elapsed
			}
			lastPages = pages
			lastTick = now

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			fields := []zap.Field{
				zap.Float64("pages_per_sec", pps),
				zap.Int64("pages_fetched", pages),
				zap.Int64("urls_added", o.urlsAdded.Load()),
				zap.Int64("worker_errors", o.workerErrors.Load()),
				zap.Int64("fetch_errors", o.fetchErrors.Load()),
				zap.Int("goroutines", runtime.NumGoroutine()),
				zap.Uint64("heap_bytes", mem.HeapAlloc),
			}
			if o.store != nil {
				if qlen, err := o.store.QueueLen(ctx); err == nil {
					fields = append(fields, zap.Int64("queued_domains", qlen))
				}
				stats := o.store.BloomStats()
				fields = append(fields, zap.String("bloom_backend", stats.Backend))
			}
			o.logger.Info("crawl progress", fields...)
		}
	}
}

// Stats is a point-in-time snapshot for the ops endpoint.
type Stats struct {
	PagesFetched int64   `json:"pages_fetched"`
	URLsAdded    int64   `json:"urls_added"`
	WorkerErrors int64   `json:"worker_errors"`
	FetchErrors  int64   `json:"fetch_errors"`
	PagesPerSec  float64 `json:"pages_per_sec"`
	UptimeSec    int64   `json:"uptime_sec"`
}

// Snapshot returns current counters.
func (o *Orchestrator) Snapshot() Stats {
	uptime := time.Since(o.startedAt)
	pages := o.pagesFetched.Load()
	var pps float64
	if uptime > 0 {
		pps = float64(pages) / uptime.Seconds()
	}
	return Stats{
		PagesFetched: pages,
		URLsAdded:    o.urlsAdded.Load(),
		WorkerErrors: o.workerErrors.Load(),
		FetchErrors:  o.fetchErrors.Load(),
		PagesPerSec:  pps,
		UptimeSec:    int64(uptime.Seconds()),
	}
}

func looksHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xhtml")
}

// sleepCtx sleeps for d or until cancellation; reports whether the full sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Schema version written to the store. Bumped on incompatible layout changes.
const SchemaVersion = "1"

// Key layout. This is the compatibility surface shared with the parser worker
// and the maintenance tools.
const (
	keySchemaVersion = "schema_version"
	keyDomainsQueue  = "domains:queue"
	keySeenBloom     = "seen:bloom"
	keyVisitedByTime = "visited:by_time"

	domainKeyPrefix  = "domain:"
	visitedKeyPrefix = "visited:"
)

// DomainKey returns the hash key for a domain entry.
func DomainKey(domain string) string {
	return domainKeyPrefix + domain
}

// VisitedKey returns the hash key for a visited record.
func VisitedKey(hex16 string) string {
	return visitedKeyPrefix + hex16
}

// Store wraps the Redis client with the crawler's key schema.
type Store struct {
	rdb    *redis.Client
	bloom  bloomBackend
	logger *zap.Logger
}

// Options holds connection and bloom sizing parameters.
type Options struct {
	Addr     string
	DB       int
	PoolSize int

	// DataDir is used for client-side bloom shard persistence when the
	// server has no bloom module.
	DataDir       string
	BloomCapacity uint
	BloomFPRate   float64
}

// Open connects to the KV store and picks a bloom backend.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.PoolSize == 0 {
		opts.PoolSize = 200
	}
	if opts.BloomCapacity == 0 {
		opts.BloomCapacity = 1_000_000_000
	}
	if opts.BloomFPRate == 0 {
		opts.BloomFPRate = 0.01
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	s := &Store{
		rdb:    rdb,
		logger: logger,
	}

	bloom, err := pickBloomBackend(ctx, rdb, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bloom backend: %w", err)
	}
	s.bloom = bloom

	logger.Info("connected to KV store",
		zap.String("addr", opts.Addr),
		zap.Int("pool_size", opts.PoolSize),
	)

	return s, nil
}

// Client exposes the underlying redis client for maintenance tooling.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close persists any client-side bloom state and closes the connection pool.
func (s *Store) Close() error {
	if err := s.bloom.Close(); err != nil {
		s.logger.Warn("failed to persist bloom state", zap.Error(err))
	}
	return s.rdb.Close()
}

// EnsureSchema initializes or verifies the schema version marker.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.rdb.SetNX(ctx, keySchemaVersion, SchemaVersion, 0).Err(); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	got, err := s.rdb.Get(ctx, keySchemaVersion).Result()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if got != SchemaVersion {
		return fmt.Errorf("schema version mismatch: store has %q, crawler expects %q", got, SchemaVersion)
	}
	return nil
}

// DomainState mirrors the domain:<d> hash fields.
type DomainState struct {
	FrontierOffset int64
	FrontierSize   int64
	FilePath       string
	IsSeeded       bool
	IsExcluded     bool
	NextFetchTime  int64
	RobotsTxt      string
	RobotsExpires  int64
}

// GetDomain reads the full domain hash. A missing key yields a zero state.
func (s *Store) GetDomain(ctx context.Context, domain string) (*DomainState, error) {
	fields, err := s.rdb.HGetAll(ctx, DomainKey(domain)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read domain %s: %w", domain, err)
	}

	state := &DomainState{
		FrontierOffset: parseInt(fields["frontier_offset"]),
		FrontierSize:   parseInt(fields["frontier_size"]),
		FilePath:       fields["file_path"],
		IsSeeded:       fields["is_seeded"] == "1",
		IsExcluded:     fields["is_excluded"] == "1",
		NextFetchTime:  parseInt(fields["next_fetch_time"]),
		RobotsTxt:      fields["robots_txt"],
		RobotsExpires:  parseInt(fields["robots_expires"]),
	}
	return state, nil
}

// FrontierBounds reads the offset and size for a domain in one round trip.
func (s *Store) FrontierBounds(ctx context.Context, domain string) (offset, size int64, err error) {
	vals, err := s.rdb.HMGet(ctx, DomainKey(domain), "frontier_offset", "frontier_size").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read frontier bounds for %s: %w", domain, err)
	}
	return parseIntAny(vals[0]), parseIntAny(vals[1]), nil
}

// SetFrontierOffset persists the next-byte-to-read position for a domain.
func (s *Store) SetFrontierOffset(ctx context.Context, domain string, offset int64) error {
	if err := s.rdb.HSet(ctx, DomainKey(domain), "frontier_offset", offset).Err(); err != nil {
		return fmt.Errorf("failed to persist offset for %s: %w", domain, err)
	}
	return nil
}

// SetNextFetchTime stores the epoch second at which the domain becomes fetchable.
func (s *Store) SetNextFetchTime(ctx context.Context, domain string, ts int64) error {
	if err := s.rdb.HSet(ctx, DomainKey(domain), "next_fetch_time", ts).Err(); err != nil {
		return fmt.Errorf("failed to persist next_fetch_time for %s: %w", domain, err)
	}
	return nil
}

// Robots returns the cached robots.txt body and expiry for a domain.
func (s *Store) Robots(ctx context.Context, domain string) (body string, expires int64, err error) {
	vals, err := s.rdb.HMGet(ctx, DomainKey(domain), "robots_txt", "robots_expires").Result()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read robots cache for %s: %w", domain, err)
	}
	if b, ok := vals[0].(string); ok {
		body = b
	}
	return body, parseIntAny(vals[1]), nil
}

// SetRobots stores the robots body and expiry atomically on the domain entry.
func (s *Store) SetRobots(ctx context.Context, domain, body string, expires int64) error {
	err := s.rdb.HSet(ctx, DomainKey(domain),
		"robots_txt", body,
		"robots_expires", expires,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to persist robots cache for %s: %w", domain, err)
	}
	return nil
}

// IsExcluded reports whether a domain carries the manual-exclusion flag.
func (s *Store) IsExcluded(ctx context.Context, domain string) (bool, error) {
	val, err := s.rdb.HGet(ctx, DomainKey(domain), "is_excluded").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read exclusion flag for %s: %w", domain, err)
	}
	return val == "1", nil
}

// MarkExcluded sets is_excluded=1 on a batch of domains in one pipeline.
func (s *Store) MarkExcluded(ctx context.Context, domains []string) error {
	if len(domains) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, d := range domains {
		pipe.HSet(ctx, DomainKey(d), "is_excluded", "1")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark %d domains excluded: %w", len(domains), err)
	}
	return nil
}

// QueueAddLT inserts or lowers a domain's score in the ready-domain index.
// An existing lower score is left untouched (monotone forward scheduling).
func (s *Store) QueueAddLT(ctx context.Context, domain string, score float64) error {
	err := s.rdb.ZAddLT(ctx, keyDomainsQueue, redis.Z{Score: score, Member: domain}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue domain %s: %w", domain, err)
	}
	return nil
}

// QueueAdd unconditionally sets a domain's score in the ready-domain index.
func (s *Store) QueueAdd(ctx context.Context, domain string, score float64) error {
	err := s.rdb.ZAdd(ctx, keyDomainsQueue, redis.Z{Score: score, Member: domain}).Err()
	if err != nil {
		return fmt.Errorf("failed to reschedule domain %s: %w", domain, err)
	}
	return nil
}

// QueuePopMin atomically claims the earliest-ready domain.
func (s *Store) QueuePopMin(ctx context.Context) (domain string, score float64, ok bool, err error) {
	members, err := s.rdb.ZPopMin(ctx, keyDomainsQueue, 1).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to pop domain queue: %w", err)
	}
	if len(members) == 0 {
		return "", 0, false, nil
	}
	d, _ := members[0].Member.(string)
	return d, members[0].Score, true, nil
}

// QueueScore returns a domain's current score, or ok=false if absent.
func (s *Store) QueueScore(ctx context.Context, domain string) (float64, bool, error) {
	score, err := s.rdb.ZScore(ctx, keyDomainsQueue, domain).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read score for %s: %w", domain, err)
	}
	return score, true, nil
}

// QueueRemove deletes domains from the ready-domain index.
func (s *Store) QueueRemove(ctx context.Context, domains ...string) (int64, error) {
	members := make([]interface{}, len(domains))
	for i, d := range domains {
		members[i] = d
	}
	n, err := s.rdb.ZRem(ctx, keyDomainsQueue, members...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove domains from queue: %w", err)
	}
	return n, nil
}

// QueueLen returns the ready-domain index cardinality.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keyDomainsQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// QueueMembers lists all queued domains with scores, for maintenance tooling.
func (s *Store) QueueMembers(ctx context.Context) ([]redis.Z, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, keyDomainsQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue members: %w", err)
	}
	return members, nil
}

// ResetFrontier rewinds a domain to the start of a freshly rewritten file.
// Used by the maintenance normalizer.
func (s *Store) ResetFrontier(ctx context.Context, domain string, size int64) error {
	err := s.rdb.HSet(ctx, DomainKey(domain),
		"frontier_offset", 0,
		"frontier_size", size,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to reset frontier for %s: %w", domain, err)
	}
	return nil
}

// ScanDomains walks every domain:<d> key, invoking fn with the bare domain.
func (s *Store) ScanDomains(ctx context.Context, fn func(domain string) error) error {
	iter := s.rdb.Scan(ctx, 0, domainKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		domain := strings.TrimPrefix(iter.Val(), domainKeyPrefix)
		if err := fn(domain); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan domain keys: %w", err)
	}
	return nil
}

// FrontierWrite captures the KV side effects of one per-domain append.
type FrontierWrite struct {
	Domain   string
	URLs     []string
	Bytes    int64
	FilePath string
	Now      float64
}

// CommitFrontierWrite applies a domain group's frontier bookkeeping: bloom
// membership first, then the size bump, lazy seeding metadata, and the LT
// queue insert in a single pipeline.
func (s *Store) CommitFrontierWrite(ctx context.Context, w FrontierWrite) error {
	if err := s.bloom.Add(ctx, w.URLs); err != nil {
		return fmt.Errorf("failed to add %d urls to bloom: %w", len(w.URLs), err)
	}

	key := DomainKey(w.Domain)
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "frontier_size", w.Bytes)
	pipe.HSetNX(ctx, key, "frontier_offset", 0)
	pipe.HSetNX(ctx, key, "is_seeded", "0")
	pipe.HSetNX(ctx, key, "file_path", w.FilePath)
	pipe.ZAddLT(ctx, keyDomainsQueue, redis.Z{Score: w.Now, Member: w.Domain})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to commit frontier write for %s: %w", w.Domain, err)
	}
	return nil
}

// BloomAdd records URLs in the seen set.
func (s *Store) BloomAdd(ctx context.Context, urls ...string) error {
	return s.bloom.Add(ctx, urls)
}

// BloomExists tests URLs against the seen set. The result slice is parallel
// to the input; true means "probably seen", false means "certainly new".
func (s *Store) BloomExists(ctx context.Context, urls ...string) ([]bool, error) {
	return s.bloom.Exists(ctx, urls)
}

// BloomStats reports approximate fill statistics for the ops endpoint.
func (s *Store) BloomStats() BloomStats {
	return s.bloom.Stats()
}

// VisitedRecord mirrors the visited:<16-hex> hash fields.
type VisitedRecord struct {
	URL          string
	URLSHA256    string
	Domain       string
	StatusCode   int
	FetchedAt    int64
	ContentType  string
	ContentHash  string
	ContentPath  string
	RedirectedTo string
	Error        string
}

// Key16 is the 16-hex-prefix key of the record's URL SHA-256.
func (r *VisitedRecord) Key16() string {
	if len(r.URLSHA256) < 16 {
		return r.URLSHA256
	}
	return r.URLSHA256[:16]
}

// PutVisited writes the record hash and its by-time index entry in one pipeline.
func (s *Store) PutVisited(ctx context.Context, rec *VisitedRecord) error {
	key := VisitedKey(rec.Key16())

	fields := []interface{}{
		"url", rec.URL,
		"url_sha256", rec.URLSHA256,
		"domain", rec.Domain,
		"status_code", rec.StatusCode,
		"fetched_at", rec.FetchedAt,
	}
	if rec.ContentType != "" {
		fields = append(fields, "content_type", rec.ContentType)
	}
	if rec.ContentHash != "" {
		fields = append(fields, "content_hash", rec.ContentHash)
	}
	if rec.ContentPath != "" {
		fields = append(fields, "content_path", rec.ContentPath)
	}
	if rec.RedirectedTo != "" {
		fields = append(fields, "redirected_to_url", rec.RedirectedTo)
	}
	if rec.Error != "" {
		fields = append(fields, "error", rec.Error)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.ZAdd(ctx, keyVisitedByTime, redis.Z{Score: float64(rec.FetchedAt), Member: rec.Key16()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record visit for %s: %w", rec.URL, err)
	}
	return nil
}

// GetVisited reads back a visited record by its 16-hex key.
func (s *Store) GetVisited(ctx context.Context, hex16 string) (*VisitedRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, VisitedKey(hex16)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read visited record %s: %w", hex16, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &VisitedRecord{
		URL:          fields["url"],
		URLSHA256:    fields["url_sha256"],
		Domain:       fields["domain"],
		StatusCode:   int(parseInt(fields["status_code"])),
		FetchedAt:    parseInt(fields["fetched_at"]),
		ContentType:  fields["content_type"],
		ContentHash:  fields["content_hash"],
		ContentPath:  fields["content_path"],
		RedirectedTo: fields["redirected_to_url"],
		Error:        fields["error"],
	}, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseIntAny(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	return parseInt(s)
}
